package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/tracked/internal/events"
	"github.com/banshee-data/tracked/internal/location"
	"github.com/banshee-data/tracked/internal/stationary"
)

// unknownUser is stamped on events when no identity is configured.
const unknownUser int64 = -1

// gpsState remembers the last reported receiver state so that only changes
// produce events.
type gpsState struct {
	known   bool
	enabled bool
}

// observe records a report and returns the event kind when it differs from the
// previous one. The first report always counts as a change.
func (g *gpsState) observe(enabled bool) (events.Kind, bool) {
	if g.known && g.enabled == enabled {
		return "", false
	}
	g.known, g.enabled = true, enabled
	if enabled {
		return events.KindGPSOn, true
	}
	return events.KindGPSOff, true
}

// tracker is the filter and stationary state of one run. It is owned by the
// run goroutine and never shared.
type tracker struct {
	identity Identity
	gate     *location.Gate
	smoother *location.Smoother
	detector *stationary.Detector
	gps      gpsState

	lastEvent *events.LocationEvent
	lastFixAt time.Time

	accepted uint64
	rejected uint64
}

func newTracker(cfg Config, identity Identity) *tracker {
	return &tracker{
		identity: identity,
		gate:     location.NewGate(cfg.Gate),
		smoother: location.NewSmoother(cfg.ProcessNoise, cfg.MeasurementNoise),
		detector: stationary.New(cfg.Stationary),
	}
}

// reset prepares the tracker for a new run. The receiver state is kept so a
// restart does not repeat the last gps_on or gps_off.
func (t *tracker) reset() {
	t.smoother.Reset()
	t.detector.Reset()
	t.lastEvent = nil
	t.lastFixAt = time.Time{}
	t.accepted, t.rejected = 0, 0
}

// last is the smoothed position of the most recent accepted fix.
func (t *tracker) last() *location.Point {
	p, ok := t.smoother.Estimate()
	if !ok {
		return nil
	}
	return &p
}

func (t *tracker) userID() int64 {
	if t.identity == nil {
		return unknownUser
	}
	return t.identity.UserID()
}

type fixResult struct {
	rejection location.Rejection
	// batch is the [previous, current] pair to deliver, oldest first.
	batch   []events.LocationEvent
	waiting bool
}

// process runs one fix through the gate and smoother. Rejections that show the
// device standing still still feed the stationary detector.
func (t *tracker) process(fix location.RawFix, now time.Time) fixResult {
	t.lastFixAt = now
	rej := t.gate.Accept(fix, t.last())
	if rej != location.Accepted {
		t.rejected++
		res := fixResult{rejection: rej}
		if rej.Stationary() {
			res.waiting = t.detector.Observe(location.Point{Latitude: fix.Latitude, Longitude: fix.Longitude}, now)
		}
		return res
	}

	t.accepted++
	p := t.smoother.Process(fix.Latitude, fix.Longitude)

	cur := events.NewLocation(t.userID(), p.Latitude, p.Longitude, fix.AccuracyMeters, fix.TimestampMillis, fix.Speed, fix.Bearing)
	res := fixResult{rejection: location.Accepted}
	if t.lastEvent != nil {
		// Each pair carries its own copy of the previous point so a queued
		// pair is stored as two rows, not merged with its neighbour.
		prev := *t.lastEvent
		prev.UUID = uuid.New()
		res.batch = []events.LocationEvent{prev, cur}
	}
	t.lastEvent = &cur
	res.waiting = t.detector.Observe(p, now)
	return res
}

// idle re-observes the last accepted point when no fix has arrived for a
// while, so the dwell time keeps advancing.
func (t *tracker) idle(now time.Time) bool {
	p := t.last()
	if p == nil {
		return false
	}
	return t.detector.Observe(*p, now)
}
