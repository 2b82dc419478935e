// Package session runs the tracking pipeline: it subscribes to a location
// provider, filters and smooths fixes, pairs accepted points into location
// batches, watches for the device standing still and gates attendance
// actions on a fresh fix.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/banshee-data/tracked/internal/events"
	"github.com/banshee-data/tracked/internal/geofence"
	"github.com/banshee-data/tracked/internal/location"
	"github.com/banshee-data/tracked/internal/metrics"
	"github.com/banshee-data/tracked/internal/stationary"
	"github.com/banshee-data/tracked/internal/timeutil"
)

// ErrNotStopped is returned by Start when a session is already starting or
// running.
var ErrNotStopped = errors.New("session: already started")

// State is the session lifecycle state.
type State int

const (
	Stopped State = iota
	Starting
	Running
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Delivery is the part of the delivery manager the session uses.
type Delivery interface {
	Deliver(ctx context.Context, e events.ActivityEvent) bool
	Submit(e events.ActivityEvent)
	SubmitBatch(batch []events.LocationEvent)
}

// Identity supplies the user id stamped on every event.
type Identity interface {
	UserID() int64
}

// Config holds the pipeline settings.
type Config struct {
	Request          location.Request
	Gate             location.GateConfig
	ProcessNoise     float64
	MeasurementNoise float64
	Stationary       stationary.Config
	// FreshFixTimeout bounds how long an attendance action waits for a fix.
	FreshFixTimeout time.Duration
	// CheckoutRadiusMeters is how far from the recorded check-in a checkout
	// may happen.
	CheckoutRadiusMeters float64
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		Request:              location.DefaultTrackingRequest(),
		Gate:                 location.DefaultGateConfig(),
		ProcessNoise:         location.DefaultProcessNoise,
		MeasurementNoise:     location.DefaultMeasurementNoise,
		Stationary:           stationary.DefaultConfig(),
		FreshFixTimeout:      20 * time.Second,
		CheckoutRadiusMeters: 100,
	}
}

// Deps are the collaborators of a session.
type Deps struct {
	Provider location.Provider
	Delivery Delivery
	Identity Identity
	Settings geofence.Settings
	Clock    timeutil.Clock
	Logger   *zap.Logger
}

// Status is a point-in-time view of a session.
type Status struct {
	State      State
	Accepted   uint64
	Rejected   uint64
	LastPoint  *location.Point
	LastFixAt  time.Time
	Stationary stationary.State
	// Dwell is the stationary detector's anchor and latch.
	Dwell      stationary.Snapshot
	GPSEnabled *bool
	CheckIn    *CheckIn
}

// Session owns one tracking pipeline. Start and Stop may be called from any
// goroutine; fix processing happens on a single goroutine per run.
type Session struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}

	statusMu sync.RWMutex
	status   Status

	checkInMu sync.Mutex
	checkIn   *CheckIn

	// tracker is reused across runs. Only the run goroutine touches it while
	// the session is running.
	tracker *tracker
}

// New creates a stopped session.
func New(cfg Config, deps Deps) *Session {
	if deps.Clock == nil {
		deps.Clock = timeutil.RealClock{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Settings == nil {
		deps.Settings = geofence.StaticSettings{}
	}
	if cfg.FreshFixTimeout <= 0 {
		cfg.FreshFixTimeout = DefaultConfig().FreshFixTimeout
	}
	if cfg.CheckoutRadiusMeters <= 0 {
		cfg.CheckoutRadiusMeters = DefaultConfig().CheckoutRadiusMeters
	}
	return &Session{cfg: cfg, deps: deps, logger: deps.Logger.Named("session")}
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.statusMu.RLock()
	st := s.status
	s.statusMu.RUnlock()
	st.State = s.State()
	st.CheckIn = s.CurrentCheckIn()
	return st
}

// Start subscribes to the provider and begins processing fixes. The
// subscription outlives ctx; only Stop ends it. A provider error, including
// location.ErrPermissionDenied, leaves the session stopped.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Stopped {
		s.mu.Unlock()
		return ErrNotStopped
	}
	s.state = Starting
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	updates, err := s.deps.Provider.Subscribe(runCtx, s.cfg.Request)
	if err != nil {
		cancel()
		s.setState(Stopped)
		s.logger.Warn("location subscription refused", zap.Error(err))
		return fmt.Errorf("session: subscribe: %w", err)
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.state = Running
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()
	metrics.SetSessionRunning(true)

	if s.tracker == nil {
		s.tracker = newTracker(s.cfg, s.deps.Identity)
	} else {
		s.tracker.reset()
	}
	t := s.tracker
	s.publish(t)
	go s.run(runCtx, t, updates, done)
	s.logger.Info("session started",
		zap.Duration("interval", s.cfg.Request.Interval),
		zap.Float64("min_displacement_m", s.cfg.Request.MinDisplacementMeters))
	return nil
}

// Stop cancels the subscription and waits for the run goroutine to exit.
// Deliveries already handed to the delivery manager are not cancelled.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.state != Running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// run is the only goroutine that touches t.
func (s *Session) run(ctx context.Context, t *tracker, updates <-chan location.Update, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		if s.done == done {
			s.state = Stopped
			s.cancel = nil
			s.done = nil
		}
		s.mu.Unlock()
		metrics.SetSessionRunning(false)
		close(done)
		s.logger.Info("session stopped")
	}()

	// The provider drops fixes closer than the minimum displacement, so a
	// device standing still goes quiet. The ticker keeps the stationary
	// detector's clock moving.
	tick := s.deps.Clock.NewTicker(s.cfg.Request.Interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				s.logger.Warn("location updates ended")
				return
			}
			s.handle(t, u)
		case <-tick.C():
			if t.idle(s.deps.Clock.Now()) {
				s.emitWaiting(t)
			}
		}
		s.publish(t)
	}
}

func (s *Session) handle(t *tracker, u location.Update) {
	switch {
	case u.Err != nil:
		s.logger.Debug("location update error", zap.Error(u.Err))

	case u.GPSEnabled != nil:
		if kind, changed := t.gps.observe(*u.GPSEnabled); changed {
			e := events.NewActivity(t.userID(), kind, s.deps.Clock.Now())
			e.Details = gpsDetails(kind)
			s.logger.Info("gps state changed", zap.String("event", string(kind)))
			s.deps.Delivery.Submit(e)
		}

	case u.Fix != nil:
		res := t.process(*u.Fix, s.deps.Clock.Now())
		metrics.IncFix(string(res.rejection))
		if res.rejection != location.Accepted {
			s.logger.Debug("fix rejected", zap.Stringer("reason", res.rejection), zap.Stringer("fix", u.Fix))
		}
		if len(res.batch) > 0 {
			s.deps.Delivery.SubmitBatch(res.batch)
		}
		if res.waiting {
			s.emitWaiting(t)
		}
	}
}

func (s *Session) emitWaiting(t *tracker) {
	e := events.NewActivity(t.userID(), events.KindWaiting, s.deps.Clock.Now())
	if p := t.last(); p != nil {
		e = e.WithLocation(p.Latitude, p.Longitude)
	}
	e.Details = events.DetailWaiting
	s.logger.Info("device stationary", zap.Duration("for", s.cfg.Stationary.Duration))
	s.deps.Delivery.Submit(e)
}

func (s *Session) publish(t *tracker) {
	dwell := t.detector.Snapshot()
	st := Status{
		Accepted:   t.accepted,
		Rejected:   t.rejected,
		LastPoint:  t.last(),
		LastFixAt:  t.lastFixAt,
		Stationary: dwell.State,
		Dwell:      dwell,
	}
	if t.gps.known {
		on := t.gps.enabled
		st.GPSEnabled = &on
	}
	s.statusMu.Lock()
	s.status = st
	s.statusMu.Unlock()
}

func gpsDetails(kind events.Kind) string {
	if kind == events.KindGPSOn {
		return events.DetailGPSOn
	}
	return events.DetailGPSOff
}
