// Package stationary detects when a device has stayed within a small radius
// for longer than a configured duration.
package stationary

import (
	"time"

	"github.com/banshee-data/tracked/internal/geo"
	"github.com/banshee-data/tracked/internal/location"
)

const (
	DefaultThresholdMeters = 20.0
	DefaultDuration        = 5 * time.Minute
)

// State is the detector's coarse state.
type State int

const (
	Moving State = iota
	Stationary
)

func (s State) String() string {
	switch s {
	case Moving:
		return "moving"
	case Stationary:
		return "stationary"
	default:
		return "unknown"
	}
}

// Config sets the movement threshold and the dwell time before a waiting
// signal fires.
type Config struct {
	ThresholdMeters float64
	Duration        time.Duration
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{ThresholdMeters: DefaultThresholdMeters, Duration: DefaultDuration}
}

// Snapshot is a copy of the detector's internal state.
type Snapshot struct {
	State           State
	LastSignificant *location.Point
	LastMovedAt     time.Time
	Latched         bool
}

// Detector is a latched state machine. It is not safe for concurrent use; the
// owning session goroutine is its only caller.
type Detector struct {
	cfg Config

	state           State
	lastSignificant *location.Point
	lastMovedAt     time.Time
	latched         bool
}

// New creates a detector. Non-positive config values fall back to defaults.
func New(cfg Config) *Detector {
	if cfg.ThresholdMeters <= 0 {
		cfg.ThresholdMeters = DefaultThresholdMeters
	}
	if cfg.Duration <= 0 {
		cfg.Duration = DefaultDuration
	}
	return &Detector{cfg: cfg}
}

// Observe feeds a point observed at the given time. It returns true exactly
// once per stationary episode, when the dwell time is first exceeded.
func (d *Detector) Observe(p location.Point, at time.Time) bool {
	if d.lastSignificant == nil ||
		geo.DistanceMeters(d.lastSignificant.Latitude, d.lastSignificant.Longitude, p.Latitude, p.Longitude) > d.cfg.ThresholdMeters {
		pt := p
		d.lastSignificant = &pt
		d.lastMovedAt = at
		d.latched = false
		d.state = Moving
		return false
	}

	d.state = Stationary
	if d.latched || at.Sub(d.lastMovedAt) <= d.cfg.Duration {
		return false
	}
	d.latched = true
	return true
}

// State returns the current state.
func (d *Detector) State() State { return d.state }

// Snapshot returns a copy of the detector state.
func (d *Detector) Snapshot() Snapshot {
	s := Snapshot{
		State:       d.state,
		LastMovedAt: d.lastMovedAt,
		Latched:     d.latched,
	}
	if d.lastSignificant != nil {
		pt := *d.lastSignificant
		s.LastSignificant = &pt
	}
	return s
}

// Reset forgets all history.
func (d *Detector) Reset() {
	*d = Detector{cfg: d.cfg}
}
