package location

import (
	"github.com/banshee-data/tracked/internal/geo"
)

// Rejection names the reason a fix was dropped. The zero value means the fix
// was accepted.
type Rejection string

const (
	Accepted             Rejection = ""
	LowAccuracy          Rejection = "low_accuracy"
	ImplausibleJump      Rejection = "implausible_jump"
	InsufficientMovement Rejection = "insufficient_movement"
	StationarySpeed      Rejection = "stationary_speed"
)

func (r Rejection) String() string {
	if r == Accepted {
		return "accepted"
	}
	return string(r)
}

// Stationary reports whether the rejection is evidence that the device has
// not moved.
func (r Rejection) Stationary() bool {
	return r == InsufficientMovement || r == StationarySpeed
}

// GateConfig holds the fix gate thresholds.
type GateConfig struct {
	MaxAccuracyMeters float64 // reject when accuracy is worse than this
	MaxJumpMeters     float64 // reject when further than this from the previous point
	MinMoveMeters     float64 // reject when closer than this to the previous point
	MinSpeedMps       float64 // reject when a reported speed is below this
}

// DefaultGateConfig returns the production thresholds.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		MaxAccuracyMeters: 20,
		MaxJumpMeters:     100,
		MinMoveMeters:     3,
		MinSpeedMps:       0.5,
	}
}

// Gate accepts or rejects raw fixes before they reach the smoother.
type Gate struct {
	cfg GateConfig
}

// NewGate builds a gate, filling zero thresholds from DefaultGateConfig.
func NewGate(cfg GateConfig) *Gate {
	def := DefaultGateConfig()
	if cfg.MaxAccuracyMeters <= 0 {
		cfg.MaxAccuracyMeters = def.MaxAccuracyMeters
	}
	if cfg.MaxJumpMeters <= 0 {
		cfg.MaxJumpMeters = def.MaxJumpMeters
	}
	if cfg.MinMoveMeters <= 0 {
		cfg.MinMoveMeters = def.MinMoveMeters
	}
	if cfg.MinSpeedMps <= 0 {
		cfg.MinSpeedMps = def.MinSpeedMps
	}
	return &Gate{cfg: cfg}
}

// Config returns the effective thresholds.
func (g *Gate) Config() GateConfig { return g.cfg }

// Accept checks fix against the previous smoothed point (nil for the first
// fix of a session). Checks run in a fixed order and the first failing one
// wins.
func (g *Gate) Accept(fix RawFix, prev *Point) Rejection {
	if fix.AccuracyMeters > g.cfg.MaxAccuracyMeters {
		return LowAccuracy
	}
	if prev != nil {
		dist := geo.DistanceMeters(prev.Latitude, prev.Longitude, fix.Latitude, fix.Longitude)
		if dist > g.cfg.MaxJumpMeters {
			return ImplausibleJump
		}
		if dist < g.cfg.MinMoveMeters {
			return InsufficientMovement
		}
	}
	if fix.Speed != nil && *fix.Speed < g.cfg.MinSpeedMps {
		return StationarySpeed
	}
	return Accepted
}
