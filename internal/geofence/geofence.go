// Package geofence decides whether a point lies inside the configured office
// radius and whether that answer should gate an attendance action.
package geofence

import (
	"strconv"
	"strings"

	"github.com/banshee-data/tracked/internal/geo"
	"github.com/banshee-data/tracked/internal/location"
)

// DefaultRadiusMeters applies when no usable office radius is configured.
const DefaultRadiusMeters = 100.0

// Setting keys looked up through Settings.
const (
	KeyOfficeLat         = "b_lat"
	KeyOfficeLng         = "b_lng"
	KeyOfficeRadius      = "off_rad"
	KeyBranchRestriction = "b_res"
	KeyUserRestriction   = "u_res"
)

// Config describes the office geofence. OfficeLat and OfficeLng are nil when
// no office location has been issued to this user.
type Config struct {
	OfficeLat         *float64
	OfficeLng         *float64
	RadiusMeters      float64
	BranchRestriction bool
	UserRestriction   bool
}

// Configured reports whether an office location is set.
func (c Config) Configured() bool {
	return c.OfficeLat != nil && c.OfficeLng != nil
}

// Radius returns the effective radius.
func (c Config) Radius() float64 {
	if c.RadiusMeters <= 0 {
		return DefaultRadiusMeters
	}
	return c.RadiusMeters
}

// Enforced reports whether the radius check gates attendance. Both the branch
// and the user restriction must be on.
func (c Config) Enforced() bool {
	return c.BranchRestriction && c.UserRestriction
}

// Result is the outcome of a containment check.
type Result struct {
	WithinRadius   bool
	DistanceMeters float64
	Configured     bool
}

// IsWithinOffice checks p against cfg. With no office configured every point
// is treated as inside.
func IsWithinOffice(p location.Point, cfg Config) Result {
	if !cfg.Configured() {
		return Result{WithinRadius: true}
	}
	d := geo.DistanceMeters(p.Latitude, p.Longitude, *cfg.OfficeLat, *cfg.OfficeLng)
	return Result{
		WithinRadius:   d <= cfg.Radius(),
		DistanceMeters: d,
		Configured:     true,
	}
}

// Allowed applies the restriction policy to a containment result.
func Allowed(res Result, cfg Config) bool {
	if !cfg.Enforced() {
		return true
	}
	return res.WithinRadius
}

// Check evaluates and applies the policy in one call.
func Check(p location.Point, cfg Config) (Result, bool) {
	res := IsWithinOffice(p, cfg)
	return res, Allowed(res, cfg)
}

// Settings is the read-only key lookup the geofence configuration is sourced
// from.
type Settings interface {
	Field(key string) (string, bool)
}

// ConfigFromSettings reads the geofence fields. It is called for every check
// so configuration changes take effect immediately.
func ConfigFromSettings(s Settings) Config {
	var cfg Config
	if s == nil {
		return cfg
	}
	lat, latOK := floatField(s, KeyOfficeLat)
	lng, lngOK := floatField(s, KeyOfficeLng)
	if latOK && lngOK {
		cfg.OfficeLat, cfg.OfficeLng = &lat, &lng
	}
	if r, ok := floatField(s, KeyOfficeRadius); ok {
		cfg.RadiusMeters = r
	}
	cfg.BranchRestriction = flagField(s, KeyBranchRestriction)
	cfg.UserRestriction = flagField(s, KeyUserRestriction)
	return cfg
}

func floatField(s Settings, key string) (float64, bool) {
	v, ok := s.Field(key)
	if !ok {
		return 0, false
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func flagField(s Settings, key string) bool {
	v, ok := s.Field(key)
	return ok && strings.TrimSpace(v) == "1"
}

// StaticSettings is a map-backed Settings, used in tests and dev mode.
type StaticSettings map[string]string

// Field implements Settings.
func (m StaticSettings) Field(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}
