// Package location defines the fix types flowing from a location provider into
// the tracking session, together with the smoothing filter and the fix gate
// that sit at the front of the pipeline.
package location

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrPermissionDenied is returned by a Provider when the process may not read
// the location source. The session treats it as "cannot start".
var ErrPermissionDenied = errors.New("location permission denied")

// RawFix is one reading from the platform location provider. Speed and
// Bearing are nil when the receiver did not report them.
type RawFix struct {
	Latitude        float64
	Longitude       float64
	AccuracyMeters  float64
	TimestampMillis int64
	Speed           *float64 // meters per second
	Bearing         *float64 // degrees
}

// Time returns the fix timestamp as a time.Time.
func (f RawFix) Time() time.Time {
	return time.UnixMilli(f.TimestampMillis)
}

// HasSpeed reports whether the receiver reported a speed for this fix.
func (f RawFix) HasSpeed() bool { return f.Speed != nil }

func (f RawFix) String() string {
	s := fmt.Sprintf("lat=%.7f lng=%.7f acc=%.1fm t=%d", f.Latitude, f.Longitude, f.AccuracyMeters, f.TimestampMillis)
	if f.Speed != nil {
		s += fmt.Sprintf(" speed=%.2f", *f.Speed)
	}
	if f.Bearing != nil {
		s += fmt.Sprintf(" bearing=%.1f", *f.Bearing)
	}
	return s
}

// Point is a smoothed position.
type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Priority mirrors the power/accuracy trade-off a provider is asked for.
type Priority int

const (
	PriorityBalanced Priority = iota
	PriorityHighAccuracy
)

// Request describes a location subscription.
type Request struct {
	Interval              time.Duration
	MinDisplacementMeters float64
	Priority              Priority
}

// DefaultTrackingRequest is the cadence used by a running session.
func DefaultTrackingRequest() Request {
	return Request{
		Interval:              5 * time.Second,
		MinDisplacementMeters: 5,
		Priority:              PriorityHighAccuracy,
	}
}

// FreshFixRequest is used for one-shot attendance checks.
func FreshFixRequest() Request {
	return Request{
		Interval:              time.Second,
		MinDisplacementMeters: 0,
		Priority:              PriorityHighAccuracy,
	}
}

// Update is one item delivered on a subscription channel. Exactly one of Fix,
// GPSEnabled or Err is set.
type Update struct {
	Fix        *RawFix
	GPSEnabled *bool
	Err        error
}

// Provider is the platform location source. Subscribe returns a channel that
// is closed when ctx is cancelled or the source ends. Cancelling ctx is the
// only way to unsubscribe.
type Provider interface {
	Subscribe(ctx context.Context, req Request) (<-chan Update, error)
}
