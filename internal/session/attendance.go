package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/banshee-data/tracked/internal/events"
	"github.com/banshee-data/tracked/internal/geo"
	"github.com/banshee-data/tracked/internal/geofence"
	"github.com/banshee-data/tracked/internal/location"
	"github.com/banshee-data/tracked/internal/metrics"
)

// ErrInvalidAction is returned for attendance actions other than login,
// logout, check-in and check-out.
var ErrInvalidAction = errors.New("session: invalid attendance action")

// OutcomeStatus is the decision taken on an attendance request.
type OutcomeStatus string

const (
	OutcomeAllowed             OutcomeStatus = "allowed"
	OutcomeOutsideOffice       OutcomeStatus = "outside_office"
	OutcomeLocationUnavailable OutcomeStatus = "location_unavailable"
	OutcomeNoCheckIn           OutcomeStatus = "no_checkin"
	OutcomeTooFarFromCheckIn   OutcomeStatus = "too_far_from_checkin"
)

// AttendanceRequest asks for a login, logout, check-in or check-out.
type AttendanceRequest struct {
	Action    events.Kind
	ClientID  *int64
	SessionID *int64
	Details   string
}

// Outcome reports what happened to an attendance request.
type Outcome struct {
	Status OutcomeStatus
	// DistanceMeters is the distance to the office, or to the check-in for a
	// checkout. Zero when no comparison was made.
	DistanceMeters float64
	// Enforced is true when the radius was actually applied.
	Enforced bool
	// Delivered is false when the event was stored for a later sync.
	Delivered bool
	Event     *events.ActivityEvent
}

// Allowed reports whether the action was accepted.
func (o Outcome) Allowed() bool { return o.Status == OutcomeAllowed }

// CheckIn is the location and client of the open check-in.
type CheckIn struct {
	ClientID *int64
	Point    location.Point
	At       time.Time
}

// CurrentCheckIn returns the open check-in, or nil.
func (s *Session) CurrentCheckIn() *CheckIn {
	s.checkInMu.Lock()
	defer s.checkInMu.Unlock()
	if s.checkIn == nil {
		return nil
	}
	c := *s.checkIn
	return &c
}

// Attendance takes one fresh fix, applies the geofence (or, for a checkout,
// the distance to the open check-in) and delivers the event when allowed. A
// denied action or a missing fix is reported in the Outcome, not as an error.
func (s *Session) Attendance(ctx context.Context, req AttendanceRequest) (Outcome, error) {
	switch req.Action {
	case events.KindLogin, events.KindLogout, events.KindCheckIn, events.KindCheckOut:
	default:
		return Outcome{}, fmt.Errorf("%w: %q", ErrInvalidAction, req.Action)
	}

	out, err := s.attendance(ctx, req)
	if err != nil {
		return out, err
	}
	metrics.IncAttendance(string(req.Action), string(out.Status))
	s.logger.Info("attendance",
		zap.String("action", string(req.Action)),
		zap.String("outcome", string(out.Status)),
		zap.Float64("distance_m", out.DistanceMeters),
		zap.Bool("enforced", out.Enforced),
		zap.Bool("delivered", out.Delivered))
	return out, nil
}

func (s *Session) attendance(ctx context.Context, req AttendanceRequest) (Outcome, error) {
	var open *CheckIn
	if req.Action == events.KindCheckOut {
		if open = s.CurrentCheckIn(); open == nil {
			return Outcome{Status: OutcomeNoCheckIn}, nil
		}
	}

	fix, err := s.FreshFix(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, err
		}
		s.logger.Warn("no fresh fix for attendance", zap.Error(err))
		return Outcome{Status: OutcomeLocationUnavailable}, nil
	}
	p := location.Point{Latitude: fix.Latitude, Longitude: fix.Longitude}

	var out Outcome
	if open != nil {
		out.DistanceMeters = geo.DistanceMeters(open.Point.Latitude, open.Point.Longitude, p.Latitude, p.Longitude)
		out.Enforced = true
		if out.DistanceMeters > s.cfg.CheckoutRadiusMeters {
			out.Status = OutcomeTooFarFromCheckIn
			return out, nil
		}
	} else {
		gf := geofence.ConfigFromSettings(s.deps.Settings)
		res, ok := geofence.Check(p, gf)
		out.DistanceMeters = res.DistanceMeters
		out.Enforced = gf.Enforced()
		if !ok {
			out.Status = OutcomeOutsideOffice
			return out, nil
		}
	}

	userID := unknownUser
	if s.deps.Identity != nil {
		userID = s.deps.Identity.UserID()
	}
	e := events.NewActivity(userID, req.Action, s.deps.Clock.Now()).WithLocation(p.Latitude, p.Longitude)
	e.ClientID = req.ClientID
	e.SessionID = req.SessionID
	e.Details = req.Details

	out.Status = OutcomeAllowed
	out.Event = &e
	out.Delivered = s.deps.Delivery.Deliver(ctx, e)

	s.checkInMu.Lock()
	switch req.Action {
	case events.KindCheckIn:
		s.checkIn = &CheckIn{ClientID: req.ClientID, Point: p, At: e.OccurredAt}
	case events.KindCheckOut:
		s.checkIn = nil
	}
	s.checkInMu.Unlock()
	return out, nil
}

// errNoFix is returned by FreshFix when the timeout passes without a usable
// fix.
var errNoFix = errors.New("session: no accurate fix before timeout")

// FreshFix opens a short high-accuracy subscription and returns the first fix
// within the gate's accuracy limit. It gives up after FreshFixTimeout.
func (s *Session) FreshFix(ctx context.Context) (location.RawFix, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	updates, err := s.deps.Provider.Subscribe(ctx, location.FreshFixRequest())
	if err != nil {
		return location.RawFix{}, fmt.Errorf("fresh fix: %w", err)
	}
	timer := s.deps.Clock.NewTimer(s.cfg.FreshFixTimeout)
	defer timer.Stop()

	maxAcc := s.cfg.Gate.MaxAccuracyMeters
	if maxAcc <= 0 {
		maxAcc = location.DefaultGateConfig().MaxAccuracyMeters
	}
	for {
		select {
		case <-ctx.Done():
			return location.RawFix{}, ctx.Err()
		case <-timer.C():
			return location.RawFix{}, errNoFix
		case u, ok := <-updates:
			if !ok {
				return location.RawFix{}, errNoFix
			}
			if u.Fix != nil && u.Fix.AccuracyMeters <= maxAcc {
				return *u.Fix, nil
			}
		}
	}
}
