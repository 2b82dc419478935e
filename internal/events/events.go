// Package events defines the domain events produced by a tracking session and
// their wire representations.
package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventTimeLayout is the wall-clock layout used for activity event_time.
const EventTimeLayout = "2006-01-02 15:04:05"

// Stream identifies the endpoint and table an event belongs to.
type Stream string

const (
	StreamActivity Stream = "activity"
	StreamLocation Stream = "location"
)

// Kind is the activity event type sent as event_type.
type Kind string

const (
	KindLogin    Kind = "login"
	KindLogout   Kind = "logout"
	KindCheckIn  Kind = "checkin"
	KindCheckOut Kind = "checkout"
	KindWaiting  Kind = "waiting"
	KindGPSOn    Kind = "gps_on"
	KindGPSOff   Kind = "gps_off"
)

var validKinds = map[Kind]struct{}{
	KindLogin: {}, KindLogout: {}, KindCheckIn: {}, KindCheckOut: {},
	KindWaiting: {}, KindGPSOn: {}, KindGPSOff: {},
}

// ParseKind validates an event type string.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if _, ok := validKinds[k]; !ok {
		return "", fmt.Errorf("unknown activity kind %q", s)
	}
	return k, nil
}

// Default detail strings.
const (
	DetailWaiting = "User has been stationary for 5 minutes"
	DetailGPSOn   = "GPS switched on"
	DetailGPSOff  = "GPS switched off"
)

// Event is either an ActivityEvent or a LocationEvent.
type Event interface {
	ID() uuid.UUID
	Stream() Stream
	Time() time.Time
	isEvent()
}

// ActivityEvent is a discrete user or device action.
type ActivityEvent struct {
	UUID       uuid.UUID
	UserID     int64
	Kind       Kind
	OccurredAt time.Time
	Lat        *float64
	Lng        *float64
	Details    string
	SessionID  *int64
	ClientID   *int64
}

// NewActivity builds an activity event with a fresh UUID.
func NewActivity(userID int64, kind Kind, at time.Time) ActivityEvent {
	return ActivityEvent{
		UUID:       uuid.New(),
		UserID:     userID,
		Kind:       kind,
		OccurredAt: at,
	}
}

// WithLocation returns a copy carrying coordinates.
func (e ActivityEvent) WithLocation(lat, lng float64) ActivityEvent {
	e.Lat, e.Lng = &lat, &lng
	return e
}

func (e ActivityEvent) ID() uuid.UUID   { return e.UUID }
func (e ActivityEvent) Stream() Stream  { return StreamActivity }
func (e ActivityEvent) Time() time.Time { return e.OccurredAt }
func (ActivityEvent) isEvent()          {}

// EventTime formats OccurredAt in local wall-clock time.
func (e ActivityEvent) EventTime() string {
	return e.OccurredAt.In(time.Local).Format(EventTimeLayout)
}

// LocationEvent is one smoothed position sample.
type LocationEvent struct {
	UUID            uuid.UUID
	UserID          int64
	Latitude        float64
	Longitude       float64
	TimestampMillis int64
	Accuracy        float64
	Speed           *float64
	Bearing         *float64
}

// NewLocation builds a location event with a fresh UUID.
func NewLocation(userID int64, lat, lng, accuracy float64, tsMillis int64, speed, bearing *float64) LocationEvent {
	return LocationEvent{
		UUID:            uuid.New(),
		UserID:          userID,
		Latitude:        lat,
		Longitude:       lng,
		TimestampMillis: tsMillis,
		Accuracy:        accuracy,
		Speed:           speed,
		Bearing:         bearing,
	}
}

func (e LocationEvent) ID() uuid.UUID   { return e.UUID }
func (e LocationEvent) Stream() Stream  { return StreamLocation }
func (e LocationEvent) Time() time.Time { return time.UnixMilli(e.TimestampMillis) }
func (LocationEvent) isEvent()          {}
