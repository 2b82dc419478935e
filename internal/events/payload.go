package events

import (
	"encoding/json"
	"errors"
)

// ActivityPayload is the JSON body of an activity POST. Absent optional values
// are sent as zero.
type ActivityPayload struct {
	UserID    int64   `json:"user_id"`
	EventType string  `json:"event_type"`
	EventTime string  `json:"event_time"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Details   string  `json:"details"`
	SessionID int64   `json:"session_id"`
	ClientID  int64   `json:"client_id"`
}

// Payload converts the event to its wire form.
func (e ActivityEvent) Payload() ActivityPayload {
	return ActivityPayload{
		UserID:    e.UserID,
		EventType: string(e.Kind),
		EventTime: e.EventTime(),
		Lat:       floatOrZero(e.Lat),
		Lng:       floatOrZero(e.Lng),
		Details:   e.Details,
		SessionID: intOrZero(e.SessionID),
		ClientID:  intOrZero(e.ClientID),
	}
}

// LocationPoint is one entry of a location batch.
type LocationPoint struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Timestamp int64    `json:"timestamp"`
	Accuracy  float64  `json:"accuracy"`
	Speed     *float64 `json:"speed"`
	Bearing   *float64 `json:"bearing"`
}

// LocationBatchPayload is the JSON body of a location POST.
type LocationBatchPayload struct {
	UserID int64           `json:"user_id"`
	Points []LocationPoint `json:"points"`
}

// ErrEmptyBatch is returned when a batch has no points.
var ErrEmptyBatch = errors.New("empty location batch")

// BatchPayload builds the batch body. Point order follows the input order and
// user_id is taken from the first event.
func BatchPayload(batch []LocationEvent) (LocationBatchPayload, error) {
	if len(batch) == 0 {
		return LocationBatchPayload{}, ErrEmptyBatch
	}
	p := LocationBatchPayload{
		UserID: batch[0].UserID,
		Points: make([]LocationPoint, len(batch)),
	}
	for i, e := range batch {
		p.Points[i] = LocationPoint{
			Latitude:  e.Latitude,
			Longitude: e.Longitude,
			Timestamp: e.TimestampMillis,
			Accuracy:  e.Accuracy,
			Speed:     e.Speed,
			Bearing:   e.Bearing,
		}
	}
	return p, nil
}

// MarshalActivity encodes the activity body.
func MarshalActivity(e ActivityEvent) ([]byte, error) {
	return json.Marshal(e.Payload())
}

// MarshalBatch encodes the location batch body.
func MarshalBatch(batch []LocationEvent) ([]byte, error) {
	p, err := BatchPayload(batch)
	if err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

func floatOrZero(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func intOrZero(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
