package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/tracked/internal/events"
)

// QueuedID addresses one stored row.
type QueuedID struct {
	Stream events.Stream
	Row    int64
}

func (id QueuedID) String() string { return fmt.Sprintf("%s/%d", id.Stream, id.Row) }

// QueuedEvent is an event waiting for delivery.
type QueuedEvent struct {
	ID    QueuedID
	Event events.Event
}

// EventStore is the append/list/delete queue of undelivered events. Rows are
// never updated: successful delivery deletes them.
type EventStore struct {
	db *DB
}

// NewEventStore wraps an open database.
func NewEventStore(db *DB) *EventStore {
	return &EventStore{db: db}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Append stores one event and returns its row id. Appending an event whose
// UUID is already queued returns the existing row.
func (s *EventStore) Append(ctx context.Context, e events.Event) (QueuedID, error) {
	var id QueuedID
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = insertEvent(ctx, tx, e)
		return err
	})
	return id, err
}

// AppendAll stores events in a single transaction: either all are queued or
// none are.
func (s *EventStore) AppendAll(ctx context.Context, evs []events.Event) ([]QueuedID, error) {
	ids := make([]QueuedID, 0, len(evs))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, e := range evs {
			id, err := insertEvent(ctx, tx, e)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func insertEvent(ctx context.Context, x execer, e events.Event) (QueuedID, error) {
	switch ev := e.(type) {
	case events.ActivityEvent:
		return insertRow(ctx, x, events.StreamActivity, ev.UUID, `
			INSERT OR IGNORE INTO activity_events
				(event_uuid, user_id, event_type, event_time, occurred_at, lat, lng, details, session_id, client_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.UUID.String(), ev.UserID, string(ev.Kind), ev.EventTime(), ev.OccurredAt.UnixMilli(),
			nullFloat(ev.Lat), nullFloat(ev.Lng), nullString(ev.Details), nullInt(ev.SessionID), nullInt(ev.ClientID))
	case events.LocationEvent:
		return insertRow(ctx, x, events.StreamLocation, ev.UUID, `
			INSERT OR IGNORE INTO location_events
				(event_uuid, user_id, latitude, longitude, occurred_at, accuracy, speed, bearing)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.UUID.String(), ev.UserID, ev.Latitude, ev.Longitude, ev.TimestampMillis, ev.Accuracy,
			nullFloat(ev.Speed), nullFloat(ev.Bearing))
	default:
		return QueuedID{}, fmt.Errorf("unsupported event type %T", e)
	}
}

func insertRow(ctx context.Context, x execer, stream events.Stream, id uuid.UUID, query string, args ...any) (QueuedID, error) {
	if _, err := x.ExecContext(ctx, query, args...); err != nil {
		return QueuedID{}, fmt.Errorf("failed to queue %s event: %w", stream, err)
	}
	var row int64
	if err := x.QueryRowContext(ctx, "SELECT id FROM "+table(stream)+" WHERE event_uuid = ?", id.String()).Scan(&row); err != nil {
		return QueuedID{}, fmt.Errorf("failed to read queued %s event id: %w", stream, err)
	}
	return QueuedID{Stream: stream, Row: row}, nil
}

// ListUnsent returns every queued event ordered by original timestamp, then
// by stream and row id.
func (s *EventStore) ListUnsent(ctx context.Context) ([]QueuedEvent, error) {
	acts, err := s.ListStream(ctx, events.StreamActivity)
	if err != nil {
		return nil, err
	}
	locs, err := s.ListStream(ctx, events.StreamLocation)
	if err != nil {
		return nil, err
	}
	all := append(acts, locs...)
	sort.SliceStable(all, func(i, j int) bool {
		ti, tj := all[i].Event.Time().UnixMilli(), all[j].Event.Time().UnixMilli()
		if ti != tj {
			return ti < tj
		}
		if all[i].ID.Stream != all[j].ID.Stream {
			return all[i].ID.Stream < all[j].ID.Stream
		}
		return all[i].ID.Row < all[j].ID.Row
	})
	return all, nil
}

// ListStream returns the queued events of one stream in chronological order.
func (s *EventStore) ListStream(ctx context.Context, stream events.Stream) ([]QueuedEvent, error) {
	switch stream {
	case events.StreamActivity:
		return s.listActivity(ctx)
	case events.StreamLocation:
		return s.listLocation(ctx)
	default:
		return nil, fmt.Errorf("unknown stream %q", stream)
	}
}

func (s *EventStore) listActivity(ctx context.Context) ([]QueuedEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_uuid, user_id, event_type, occurred_at, lat, lng, details, session_id, client_id
		FROM activity_events
		WHERE sent = 0
		ORDER BY occurred_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list activity events: %w", err)
	}
	defer rows.Close()

	var out []QueuedEvent
	for rows.Next() {
		var (
			row        int64
			rawUUID    string
			ev         events.ActivityEvent
			kind       string
			occurredAt int64
			lat, lng   sql.NullFloat64
			details    sql.NullString
			sess, cli  sql.NullInt64
		)
		if err := rows.Scan(&row, &rawUUID, &ev.UserID, &kind, &occurredAt, &lat, &lng, &details, &sess, &cli); err != nil {
			return nil, fmt.Errorf("failed to scan activity event: %w", err)
		}
		if ev.UUID, err = uuid.Parse(rawUUID); err != nil {
			return nil, fmt.Errorf("activity event %d has invalid uuid: %w", row, err)
		}
		ev.Kind = events.Kind(kind)
		ev.OccurredAt = time.UnixMilli(occurredAt)
		ev.Lat = floatPtr(lat)
		ev.Lng = floatPtr(lng)
		ev.Details = details.String
		ev.SessionID = intPtr(sess)
		ev.ClientID = intPtr(cli)
		out = append(out, QueuedEvent{ID: QueuedID{Stream: events.StreamActivity, Row: row}, Event: ev})
	}
	return out, rows.Err()
}

func (s *EventStore) listLocation(ctx context.Context) ([]QueuedEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_uuid, user_id, latitude, longitude, occurred_at, accuracy, speed, bearing
		FROM location_events
		WHERE sent = 0
		ORDER BY occurred_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list location events: %w", err)
	}
	defer rows.Close()

	var out []QueuedEvent
	for rows.Next() {
		var (
			row            int64
			rawUUID        string
			ev             events.LocationEvent
			speed, bearing sql.NullFloat64
		)
		if err := rows.Scan(&row, &rawUUID, &ev.UserID, &ev.Latitude, &ev.Longitude, &ev.TimestampMillis, &ev.Accuracy, &speed, &bearing); err != nil {
			return nil, fmt.Errorf("failed to scan location event: %w", err)
		}
		if ev.UUID, err = uuid.Parse(rawUUID); err != nil {
			return nil, fmt.Errorf("location event %d has invalid uuid: %w", row, err)
		}
		ev.Speed = floatPtr(speed)
		ev.Bearing = floatPtr(bearing)
		out = append(out, QueuedEvent{ID: QueuedID{Stream: events.StreamLocation, Row: row}, Event: ev})
	}
	return out, rows.Err()
}

// Delete removes the given rows in one transaction. Missing rows are ignored.
func (s *EventStore) Delete(ctx context.Context, ids ...QueuedID) error {
	if len(ids) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			t := table(id.Stream)
			if t == "" {
				return fmt.Errorf("unknown stream %q", id.Stream)
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+t+" WHERE id = ?", id.Row); err != nil {
				return fmt.Errorf("failed to delete %s: %w", id, err)
			}
		}
		return nil
	})
}

// CountUnsent returns the number of queued events across both streams.
func (s *EventStore) CountUnsent(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM activity_events WHERE sent = 0)
		     + (SELECT COUNT(*) FROM location_events WHERE sent = 0)`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count queued events: %w", err)
	}
	return n, nil
}

// OldestUnsent returns the original timestamp of the oldest queued event. ok
// is false when the queue is empty.
func (s *EventStore) OldestUnsent(ctx context.Context) (oldest time.Time, ok bool, err error) {
	var ms sql.NullInt64
	err = s.db.QueryRowContext(ctx, `
		SELECT MIN(ts) FROM (
			SELECT MIN(occurred_at) AS ts FROM activity_events WHERE sent = 0
			UNION ALL
			SELECT MIN(occurred_at) AS ts FROM location_events WHERE sent = 0
		)`).Scan(&ms)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query oldest queued event: %w", err)
	}
	if !ms.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms.Int64), true, nil
}

func (s *EventStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func table(s events.Stream) string {
	switch s {
	case events.StreamActivity:
		return "activity_events"
	case events.StreamLocation:
		return "location_events"
	default:
		return ""
	}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func intPtr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	i := v.Int64
	return &i
}
