package delivery

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/samber/oops"

	"github.com/banshee-data/tracked/internal/events"
	"github.com/banshee-data/tracked/internal/httputil"
)

// Transport posts events to the remote endpoints. A nil error means the
// server acknowledged the request with a 2xx status.
type Transport interface {
	SendActivity(ctx context.Context, e events.ActivityEvent) error
	SendLocations(ctx context.Context, batch []events.LocationEvent) error
}

// IdempotencyHeader carries a key the server can use to drop replays of an
// already accepted request.
const IdempotencyHeader = "Idempotency-Key"

// HTTPTransport implements Transport over JSON POSTs.
type HTTPTransport struct {
	Client      httputil.HTTPClient
	ActivityURL string
	LocationURL string
}

// SendActivity posts one activity event.
func (t *HTTPTransport) SendActivity(ctx context.Context, e events.ActivityEvent) error {
	body, err := events.MarshalActivity(e)
	if err != nil {
		return oops.In("delivery").Code("encode").With("event", e.UUID.String()).Wrapf(err, "encode activity event")
	}
	return t.post(ctx, t.ActivityURL, body, e.UUID.String())
}

// SendLocations posts one location batch. Point order is preserved.
func (t *HTTPTransport) SendLocations(ctx context.Context, batch []events.LocationEvent) error {
	body, err := events.MarshalBatch(batch)
	if err != nil {
		return oops.In("delivery").Code("encode").With("points", len(batch)).Wrapf(err, "encode location batch")
	}
	return t.post(ctx, t.LocationURL, body, BatchKey(batch))
}

func (t *HTTPTransport) post(ctx context.Context, url string, body []byte, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return oops.In("delivery").Code("request").With("url", url).Wrapf(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(IdempotencyHeader, key)

	resp, err := t.Client.Do(req)
	if err != nil {
		return oops.In("delivery").Code("transport").With("url", url).Wrapf(err, "post")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return oops.In("delivery").
			Code("http_status").
			With("url", url).
			With("status", resp.StatusCode).
			With("body", strings.TrimSpace(string(snippet))).
			Errorf("unexpected status %d", resp.StatusCode)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// BatchKey derives an idempotency key from the UUIDs of a batch, in order.
// Queued rows resent in the same grouping carry the same key; a live batch
// that fell back to the store is regrouped by SyncPending and gets a new one.
func BatchKey(batch []events.LocationEvent) string {
	var buf bytes.Buffer
	for _, e := range batch {
		buf.Write(e.UUID[:])
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, buf.Bytes()).String()
}
