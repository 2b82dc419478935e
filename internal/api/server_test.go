package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/banshee-data/tracked/internal/db"
	"github.com/banshee-data/tracked/internal/delivery"
	"github.com/banshee-data/tracked/internal/events"
	"github.com/banshee-data/tracked/internal/location"
	"github.com/banshee-data/tracked/internal/session"
	"github.com/banshee-data/tracked/internal/stationary"
	"github.com/banshee-data/tracked/internal/testutil"
)

type fakeSession struct {
	startErr   error
	started    int
	stopped    int
	status     session.Status
	outcome    session.Outcome
	outcomeErr error
	lastReq    session.AttendanceRequest
}

func (f *fakeSession) Start(context.Context) error {
	f.started++
	if f.startErr != nil {
		return f.startErr
	}
	f.status.State = session.Running
	return nil
}

func (f *fakeSession) Stop() {
	f.stopped++
	f.status.State = session.Stopped
}

func (f *fakeSession) Status() session.Status { return f.status }

func (f *fakeSession) Attendance(_ context.Context, req session.AttendanceRequest) (session.Outcome, error) {
	f.lastReq = req
	return f.outcome, f.outcomeErr
}

type fakeSyncer struct {
	result delivery.SyncResult
	calls  int
}

func (f *fakeSyncer) SyncPending(context.Context) delivery.SyncResult {
	f.calls++
	return f.result
}

type fakeBacklog struct {
	unsent int
	oldest time.Time
	err    error
}

func (f fakeBacklog) CountUnsent(context.Context) (int, error) { return f.unsent, f.err }

func (f fakeBacklog) OldestUnsent(context.Context) (time.Time, bool, error) {
	return f.oldest, !f.oldest.IsZero(), f.err
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	return testutil.Serve(s.ServeMux(), testutil.NewJSONRequest(method, path, body))
}

func TestHandleAttendance(t *testing.T) {
	id := uuid.New()
	allowedEvent := events.ActivityEvent{UUID: id, Kind: events.KindCheckIn}

	tests := []struct {
		name       string
		body       string
		outcome    session.Outcome
		outcomeErr error
		wantStatus int
		want       *attendanceResponse
	}{
		{
			name:       "allowed",
			body:       `{"action":"checkin","client_id":7,"details":"site visit"}`,
			outcome:    session.Outcome{Status: session.OutcomeAllowed, DistanceMeters: 12.5, Enforced: true, Delivered: true, Event: &allowedEvent},
			wantStatus: http.StatusOK,
			want:       &attendanceResponse{Status: session.OutcomeAllowed, Allowed: true, DistanceMeters: 12.5, Enforced: true, Delivered: true, EventID: id.String()},
		},
		{
			name:       "outside office",
			body:       `{"action":"login"}`,
			outcome:    session.Outcome{Status: session.OutcomeOutsideOffice, DistanceMeters: 340, Enforced: true},
			wantStatus: http.StatusForbidden,
			want:       &attendanceResponse{Status: session.OutcomeOutsideOffice, DistanceMeters: 340, Enforced: true},
		},
		{
			name:       "no fix",
			body:       `{"action":"logout"}`,
			outcome:    session.Outcome{Status: session.OutcomeLocationUnavailable},
			wantStatus: http.StatusServiceUnavailable,
			want:       &attendanceResponse{Status: session.OutcomeLocationUnavailable},
		},
		{
			name:       "unknown action",
			body:       `{"action":"lunch"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "non attendance kind",
			body:       `{"action":"waiting"}`,
			outcomeErr: fmt.Errorf("%w: waiting", session.ErrInvalidAction),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "bad json",
			body:       `{"action":`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "cancelled",
			body:       `{"action":"login"}`,
			outcomeErr: context.Canceled,
			wantStatus: http.StatusInternalServerError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := &fakeSession{outcome: tt.outcome, outcomeErr: tt.outcomeErr}
			s := NewServer(sess, &fakeSyncer{}, nil, nil)

			w := do(t, s, http.MethodPost, "/api/attendance", tt.body)
			testutil.AssertStatusCode(t, w.Code, tt.wantStatus)
			if tt.want == nil {
				return
			}
			got := testutil.DecodeJSON[attendanceResponse](t, w)
			if diff := cmp.Diff(*tt.want, got); diff != "" {
				t.Errorf("response mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestHandleAttendance_PassesRequest(t *testing.T) {
	sess := &fakeSession{outcome: session.Outcome{Status: session.OutcomeAllowed}}
	s := NewServer(sess, &fakeSyncer{}, nil, nil)

	do(t, s, http.MethodPost, "/api/attendance", `{"action":"checkout","client_id":7,"session_id":3,"details":"done"}`)

	if sess.lastReq.Action != events.KindCheckOut {
		t.Errorf("action %q, want checkout", sess.lastReq.Action)
	}
	if sess.lastReq.ClientID == nil || *sess.lastReq.ClientID != 7 {
		t.Errorf("client id %v, want 7", sess.lastReq.ClientID)
	}
	if sess.lastReq.SessionID == nil || *sess.lastReq.SessionID != 3 {
		t.Errorf("session id %v, want 3", sess.lastReq.SessionID)
	}
	if sess.lastReq.Details != "done" {
		t.Errorf("details %q, want done", sess.lastReq.Details)
	}
}

func TestHandleSync(t *testing.T) {
	syncer := &fakeSyncer{result: delivery.SyncResult{
		Delivered: 4,
		Failed:    []db.QueuedEvent{{}, {}},
		Err:       errors.New("server said no"),
	}}
	s := NewServer(&fakeSession{}, syncer, nil, nil)

	if w := do(t, s, http.MethodGet, "/api/sync", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status %d, want 405", w.Code)
	}

	w := do(t, s, http.MethodPost, "/api/sync", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", w.Code)
	}
	got := testutil.DecodeJSON[syncResponse](t, w)
	want := syncResponse{Delivered: 4, Failed: 2, Error: "server said no"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
	if syncer.calls != 1 {
		t.Errorf("sync called %d times, want 1", syncer.calls)
	}
}

func TestHandleStatus(t *testing.T) {
	oldest := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	lastFix := oldest.Add(time.Hour)
	on := true
	client := int64(7)
	sess := &fakeSession{status: session.Status{
		State:      session.Running,
		Accepted:   10,
		Rejected:   3,
		LastPoint:  &location.Point{Latitude: 1, Longitude: 36},
		LastFixAt:  lastFix,
		Stationary: stationary.Stationary,
		Dwell:      stationary.Snapshot{State: stationary.Stationary, LastMovedAt: oldest, Latched: true},
		GPSEnabled: &on,
		CheckIn:    &session.CheckIn{ClientID: &client, Point: location.Point{Latitude: 1, Longitude: 36}, At: oldest},
	}}
	online := false
	s := NewServer(sess, &fakeSyncer{}, fakeBacklog{unsent: 5, oldest: oldest}, func() bool { return online })

	w := do(t, s, http.MethodGet, "/api/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d, want 200. Body: %s", w.Code, w.Body.String())
	}
	got := testutil.DecodeJSON[statusResponse](t, w)
	want := statusResponse{
		Session: sessionView{
			State:           "running",
			Accepted:        10,
			Rejected:        3,
			LastPoint:       &location.Point{Latitude: 1, Longitude: 36},
			LastFixAt:       &lastFix,
			Stationary:      "stationary",
			StationarySince: &oldest,
			WaitingSent:     true,
			GPSEnabled:      &on,
			CheckIn:         &checkInView{ClientID: &client, Latitude: 1, Longitude: 36, At: oldest},
		},
		Unsent:       5,
		OldestUnsent: &oldest,
		Online:       &online,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}

	if w := do(t, s, http.MethodPost, "/api/status", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST status %d, want 405", w.Code)
	}
}

func TestHandleStatus_EmptyQueue(t *testing.T) {
	s := NewServer(&fakeSession{}, &fakeSyncer{}, fakeBacklog{}, nil)
	w := do(t, s, http.MethodGet, "/api/status", "")
	body := w.Body.String()
	for _, absent := range []string{"oldest_unsent", "online", "last_point", "check_in", "stationary_since", "waiting_sent"} {
		if strings.Contains(body, absent) {
			t.Errorf("body should omit %q: %s", absent, body)
		}
	}
	if !strings.Contains(body, `"state":"stopped"`) {
		t.Errorf("body missing stopped state: %s", body)
	}

	broken := NewServer(&fakeSession{}, &fakeSyncer{}, fakeBacklog{err: errors.New("disk gone")}, nil)
	if w := do(t, broken, http.MethodGet, "/api/status", ""); w.Code != http.StatusInternalServerError {
		t.Errorf("status %d, want 500", w.Code)
	}
}

func TestHandleSessionStartStop(t *testing.T) {
	tests := []struct {
		name       string
		startErr   error
		wantStatus int
	}{
		{"started", nil, http.StatusOK},
		{"already running", session.ErrNotStopped, http.StatusConflict},
		{"permission denied", fmt.Errorf("session: subscribe: %w", location.ErrPermissionDenied), http.StatusForbidden},
		{"provider failure", errors.New("no receiver"), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := &fakeSession{startErr: tt.startErr}
			s := NewServer(sess, &fakeSyncer{}, nil, nil)
			w := do(t, s, http.MethodPost, "/api/session/start", "")
			if w.Code != tt.wantStatus {
				t.Errorf("status %d, want %d. Body: %s", w.Code, tt.wantStatus, w.Body.String())
			}
			if sess.started != 1 {
				t.Errorf("Start called %d times, want 1", sess.started)
			}
		})
	}

	sess := &fakeSession{status: session.Status{State: session.Running}}
	s := NewServer(sess, &fakeSyncer{}, nil, nil)
	w := do(t, s, http.MethodPost, "/api/session/stop", "")
	if w.Code != http.StatusOK || sess.stopped != 1 {
		t.Fatalf("stop: status %d, calls %d", w.Code, sess.stopped)
	}
	if got := testutil.DecodeJSON[sessionView](t, w); got.State != "stopped" {
		t.Errorf("state %q, want stopped", got.State)
	}

	for _, path := range []string{"/api/session/start", "/api/session/stop"} {
		if w := do(t, s, http.MethodGet, path, ""); w.Code != http.StatusMethodNotAllowed {
			t.Errorf("GET %s status %d, want 405", path, w.Code)
		}
	}
}

type fakeTokens struct {
	stored []string
	err    error
}

func (f *fakeTokens) Store(token string) error {
	if f.err != nil {
		return f.err
	}
	f.stored = append(f.stored, token)
	return nil
}

func TestHandleCredentials(t *testing.T) {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"user_id": 42}).SignedString([]byte("server-side-secret"))
	if err != nil {
		t.Fatal(err)
	}

	tokens := &fakeTokens{}
	s := NewServer(&fakeSession{}, &fakeSyncer{}, nil, nil)
	s.SetTokenStore(tokens)

	w := do(t, s, http.MethodPost, "/api/credentials", fmt.Sprintf(`{"token":" %s\n"}`, tok))
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	if got := testutil.DecodeJSON[credentialsResponse](t, w); got.UserID != 42 {
		t.Errorf("user id %d, want 42", got.UserID)
	}
	if diff := cmp.Diff([]string{tok}, tokens.stored); diff != "" {
		t.Errorf("stored tokens mismatch (-want +got):\n%s", diff)
	}

	tests := []struct {
		name       string
		method     string
		body       string
		storeErr   error
		wantStatus int
	}{
		{"get", http.MethodGet, "", nil, http.StatusMethodNotAllowed},
		{"bad json", http.MethodPost, `{"token":`, nil, http.StatusBadRequest},
		{"not a jwt", http.MethodPost, `{"token":"letmein"}`, nil, http.StatusBadRequest},
		{"empty", http.MethodPost, `{"token":""}`, nil, http.StatusBadRequest},
		{"disk full", http.MethodPost, fmt.Sprintf(`{"token":%q}`, tok), errors.New("no space"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokens := &fakeTokens{err: tt.storeErr}
			s := NewServer(&fakeSession{}, &fakeSyncer{}, nil, nil)
			s.SetTokenStore(tokens)
			w := do(t, s, tt.method, "/api/credentials", tt.body)
			testutil.AssertStatusCode(t, w.Code, tt.wantStatus)
			if len(tokens.stored) != 0 {
				t.Errorf("token stored on a failed request: %v", tokens.stored)
			}
		})
	}
}

func TestHandleCredentials_NotMounted(t *testing.T) {
	s := NewServer(&fakeSession{}, &fakeSyncer{}, nil, nil)
	w := do(t, s, http.MethodPost, "/api/credentials", `{"token":"x"}`)
	testutil.AssertStatusCode(t, w.Code, http.StatusNotFound)
}

func TestLoggingMiddleware(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	})
	w := httptest.NewRecorder()
	LoggingMiddleware(inner).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	if w.Code != http.StatusTeapot {
		t.Errorf("status %d, want 418", w.Code)
	}
	if !bytes.Equal(w.Body.Bytes(), []byte("short and stout")) {
		t.Errorf("body %q", w.Body.String())
	}
}
