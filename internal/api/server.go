package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/banshee-data/tracked/internal/credentials"
	"github.com/banshee-data/tracked/internal/delivery"
	"github.com/banshee-data/tracked/internal/events"
	"github.com/banshee-data/tracked/internal/httputil"
	"github.com/banshee-data/tracked/internal/location"
	"github.com/banshee-data/tracked/internal/monitoring"
	"github.com/banshee-data/tracked/internal/session"
	"github.com/banshee-data/tracked/internal/stationary"
)

// Session is the tracking session the API drives.
type Session interface {
	Start(ctx context.Context) error
	Stop()
	Status() session.Status
	Attendance(ctx context.Context, req session.AttendanceRequest) (session.Outcome, error)
}

// Syncer drains the offline queue on demand.
type Syncer interface {
	SyncPending(ctx context.Context) delivery.SyncResult
}

// Backlog reports what is waiting in the offline queue.
type Backlog interface {
	CountUnsent(ctx context.Context) (int, error)
	OldestUnsent(ctx context.Context) (time.Time, bool, error)
}

// TokenStore persists the bearer token handed over by the login flow.
type TokenStore interface {
	Store(token string) error
}

type Server struct {
	session Session
	syncer  Syncer
	backlog Backlog
	online  func() bool
	tokens  TokenStore
}

// NewServer wires the handlers. online may be nil when no connectivity
// watcher runs.
func NewServer(sess Session, syncer Syncer, backlog Backlog, online func() bool) *Server {
	return &Server{
		session: sess,
		syncer:  syncer,
		backlog: backlog,
		online:  online,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// LoggingMiddleware logs method, path, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.L().Info("http request",
			zap.Int("status", lrw.statusCode),
			zap.String("method", r.Method),
			zap.String("uri", r.RequestURI),
			zap.Float64("ms", float64(time.Since(start).Nanoseconds())/1e6),
		)
	})
}

// SetTokenStore enables POST /api/credentials.
func (s *Server) SetTokenStore(ts TokenStore) {
	s.tokens = ts
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/attendance", s.handleAttendance)
	mux.HandleFunc("/api/sync", s.handleSync)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/session/start", s.handleSessionStart)
	mux.HandleFunc("/api/session/stop", s.handleSessionStop)
	if s.tokens != nil {
		mux.HandleFunc("/api/credentials", s.handleCredentials)
	}
	return mux
}

type attendanceRequest struct {
	Action    string `json:"action"`
	ClientID  *int64 `json:"client_id,omitempty"`
	SessionID *int64 `json:"session_id,omitempty"`
	Details   string `json:"details,omitempty"`
}

type attendanceResponse struct {
	Status         session.OutcomeStatus `json:"status"`
	Allowed        bool                  `json:"allowed"`
	DistanceMeters float64               `json:"distance_m"`
	Enforced       bool                  `json:"enforced"`
	Delivered      bool                  `json:"delivered"`
	EventID        string                `json:"event_id,omitempty"`
}

func (s *Server) handleAttendance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	var req attendanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, "Invalid JSON body")
		return
	}
	kind, err := events.ParseKind(req.Action)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	out, err := s.session.Attendance(r.Context(), session.AttendanceRequest{
		Action:    kind,
		ClientID:  req.ClientID,
		SessionID: req.SessionID,
		Details:   req.Details,
	})
	switch {
	case errors.Is(err, session.ErrInvalidAction):
		httputil.BadRequest(w, err.Error())
		return
	case err != nil:
		httputil.InternalServerError(w, "Attendance check failed")
		return
	}

	resp := attendanceResponse{
		Status:         out.Status,
		Allowed:        out.Allowed(),
		DistanceMeters: out.DistanceMeters,
		Enforced:       out.Enforced,
		Delivered:      out.Delivered,
	}
	if out.Event != nil {
		resp.EventID = out.Event.UUID.String()
	}
	httputil.WriteJSON(w, outcomeHTTPStatus(out.Status), resp)
}

func outcomeHTTPStatus(st session.OutcomeStatus) int {
	switch st {
	case session.OutcomeAllowed:
		return http.StatusOK
	case session.OutcomeLocationUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusForbidden
	}
}

type syncResponse struct {
	Skipped      bool   `json:"skipped"`
	AllSucceeded bool   `json:"all_succeeded"`
	Delivered    int    `json:"delivered"`
	Failed       int    `json:"failed"`
	Error        string `json:"error,omitempty"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	res := s.syncer.SyncPending(r.Context())
	resp := syncResponse{
		Skipped:      res.Skipped,
		AllSucceeded: res.AllSucceeded,
		Delivered:    res.Delivered,
		Failed:       len(res.Failed),
	}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}
	httputil.WriteJSONOK(w, resp)
}

type sessionView struct {
	State      string          `json:"state"`
	Accepted   uint64          `json:"accepted"`
	Rejected   uint64          `json:"rejected"`
	LastPoint  *location.Point `json:"last_point,omitempty"`
	LastFixAt  *time.Time      `json:"last_fix_at,omitempty"`
	Stationary string          `json:"stationary"`

	// StationarySince is when the device last moved, set while it stands
	// still.
	StationarySince *time.Time   `json:"stationary_since,omitempty"`
	WaitingSent     bool         `json:"waiting_sent,omitempty"`
	GPSEnabled      *bool        `json:"gps_enabled,omitempty"`
	CheckIn         *checkInView `json:"check_in,omitempty"`
}

type checkInView struct {
	ClientID  *int64    `json:"client_id,omitempty"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	At        time.Time `json:"at"`
}

type statusResponse struct {
	Session      sessionView `json:"session"`
	Unsent       int         `json:"unsent"`
	OldestUnsent *time.Time  `json:"oldest_unsent,omitempty"`
	Online       *bool       `json:"online,omitempty"`
}

func newSessionView(st session.Status) sessionView {
	v := sessionView{
		State:       st.State.String(),
		Accepted:    st.Accepted,
		Rejected:    st.Rejected,
		LastPoint:   st.LastPoint,
		Stationary:  st.Stationary.String(),
		WaitingSent: st.Dwell.Latched,
		GPSEnabled:  st.GPSEnabled,
	}
	if st.Stationary == stationary.Stationary && !st.Dwell.LastMovedAt.IsZero() {
		since := st.Dwell.LastMovedAt
		v.StationarySince = &since
	}
	if !st.LastFixAt.IsZero() {
		at := st.LastFixAt
		v.LastFixAt = &at
	}
	if c := st.CheckIn; c != nil {
		v.CheckIn = &checkInView{ClientID: c.ClientID, Latitude: c.Point.Latitude, Longitude: c.Point.Longitude, At: c.At}
	}
	return v
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	resp := statusResponse{Session: newSessionView(s.session.Status())}
	if s.backlog != nil {
		n, err := s.backlog.CountUnsent(r.Context())
		if err != nil {
			httputil.InternalServerError(w, "Failed to count unsent events")
			return
		}
		resp.Unsent = n
		oldest, ok, err := s.backlog.OldestUnsent(r.Context())
		if err != nil {
			httputil.InternalServerError(w, "Failed to read unsent events")
			return
		}
		if ok {
			resp.OldestUnsent = &oldest
		}
	}
	if s.online != nil {
		on := s.online()
		resp.Online = &on
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	err := s.session.Start(r.Context())
	switch {
	case errors.Is(err, session.ErrNotStopped):
		httputil.Conflict(w, "Session already running")
		return
	case errors.Is(err, location.ErrPermissionDenied):
		httputil.WriteJSONError(w, http.StatusForbidden, "Location permission denied")
		return
	case err != nil:
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	httputil.WriteJSONOK(w, newSessionView(s.session.Status()))
}

func (s *Server) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	s.session.Stop()
	httputil.WriteJSONOK(w, newSessionView(s.session.Status()))
}

type credentialsRequest struct {
	Token string `json:"token"`
}

type credentialsResponse struct {
	UserID int64 `json:"user_id"`
}

func (s *Server) handleCredentials(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, "Invalid JSON body")
		return
	}
	token := strings.TrimSpace(req.Token)
	claims, err := credentials.ParseClaims(token)
	if err != nil {
		httputil.BadRequest(w, "Token is not a JWT")
		return
	}
	if err := s.tokens.Store(token); err != nil {
		monitoring.L().Error("store token", zap.Error(err))
		httputil.InternalServerError(w, "Failed to store token")
		return
	}
	monitoring.L().Info("credentials replaced", zap.Int64("user_id", claims.UserID()))
	httputil.WriteJSONOK(w, credentialsResponse{UserID: claims.UserID()})
}
