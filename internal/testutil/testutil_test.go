package testutil

import (
	"io"
	"net/http"
	"testing"
)

func TestNewLocalRequest(t *testing.T) {
	req := NewLocalRequest(http.MethodGet, "/debug/backup", nil)
	if req.RemoteAddr != LoopbackAddr {
		t.Errorf("RemoteAddr = %q, want %q", req.RemoteAddr, LoopbackAddr)
	}
}

func TestNewJSONRequest(t *testing.T) {
	req := NewJSONRequest(http.MethodPost, "/api/attendance", `{"action":"login"}`)
	if ct := req.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	body, _ := io.ReadAll(req.Body)
	if string(body) != `{"action":"login"}` {
		t.Errorf("body = %q", body)
	}

	empty := NewJSONRequest(http.MethodPost, "/api/sync", "")
	if ct := empty.Header.Get("Content-Type"); ct != "" {
		t.Errorf("empty request has Content-Type %q", ct)
	}
}

func TestServeAndDecode(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		io.WriteString(w, `{"unsent":3}`)
	})
	w := Serve(h, NewJSONRequest(http.MethodGet, "/api/status", ""))
	AssertStatusCode(t, w.Code, http.StatusAccepted)

	got := DecodeJSON[struct {
		Unsent int `json:"unsent"`
	}](t, w)
	if got.Unsent != 3 {
		t.Errorf("unsent = %d, want 3", got.Unsent)
	}
}
