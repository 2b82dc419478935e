package gpsmux

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"tailscale.com/tsweb"
)

const commandForm = `<!doctype html>
<title>GPS command</title>
<form method="post" action="/debug/gps-command">
<input name="command" size="40" placeholder="PMTK220,1000">
<button type="submit">Send</button>
</form>
<p><a href="/debug/gps-tail">live NMEA tail</a></p>
`

// AttachAdminRoutes registers the GPS debugging endpoints under /debug/.
// They are reachable only from localhost or the tailnet.
func (s *Mux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	// GET renders a form, POST writes a checksummed sentence to the receiver.
	debug.HandleFunc("gps-command", "send a command to the GPS receiver", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			io.WriteString(w, commandForm)
		case http.MethodPost:
			command := strings.TrimSpace(r.FormValue("command"))
			if command == "" {
				http.Error(w, "Missing command", http.StatusBadRequest)
				return
			}
			if !strings.Contains(command, "*") {
				command = Command(command)
			}
			if err := s.SendCommand(command); err != nil {
				http.Error(w, "Failed to write command", http.StatusInternalServerError)
				return
			}
			io.WriteString(w, fmt.Sprintf("Wrote command %q to GPS receiver", command))
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})

	// Server-sent events with every raw line read from the port.
	debug.HandleSilentFunc("gps-tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case line, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", line); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
