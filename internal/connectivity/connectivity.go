// Package connectivity probes network reachability and reports when it comes
// back after an outage.
package connectivity

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/banshee-data/tracked/internal/httputil"
	"github.com/banshee-data/tracked/internal/timeutil"
)

// Checker reports whether the network is currently usable.
type Checker interface {
	Available(ctx context.Context) bool
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) bool

func (f CheckerFunc) Available(ctx context.Context) bool { return f(ctx) }

// Always is a Checker with a fixed answer.
type Always bool

func (a Always) Available(context.Context) bool { return bool(a) }

// Probe checks reachability with an HTTP HEAD request. Any HTTP response,
// whatever its status, counts as reachable.
type Probe struct {
	Client  httputil.HTTPClient
	URL     string
	Timeout time.Duration
}

// Available implements Checker.
func (p *Probe) Available(ctx context.Context) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return false
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// Watcher polls a Checker and invokes callbacks when availability returns
// after having been down.
type Watcher struct {
	checker  Checker
	clock    timeutil.Clock
	interval time.Duration
	logger   *zap.Logger

	mu        sync.Mutex
	callbacks []func()

	online atomic.Bool
	known  atomic.Bool
}

// NewWatcher creates a watcher polling every interval.
func NewWatcher(checker Checker, clock timeutil.Clock, interval time.Duration, logger *zap.Logger) *Watcher {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		checker:  checker,
		clock:    clock,
		interval: interval,
		logger:   logger.Named("connectivity"),
	}
}

// OnRestore registers fn to run each time connectivity returns. Callbacks run
// on the watcher goroutine and should not block.
func (w *Watcher) OnRestore(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Online reports the last observed state.
func (w *Watcher) Online() bool { return w.online.Load() }

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	w.Poll(ctx)

	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			w.Poll(ctx)
		}
	}
}

// Poll runs one check and fires callbacks on a down-to-up transition. The
// first check after start counts as a transition when it finds the network
// up, so a backlog left by a previous run is drained promptly.
func (w *Watcher) Poll(ctx context.Context) bool {
	up := w.checker.Available(ctx)
	wasKnown := w.known.Swap(true)
	wasUp := w.online.Swap(up)

	switch {
	case up && (!wasKnown || !wasUp):
		w.logger.Info("connectivity available")
		w.fire()
	case !up && (!wasKnown || wasUp):
		w.logger.Info("connectivity lost")
	}
	return up
}

func (w *Watcher) fire() {
	w.mu.Lock()
	cbs := append([]func(){}, w.callbacks...)
	w.mu.Unlock()
	for _, fn := range cbs {
		fn()
	}
}
