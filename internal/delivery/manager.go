// Package delivery sends activity and location events to the remote API and
// falls back to the durable queue whenever a send cannot be confirmed.
package delivery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/banshee-data/tracked/internal/connectivity"
	"github.com/banshee-data/tracked/internal/db"
	"github.com/banshee-data/tracked/internal/events"
	"github.com/banshee-data/tracked/internal/metrics"
	"github.com/banshee-data/tracked/internal/timeutil"
)

// ErrOffline is logged when a send is skipped because the network is down.
var ErrOffline = errors.New("delivery: network unavailable")

// DefaultStuckAfter is the queue age after which each sync pass logs a warning.
const DefaultStuckAfter = 24 * time.Hour

// Store is the durable queue the manager falls back to.
type Store interface {
	Append(ctx context.Context, e events.Event) (db.QueuedID, error)
	AppendAll(ctx context.Context, evs []events.Event) ([]db.QueuedID, error)
	ListUnsent(ctx context.Context) ([]db.QueuedEvent, error)
	Delete(ctx context.Context, ids ...db.QueuedID) error
	OldestUnsent(ctx context.Context) (time.Time, bool, error)
}

// Config tunes batching, the worker pool and the periodic sync.
type Config struct {
	BatchSize     int
	Workers       int
	QueueSize     int
	Interval      time.Duration
	MaxBackoff    time.Duration
	MinTriggerGap time.Duration
	StuckAfter    time.Duration
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:     10,
		Workers:       2,
		QueueSize:     64,
		Interval:      time.Minute,
		MaxBackoff:    30 * time.Minute,
		MinTriggerGap: 5 * time.Second,
		StuckAfter:    DefaultStuckAfter,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize < 1 {
		c.BatchSize = d.BatchSize
	}
	if c.Workers < 1 {
		c.Workers = d.Workers
	}
	if c.QueueSize < 1 {
		c.QueueSize = d.QueueSize
	}
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.MaxBackoff < c.Interval {
		c.MaxBackoff = c.Interval
	}
	if c.MinTriggerGap < 0 {
		c.MinTriggerGap = 0
	}
	return c
}

// SyncResult summarises one SyncPending pass.
type SyncResult struct {
	// Skipped is set when the network was down and nothing was attempted.
	Skipped bool
	// AllSucceeded is set when every queued row was delivered and removed.
	AllSucceeded bool
	// Failed lists rows that remain queued after this pass.
	Failed    []db.QueuedEvent
	Delivered int
	// Err is set when the queue itself could not be read.
	Err error
}

type job struct {
	activity *events.ActivityEvent
	batch    []events.LocationEvent
}

// Manager owns delivery of events. Direct calls (Deliver, DeliverBatch,
// SyncPending) run on the caller's goroutine; Submit and SubmitBatch hand
// work to a bounded worker pool.
type Manager struct {
	store     Store
	transport Transport
	checker   connectivity.Checker
	clock     timeutil.Clock
	cfg       Config
	logger    *zap.Logger

	base     context.Context
	jobs     chan job
	mu       sync.RWMutex
	closed   bool
	draining atomic.Bool
	wg       sync.WaitGroup

	syncMu  sync.Mutex
	trigger chan struct{}
	limiter *rate.Limiter
}

// NewManager creates a manager and starts its workers. Call Close to stop
// them.
func NewManager(store Store, transport Transport, checker connectivity.Checker, clock timeutil.Clock, cfg Config, logger *zap.Logger) *Manager {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	limit := rate.Inf
	if cfg.MinTriggerGap > 0 {
		limit = rate.Every(cfg.MinTriggerGap)
	}
	m := &Manager{
		store:     store,
		transport: transport,
		checker:   checker,
		clock:     clock,
		cfg:       cfg,
		logger:    logger.Named("delivery"),
		base:      context.Background(),
		jobs:      make(chan job, cfg.QueueSize),
		trigger:   make(chan struct{}, 1),
		limiter:   rate.NewLimiter(limit, 1),
	}
	for i := 0; i < cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	return m
}

// Deliver sends one activity event. On any failure, including no network,
// the event is appended to the store and false is returned.
func (m *Manager) Deliver(ctx context.Context, e events.ActivityEvent) bool {
	metrics.IncActivity(string(e.Kind))
	if !m.checker.Available(ctx) {
		metrics.ObserveDelivery(string(events.StreamActivity), metrics.ResultOffline, 0)
		m.persist(ctx, ErrOffline, e)
		return false
	}
	start := m.clock.Now()
	err := m.transport.SendActivity(ctx, e)
	m.observe(events.StreamActivity, err, m.clock.Since(start))
	if err != nil {
		m.persist(ctx, err, e)
		return false
	}
	return true
}

// DeliverBatch sends location events in chunks of BatchSize. Every event of
// a chunk that fails is appended to the store; chunks that succeed are not
// stored. It returns true only when every chunk was accepted.
func (m *Manager) DeliverBatch(ctx context.Context, batch []events.LocationEvent) bool {
	if len(batch) == 0 {
		return true
	}
	online := m.checker.Available(ctx)
	ok := true
	for _, chunk := range chunks(batch, m.cfg.BatchSize) {
		if !online {
			metrics.ObserveDelivery(string(events.StreamLocation), metrics.ResultOffline, 0)
			m.persist(ctx, ErrOffline, locationEvents(chunk)...)
			ok = false
			continue
		}
		start := m.clock.Now()
		err := m.transport.SendLocations(ctx, chunk)
		m.observe(events.StreamLocation, err, m.clock.Since(start))
		if err != nil {
			m.persist(ctx, err, locationEvents(chunk)...)
			ok = false
		}
	}
	return ok
}

// SyncPending attempts every queued event once. Location rows go out in
// BatchSize chunks and activity rows one at a time; delivered rows are
// deleted. Passes are serialised, so concurrent triggers never send a row
// twice within the same process.
func (m *Manager) SyncPending(ctx context.Context) SyncResult {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()

	if !m.checker.Available(ctx) {
		metrics.IncSyncPass("skipped")
		m.logger.Debug("sync skipped", zap.Error(ErrOffline))
		return SyncResult{Skipped: true}
	}

	rows, err := m.store.ListUnsent(ctx)
	if err != nil {
		metrics.IncSyncPass("error")
		m.logger.Error("list queued events", zap.Error(err))
		return SyncResult{Err: err}
	}

	var (
		res       SyncResult
		locations []db.QueuedEvent
		activity  []db.QueuedEvent
	)
	for _, row := range rows {
		switch row.Event.Stream() {
		case events.StreamLocation:
			locations = append(locations, row)
		default:
			activity = append(activity, row)
		}
	}

	for _, chunk := range chunks(locations, m.cfg.BatchSize) {
		batch := make([]events.LocationEvent, 0, len(chunk))
		for _, row := range chunk {
			batch = append(batch, row.Event.(events.LocationEvent))
		}
		start := m.clock.Now()
		err := m.transport.SendLocations(ctx, batch)
		m.observe(events.StreamLocation, err, m.clock.Since(start))
		m.settle(ctx, &res, events.StreamLocation, chunk, err)
	}
	for _, row := range activity {
		e, ok := row.Event.(events.ActivityEvent)
		if !ok {
			continue
		}
		start := m.clock.Now()
		err := m.transport.SendActivity(ctx, e)
		m.observe(events.StreamActivity, err, m.clock.Since(start))
		m.settle(ctx, &res, events.StreamActivity, []db.QueuedEvent{row}, err)
	}

	res.AllSucceeded = len(res.Failed) == 0
	if res.AllSucceeded {
		metrics.IncSyncPass("complete")
	} else {
		metrics.IncSyncPass("partial")
	}
	if len(rows) > 0 {
		m.logger.Info("sync pass finished",
			zap.Int("queued", len(rows)),
			zap.Int("delivered", res.Delivered),
			zap.Int("failed", len(res.Failed)))
	}
	return res
}

// settle deletes a delivered group, or records it as failed.
func (m *Manager) settle(ctx context.Context, res *SyncResult, stream events.Stream, rows []db.QueuedEvent, sendErr error) {
	if sendErr != nil {
		m.logger.Warn("queued delivery failed",
			zap.String("stream", string(stream)),
			zap.Int("rows", len(rows)),
			zap.Error(sendErr))
		res.Failed = append(res.Failed, rows...)
		return
	}
	ids := make([]db.QueuedID, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	// The server has the events; a failed delete only means they are sent
	// again under the same idempotency key.
	if err := m.store.Delete(context.WithoutCancel(ctx), ids...); err != nil {
		m.logger.Error("delete delivered rows", zap.String("stream", string(stream)), zap.Error(err))
		res.Failed = append(res.Failed, rows...)
		return
	}
	res.Delivered += len(rows)
	metrics.AddSynced(string(stream), len(rows))
}

// Submit queues an activity event for a worker. When the queue is full or
// the manager is closed the event is stored for the next sync instead.
func (m *Manager) Submit(e events.ActivityEvent) {
	m.enqueue(job{activity: &e})
}

// SubmitBatch queues a location batch for a worker.
func (m *Manager) SubmitBatch(batch []events.LocationEvent) {
	if len(batch) == 0 {
		return
	}
	m.enqueue(job{batch: append([]events.LocationEvent(nil), batch...)})
}

func (m *Manager) enqueue(j job) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		m.persistJob(j, errors.New("delivery: manager closed"))
		return
	}
	select {
	case m.jobs <- j:
	default:
		m.logger.Warn("delivery queue full, storing for later sync", zap.Int("capacity", cap(m.jobs)))
		m.persistJob(j, errors.New("delivery: queue full"))
	}
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for j := range m.jobs {
		if m.draining.Load() {
			m.persistJob(j, errors.New("delivery: shutting down"))
			continue
		}
		if j.activity != nil {
			m.Deliver(m.base, *j.activity)
		} else {
			m.DeliverBatch(m.base, j.batch)
		}
	}
}

// Close stops accepting work, lets in-flight deliveries finish and commits
// everything still queued to the store.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.draining.Store(true)
	close(m.jobs)
	m.mu.Unlock()

	m.wg.Wait()
}

// Trigger requests a sync pass from Run. A request arriving within
// MinTriggerGap of the previous pass is deferred until the gap has passed.
func (m *Manager) Trigger() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// Run drives periodic and triggered sync passes until ctx is cancelled. The
// periodic interval doubles after each pass that leaves rows queued, up to
// MaxBackoff, and resets after a complete pass.
func (m *Manager) Run(ctx context.Context) error {
	wait := m.cfg.Interval
	timer := m.clock.NewTimer(wait)
	defer timer.Stop()
	due := m.clock.Now().Add(wait)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.trigger:
			now := m.clock.Now()
			r := m.limiter.ReserveN(now, 1)
			if delay := r.DelayFrom(now); delay > 0 {
				if at := now.Add(delay); at.Before(due) {
					due = at
					timer.Reset(delay)
					m.logger.Debug("sync trigger deferred", zap.Duration("delay", delay))
				} else {
					r.CancelAt(now)
				}
				continue
			}
		case <-timer.C():
		}

		res := m.SyncPending(ctx)
		wait = m.nextWait(wait, res)
		timer.Reset(wait)
		due = m.clock.Now().Add(wait)
		m.warnStuck(ctx)
	}
}

func (m *Manager) nextWait(prev time.Duration, res SyncResult) time.Duration {
	if res.AllSucceeded {
		return m.cfg.Interval
	}
	next := prev * 2
	if next > m.cfg.MaxBackoff {
		next = m.cfg.MaxBackoff
	}
	return next
}

func (m *Manager) warnStuck(ctx context.Context) {
	if m.cfg.StuckAfter <= 0 {
		return
	}
	oldest, ok, err := m.store.OldestUnsent(ctx)
	if err != nil || !ok {
		return
	}
	if age := m.clock.Since(oldest); age > m.cfg.StuckAfter {
		m.logger.Warn("events queued for too long", zap.Duration("oldest_age", age))
	}
}

func (m *Manager) persistJob(j job, cause error) {
	if j.activity != nil {
		m.persist(m.base, cause, *j.activity)
		return
	}
	m.persist(m.base, cause, locationEvents(j.batch)...)
}

// persist stores events in one transaction. Cancellation of ctx does not
// stop the write.
func (m *Manager) persist(ctx context.Context, cause error, evs ...events.Event) {
	if len(evs) == 0 {
		return
	}
	stream := evs[0].Stream()
	if _, err := m.store.AppendAll(context.WithoutCancel(ctx), evs); err != nil {
		m.logger.Error("store undelivered events",
			zap.String("stream", string(stream)),
			zap.Int("events", len(evs)),
			zap.NamedError("cause", cause),
			zap.Error(err))
		return
	}
	metrics.AddQueued(string(stream), len(evs))
	m.logger.Debug("events queued for sync",
		zap.String("stream", string(stream)),
		zap.Int("events", len(evs)),
		zap.NamedError("cause", cause))
}

func (m *Manager) observe(stream events.Stream, err error, d time.Duration) {
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultFailure
	}
	metrics.ObserveDelivery(string(stream), result, d)
}

func chunks[T any](s []T, size int) [][]T {
	var out [][]T
	for size < len(s) {
		out = append(out, s[:size:size])
		s = s[size:]
	}
	if len(s) > 0 {
		out = append(out, s)
	}
	return out
}

func locationEvents(batch []events.LocationEvent) []events.Event {
	out := make([]events.Event, len(batch))
	for i, e := range batch {
		out[i] = e
	}
	return out
}
