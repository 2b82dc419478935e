package delivery

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tracked/internal/connectivity"
	"github.com/banshee-data/tracked/internal/db"
	"github.com/banshee-data/tracked/internal/events"
	"github.com/banshee-data/tracked/internal/timeutil"
)

var errServer = errors.New("server said no")

// fakeTransport records every call. failBatch and failActivity decide the
// outcome of each call; nil means success.
type fakeTransport struct {
	mu           sync.Mutex
	batches      [][]events.LocationEvent
	activity     []events.ActivityEvent
	failBatch    func(call int, batch []events.LocationEvent) error
	failActivity func(e events.ActivityEvent) error
	block        chan struct{}
	started      chan struct{}
}

func (f *fakeTransport) SendActivity(ctx context.Context, e events.ActivityEvent) error {
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activity = append(f.activity, e)
	if f.failActivity != nil {
		return f.failActivity(e)
	}
	return nil
}

func (f *fakeTransport) SendLocations(ctx context.Context, batch []events.LocationEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, append([]events.LocationEvent(nil), batch...))
	if f.failBatch != nil {
		return f.failBatch(len(f.batches), batch)
	}
	return nil
}

func (f *fakeTransport) calls() (activity, batches int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.activity), len(f.batches)
}

func newStore(t *testing.T) *db.EventStore {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return db.NewEventStore(d)
}

func newManager(t *testing.T, store Store, tr Transport, checker connectivity.Checker) *Manager {
	t.Helper()
	m := NewManager(store, tr, checker, nil, DefaultConfig(), nil)
	t.Cleanup(m.Close)
	return m
}

func locations(n int) []events.LocationEvent {
	base := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC).UnixMilli()
	out := make([]events.LocationEvent, n)
	for i := range out {
		out[i] = events.NewLocation(7, 1+float64(i)*0.0001, 36, 5, base+int64(i)*1000, nil, nil)
	}
	return out
}

func unsent(t *testing.T, s *db.EventStore) []db.QueuedEvent {
	t.Helper()
	rows, err := s.ListUnsent(context.Background())
	require.NoError(t, err)
	return rows
}

func TestDeliver(t *testing.T) {
	tests := []struct {
		name     string
		online   bool
		fail     error
		want     bool
		wantRows int
		wantSent int
	}{
		{"delivered", true, nil, true, 0, 1},
		{"offline", false, nil, false, 1, 0},
		{"server error", true, errServer, false, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(t)
			tr := &fakeTransport{failActivity: func(events.ActivityEvent) error { return tt.fail }}
			m := newManager(t, store, tr, connectivity.Always(tt.online))

			e := events.NewActivity(7, events.KindCheckIn, time.Now())
			assert.Equal(t, tt.want, m.Deliver(context.Background(), e))

			rows := unsent(t, store)
			require.Len(t, rows, tt.wantRows)
			if tt.wantRows > 0 {
				assert.Equal(t, e.UUID, rows[0].Event.ID())
			}
			sent, _ := tr.calls()
			assert.Equal(t, tt.wantSent, sent)
		})
	}
}

func TestDeliver_CancelledContextStillPersists(t *testing.T) {
	store := newStore(t)
	m := newManager(t, store, &fakeTransport{}, connectivity.Always(false))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.False(t, m.Deliver(ctx, events.NewActivity(7, events.KindLogout, time.Now())))
	assert.Len(t, unsent(t, store), 1)
}

func TestDeliverBatch_FailedChunkStoredIndividually(t *testing.T) {
	store := newStore(t)
	tr := &fakeTransport{failBatch: func(call int, _ []events.LocationEvent) error {
		if call == 2 {
			return errServer
		}
		return nil
	}}
	m := newManager(t, store, tr, connectivity.Always(true))

	batch := locations(12)
	assert.False(t, m.DeliverBatch(context.Background(), batch))

	_, calls := tr.calls()
	require.Equal(t, 2, calls)
	assert.Len(t, tr.batches[0], 10)
	assert.Len(t, tr.batches[1], 2)

	rows := unsent(t, store)
	require.Len(t, rows, 2)
	assert.Equal(t, batch[10].UUID, rows[0].Event.ID())
	assert.Equal(t, batch[11].UUID, rows[1].Event.ID())
}

func TestDeliverBatch_OfflineStoresEverything(t *testing.T) {
	store := newStore(t)
	tr := &fakeTransport{}
	m := newManager(t, store, tr, connectivity.Always(false))

	assert.False(t, m.DeliverBatch(context.Background(), locations(12)))
	_, calls := tr.calls()
	assert.Zero(t, calls)
	assert.Len(t, unsent(t, store), 12)
}

func TestDeliverBatch_Empty(t *testing.T) {
	m := newManager(t, newStore(t), &fakeTransport{}, connectivity.Always(false))
	assert.True(t, m.DeliverBatch(context.Background(), nil))
}

func TestSyncPending_Offline(t *testing.T) {
	store := newStore(t)
	tr := &fakeTransport{}
	ctx := context.Background()
	_, err := store.Append(ctx, events.NewActivity(7, events.KindLogin, time.Now()))
	require.NoError(t, err)

	m := newManager(t, store, tr, connectivity.Always(false))
	res := m.SyncPending(ctx)
	assert.True(t, res.Skipped)
	assert.False(t, res.AllSucceeded)
	a, b := tr.calls()
	assert.Zero(t, a+b)
	assert.Len(t, unsent(t, store), 1)
}

func TestSyncPending_DeliversAndIsIdempotent(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	for _, e := range locations(13) {
		_, err := store.Append(ctx, e)
		require.NoError(t, err)
	}
	for _, k := range []events.Kind{events.KindLogin, events.KindWaiting} {
		_, err := store.Append(ctx, events.NewActivity(7, k, time.Now()))
		require.NoError(t, err)
	}

	tr := &fakeTransport{}
	m := newManager(t, store, tr, connectivity.Always(true))

	res := m.SyncPending(ctx)
	assert.True(t, res.AllSucceeded)
	assert.Equal(t, 15, res.Delivered)
	assert.Empty(t, res.Failed)
	assert.Empty(t, unsent(t, store))

	activity, batches := tr.calls()
	assert.Equal(t, 2, activity)
	require.Equal(t, 2, batches)
	assert.Len(t, tr.batches[0], 10)
	assert.Len(t, tr.batches[1], 3)

	res = m.SyncPending(ctx)
	assert.True(t, res.AllSucceeded)
	assert.Zero(t, res.Delivered)
	activity, batches = tr.calls()
	assert.Equal(t, 2, activity, "second pass sends nothing")
	assert.Equal(t, 2, batches)
}

func TestSyncPending_PartialFailureKeepsRows(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	for _, e := range locations(3) {
		_, err := store.Append(ctx, e)
		require.NoError(t, err)
	}
	bad := events.NewActivity(7, events.KindCheckOut, time.Now())
	_, err := store.Append(ctx, bad)
	require.NoError(t, err)

	tr := &fakeTransport{failActivity: func(e events.ActivityEvent) error {
		if e.UUID == bad.UUID {
			return errServer
		}
		return nil
	}}
	m := newManager(t, store, tr, connectivity.Always(true))

	res := m.SyncPending(ctx)
	assert.False(t, res.Skipped)
	assert.False(t, res.AllSucceeded)
	assert.Equal(t, 3, res.Delivered)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, bad.UUID, res.Failed[0].Event.ID())

	rows := unsent(t, store)
	require.Len(t, rows, 1)
	assert.Equal(t, bad.UUID, rows[0].Event.ID())
}

func TestSubmit_DeliversOnWorker(t *testing.T) {
	store := newStore(t)
	tr := &fakeTransport{}
	m := NewManager(store, tr, connectivity.Always(true), nil, DefaultConfig(), nil)

	m.SubmitBatch(locations(2))
	m.Submit(events.NewActivity(7, events.KindGPSOn, time.Now()))
	m.Close()

	activity, batches := tr.calls()
	assert.Equal(t, 1, activity)
	assert.Equal(t, 1, batches)
	assert.Empty(t, unsent(t, store))
}

func TestClose_CommitsQueuedWork(t *testing.T) {
	store := newStore(t)
	tr := &fakeTransport{block: make(chan struct{}), started: make(chan struct{}, 1)}
	cfg := DefaultConfig()
	cfg.Workers = 1
	cfg.QueueSize = 4
	m := NewManager(store, tr, connectivity.Always(true), nil, cfg, nil)

	first := events.NewActivity(7, events.KindCheckIn, time.Now())
	m.Submit(first)
	<-tr.started // worker is inside the transport

	var queued []events.ActivityEvent
	for i := 0; i < 3; i++ {
		e := events.NewActivity(7, events.KindWaiting, time.Now())
		queued = append(queued, e)
		m.Submit(e)
	}

	closed := make(chan struct{})
	go func() {
		m.Close()
		close(closed)
	}()
	require.Eventually(t, m.draining.Load, time.Second, time.Millisecond)
	close(tr.block)

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}

	sent, _ := tr.calls()
	assert.Equal(t, 1, sent, "in-flight delivery completes")
	rows := unsent(t, store)
	require.Len(t, rows, 3)
	got := map[string]bool{}
	for _, r := range rows {
		got[r.Event.ID().String()] = true
	}
	for _, e := range queued {
		assert.True(t, got[e.UUID.String()], "queued event %s stored", e.UUID)
	}

	// Work submitted after Close goes straight to the store.
	m.Submit(events.NewActivity(7, events.KindLogout, time.Now()))
	assert.Len(t, unsent(t, store), 4)
}

func TestSubmit_QueueFullStores(t *testing.T) {
	store := newStore(t)
	tr := &fakeTransport{block: make(chan struct{}), started: make(chan struct{}, 1)}
	cfg := DefaultConfig()
	cfg.Workers = 1
	cfg.QueueSize = 1
	m := NewManager(store, tr, connectivity.Always(true), nil, cfg, nil)
	defer func() {
		close(tr.block)
		m.Close()
	}()

	m.Submit(events.NewActivity(7, events.KindCheckIn, time.Now()))
	<-tr.started
	m.Submit(events.NewActivity(7, events.KindWaiting, time.Now())) // fills the queue
	m.Submit(events.NewActivity(7, events.KindWaiting, time.Now())) // overflows

	assert.Len(t, unsent(t, store), 1)
}

func TestNextWait(t *testing.T) {
	m := &Manager{cfg: Config{Interval: time.Minute, MaxBackoff: 5 * time.Minute}}
	tests := []struct {
		prev time.Duration
		res  SyncResult
		want time.Duration
	}{
		{time.Minute, SyncResult{AllSucceeded: true}, time.Minute},
		{4 * time.Minute, SyncResult{AllSucceeded: true}, time.Minute},
		{time.Minute, SyncResult{Skipped: true}, 2 * time.Minute},
		{2 * time.Minute, SyncResult{}, 4 * time.Minute},
		{4 * time.Minute, SyncResult{}, 5 * time.Minute},
		{5 * time.Minute, SyncResult{Skipped: true}, 5 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%v/%+v", tt.prev, tt.res), func(t *testing.T) {
			assert.Equal(t, tt.want, m.nextWait(tt.prev, tt.res))
		})
	}
}

// passCounter counts finished Run passes: the stuck check is the last thing a
// pass does, after the timer has been re-armed.
type passCounter struct {
	*db.EventStore
	passes atomic.Int32
}

func (p *passCounter) OldestUnsent(ctx context.Context) (time.Time, bool, error) {
	defer p.passes.Add(1)
	return p.EventStore.OldestUnsent(ctx)
}

func TestRun_TriggersAndPeriodicSync(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC))
	store := &passCounter{EventStore: newStore(t)}
	m := NewManager(store, &fakeTransport{}, connectivity.Always(true), clock, DefaultConfig(), nil)
	defer m.Close()
	passes := func(n int32) func() bool {
		return func() bool { return store.passes.Load() == n }
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	clock.BlockUntil(1)

	m.Trigger()
	require.Eventually(t, passes(1), time.Second, time.Millisecond)

	// A second trigger inside the minimum gap waits for the gap instead of
	// being lost until the periodic timer.
	m.Trigger()
	assert.Never(t, func() bool { return store.passes.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	clock.Advance(5 * time.Second)
	require.Eventually(t, passes(2), time.Second, time.Millisecond)

	// The periodic timer fires one interval after the last pass.
	clock.Advance(time.Minute)
	require.Eventually(t, passes(3), time.Second, time.Millisecond)

	// Outside the gap a trigger runs straight away.
	m.Trigger()
	require.Eventually(t, passes(4), time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_LateTriggerKeepsEarlierTimer(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC))
	store := &passCounter{EventStore: newStore(t)}
	cfg := DefaultConfig()
	cfg.Interval = 2 * time.Second
	m := NewManager(store, &fakeTransport{}, connectivity.Always(true), clock, cfg, nil)
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	clock.BlockUntil(1)

	m.Trigger()
	require.Eventually(t, func() bool { return store.passes.Load() == 1 }, time.Second, time.Millisecond)

	// The deferred trigger would land after the periodic pass, so the
	// periodic timer stays in charge and only one pass runs.
	m.Trigger()
	assert.Never(t, func() bool { return store.passes.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return store.passes.Load() == 2 }, time.Second, time.Millisecond)
	assert.Never(t, func() bool { return store.passes.Load() > 2 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestChunks(t *testing.T) {
	assert.Nil(t, chunks([]int{}, 10))
	assert.Equal(t, [][]int{{1, 2}, {3, 4}, {5}}, chunks([]int{1, 2, 3, 4, 5}, 2))
	assert.Equal(t, [][]int{{1, 2}}, chunks([]int{1, 2}, 10))
}
