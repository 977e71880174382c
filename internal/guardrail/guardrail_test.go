package guardrail

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/turnstile/internal/delivery"
	"github.com/user/turnstile/internal/queue"
	"github.com/user/turnstile/internal/session"
	"github.com/user/turnstile/internal/store"
	"github.com/user/turnstile/internal/types"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type conn struct {
	id     types.ConnID
	closed atomic.Value
}

func (c *conn) ID() types.ConnID { return c.id }

func (c *conn) Send(*types.Envelope) bool { return true }

func (c *conn) Close(reason string) { c.closed.Store(reason) }

type switches struct {
	mu       sync.Mutex
	shedding bool
	serving  bool
}

func (s *switches) SetShedding(on bool) {
	s.mu.Lock()
	s.shedding = on
	s.mu.Unlock()
}

func (s *switches) SetServing(ok bool) {
	s.mu.Lock()
	s.serving = ok
	s.mu.Unlock()
}

func (s *switches) state() (shedding, serving bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shedding, s.serving
}

type fixture struct {
	clock    *clock
	sessions *session.Registry
	queue    *queue.Queue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "g.db"), nil, store.WithClock(c.Now))
	require.NoError(t, err)
	broker := delivery.NewMemoryBroker(nil)
	reg := session.NewRegistry(session.Config{IdleTimeout: time.Minute, ResultRetention: time.Minute, Now: c.Now}, broker, nil)
	t.Cleanup(func() {
		reg.Close()
		broker.Close()
		st.Close()
	})
	q := queue.New(st, queue.Options{LeaseTTL: time.Minute, ResultRetention: time.Hour}, nil)
	return &fixture{clock: c, sessions: reg, queue: q}
}

func TestIdleSessionEvictedOnceAndQueuedTurnCancelled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := New(Config{}, f.sessions, f.queue)

	c := &conn{id: types.NewConnID()}
	s, _, err := f.sessions.Resume(ctx, "", "alice", c)
	require.NoError(t, err)
	turn := &types.Turn{ID: types.NewTurnID(), SessionID: s.ID, UserID: "alice", Question: "q"}
	require.NoError(t, f.sessions.Reserve(s.ID, turn.ID, turn.Question))
	require.NoError(t, f.queue.Submit(ctx, turn))

	rep, err := g.SweepNow(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Evicted, "still within the idle window")

	f.clock.Advance(2 * time.Minute)
	rep, err = g.SweepNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Evicted)
	assert.Equal(t, 1, rep.Cancelled)
	assert.Equal(t, "session_evicted", c.closed.Load())

	got, err := f.queue.Get(ctx, turn.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TurnCancelled, got.Status)

	rep, err = g.SweepNow(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Evicted)
}

func TestRunningTurnSurvivesEviction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := New(Config{}, f.sessions, f.queue)

	s, _, err := f.sessions.Resume(ctx, "", "alice", &conn{id: types.NewConnID()})
	require.NoError(t, err)
	turn := &types.Turn{ID: types.NewTurnID(), SessionID: s.ID, UserID: "alice", Question: "q"}
	require.NoError(t, f.sessions.Reserve(s.ID, turn.ID, turn.Question))
	require.NoError(t, f.queue.Submit(ctx, turn))
	_, err = f.queue.Lease(ctx, "w")
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)
	rep, err := g.SweepNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Evicted)
	assert.Zero(t, rep.Cancelled)

	got, err := f.queue.Get(ctx, turn.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TurnRunning, got.Status)
}

func TestMemoryHysteresis(t *testing.T) {
	f := newFixture(t)
	var heap atomic.Uint64
	sw := &switches{serving: true}
	g := New(Config{MemoryThreshold: 100}, f.sessions, f.queue,
		WithSampler(heap.Load), WithShedder(sw), WithHealth(sw))
	ctx := context.Background()

	steps := []struct {
		heap     uint64
		shedding bool
	}{
		{50, false},
		{150, true},
		{95, true}, // above threshold*0.9
		{89, false},
		{100, false}, // at threshold is not above it
	}
	for _, step := range steps {
		heap.Store(step.heap)
		rep, err := g.SweepNow(ctx)
		require.NoError(t, err)
		assert.Equal(t, step.shedding, rep.Shedding, "heap %d", step.heap)
		shedding, serving := sw.state()
		assert.Equal(t, step.shedding, shedding)
		assert.Equal(t, !step.shedding, serving)
	}
}

func TestRetireAfterSustainedPressure(t *testing.T) {
	f := newFixture(t)
	retired := make(chan struct{}, 4)
	g := New(Config{MemoryThreshold: 10, RetireOnPressure: true, RetireAfter: 2}, f.sessions, f.queue,
		WithSampler(func() uint64 { return 11 }),
		WithRetire(func() { retired <- struct{}{} }))
	ctx := context.Background()

	rep, err := g.SweepNow(ctx)
	require.NoError(t, err)
	assert.False(t, rep.Retiring)

	for range 3 {
		rep, err = g.SweepNow(ctx)
		require.NoError(t, err)
		assert.True(t, rep.Retiring)
	}
	select {
	case <-retired:
	case <-time.After(time.Second):
		t.Fatal("retire hook not called")
	}
	select {
	case <-retired:
		t.Fatal("retire hook called twice")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestPurgesOldTurns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := New(Config{}, f.sessions, f.queue)

	turn := &types.Turn{ID: types.NewTurnID(), SessionID: "s", UserID: "u", Question: "q"}
	require.NoError(t, f.queue.Submit(ctx, turn))
	leased, err := f.queue.Lease(ctx, "w")
	require.NoError(t, err)
	_, err = f.queue.Complete(ctx, leased, "done", false)
	require.NoError(t, err)

	rep, err := g.SweepNow(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Purged)

	f.clock.Advance(2 * time.Hour)
	rep, err = g.SweepNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Purged)
	_, err = f.queue.Get(ctx, turn.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestScheduledSweep(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	g := New(Config{SweepInterval: time.Second, MemoryThreshold: 1 << 40}, f.sessions, f.queue,
		WithSampler(func() uint64 {
			calls.Add(1)
			return 0
		}))
	require.NoError(t, g.Start(context.Background()))
	defer g.Stop()

	assert.Eventually(t, func() bool { return calls.Load() > 0 }, 3*time.Second, 20*time.Millisecond)
}

func TestHeapSampler(t *testing.T) {
	assert.Positive(t, HeapSampler()())
}
