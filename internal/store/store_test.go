package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/turnstile/internal/types"
)

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *manualClock {
	return &manualClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type factory func(t *testing.T, clock *manualClock) Store

func newTurn(user string) *types.Turn {
	return &types.Turn{
		ID:        types.NewTurnID(),
		SessionID: types.NewSessionID(),
		UserID:    user,
		Question:  "what is " + user + "?",
	}
}

var lease = LeaseRequest{Owner: "w1", TTL: 30 * time.Second, Ceiling: 10}

// runStoreSuite exercises the behaviour every backend must share.
func runStoreSuite(t *testing.T, open factory) {
	ctx := context.Background()

	t.Run("FIFOAndEmpty", func(t *testing.T) {
		s := open(t, newClock())
		a, b := newTurn("alice"), newTurn("bob")
		require.NoError(t, s.Enqueue(ctx, a, 0))
		require.NoError(t, s.Enqueue(ctx, b, 0))
		assert.Less(t, a.Seq, b.Seq)

		got, err := s.Lease(ctx, lease)
		require.NoError(t, err)
		assert.Equal(t, a.ID, got.ID)
		assert.Equal(t, types.TurnRunning, got.Status)
		assert.Equal(t, 1, got.Attempts)
		assert.NotEmpty(t, got.LeaseToken)

		got, err = s.Lease(ctx, lease)
		require.NoError(t, err)
		assert.Equal(t, b.ID, got.ID)

		_, err = s.Lease(ctx, lease)
		assert.ErrorIs(t, err, ErrEmpty)
	})

	t.Run("RoundTripFields", func(t *testing.T) {
		s := open(t, newClock())
		turn := newTurn("alice")
		turn.CorpusFilter = "docs/v2"
		turn.TraceContext = map[string]string{"traceparent": "00-abc-def-01"}
		turn.History = []types.Message{{Role: types.RoleUser, Content: "hi"}, {Role: types.RoleAssistant, Content: "hello"}}
		require.NoError(t, s.Enqueue(ctx, turn, 0))

		got, err := s.Get(ctx, turn.ID)
		require.NoError(t, err)
		assert.Equal(t, turn.SessionID, got.SessionID)
		assert.Equal(t, "docs/v2", got.CorpusFilter)
		assert.Equal(t, "00-abc-def-01", got.TraceContext["traceparent"])
		require.Len(t, got.History, 2)
		assert.Equal(t, "hello", got.History[1].Content)
		assert.Equal(t, types.TurnQueued, got.Status)

		_, err = s.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("BacklogAndDuplicate", func(t *testing.T) {
		s := open(t, newClock())
		a := newTurn("a")
		require.NoError(t, s.Enqueue(ctx, a, 2))
		require.NoError(t, s.Enqueue(ctx, newTurn("b"), 2))
		assert.ErrorIs(t, s.Enqueue(ctx, newTurn("c"), 2), ErrBacklogFull)

		dup := *a
		assert.ErrorIs(t, s.Enqueue(ctx, &dup, 0), ErrDuplicate)

		// Leasing shrinks the backlog.
		_, err := s.Lease(ctx, lease)
		require.NoError(t, err)
		assert.NoError(t, s.Enqueue(ctx, newTurn("c"), 2))
	})

	t.Run("CeilingTwoThreeTurns", func(t *testing.T) {
		s := open(t, newClock())
		for _, u := range []string{"u1", "u2", "u3"} {
			require.NoError(t, s.Enqueue(ctx, newTurn(u), 0))
		}
		req := lease
		req.Ceiling = 2

		first, err := s.Lease(ctx, req)
		require.NoError(t, err)
		_, err = s.Lease(ctx, req)
		require.NoError(t, err)
		_, err = s.Lease(ctx, req)
		assert.ErrorIs(t, err, ErrSaturated)

		st, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, st.Inflight)
		assert.Equal(t, 2, st.Running)
		assert.Equal(t, 1, st.Queued)

		_, err = s.Complete(ctx, first.ID, first.LeaseToken, "done", false)
		require.NoError(t, err)

		third, err := s.Lease(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, "what is u3?", third.Question)
	})

	t.Run("UserSpacing", func(t *testing.T) {
		clock := newClock()
		s := open(t, clock)
		a1, a2, b := newTurn("alice"), newTurn("alice"), newTurn("bob")
		require.NoError(t, s.Enqueue(ctx, a1, 0))
		require.NoError(t, s.Enqueue(ctx, a2, 0))
		require.NoError(t, s.Enqueue(ctx, b, 0))

		req := lease
		req.UserSpacing = 2 * time.Second

		got, err := s.Lease(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, a1.ID, got.ID)

		// alice's second turn is skipped, bob's is next in FIFO among the eligible.
		got, err = s.Lease(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, b.ID, got.ID)

		_, err = s.Lease(ctx, req)
		assert.ErrorIs(t, err, ErrEmpty)

		clock.Advance(2 * time.Second)
		got, err = s.Lease(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, a2.ID, got.ID)
	})

	t.Run("RetryDelayAndPartial", func(t *testing.T) {
		clock := newClock()
		s := open(t, clock)
		turn := newTurn("alice")
		require.NoError(t, s.Enqueue(ctx, turn, 0))

		got, err := s.Lease(ctx, lease)
		require.NoError(t, err)
		require.NoError(t, s.MarkStreaming(ctx, got.ID, got.LeaseToken))
		require.NoError(t, s.Retry(ctx, got.ID, got.LeaseToken, types.KindProviderTransient, "429", "half an ans", 5*time.Second))

		st, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, st.Inflight)

		_, err = s.Lease(ctx, lease)
		assert.ErrorIs(t, err, ErrEmpty, "not eligible before the delay")

		clock.Advance(5 * time.Second)
		again, err := s.Lease(ctx, lease)
		require.NoError(t, err)
		assert.Equal(t, 2, again.Attempts)
		assert.True(t, again.Incomplete)
		assert.Equal(t, "half an ans", again.Result)
		assert.Equal(t, types.KindProviderTransient, again.LastErrorKind)
		assert.NotEqual(t, got.LeaseToken, again.LeaseToken)

		// The first attempt's token is dead.
		assert.ErrorIs(t, s.Extend(ctx, got.ID, got.LeaseToken, time.Minute), ErrLeaseLost)

		done, err := s.Complete(ctx, again.ID, again.LeaseToken, "full answer", true)
		require.NoError(t, err)
		assert.Equal(t, types.TurnComplete, done.Status)
		assert.False(t, done.Incomplete)
		assert.True(t, done.Truncated)
		assert.Equal(t, "full answer", done.Result)
		assert.Empty(t, done.LeaseToken)
	})

	t.Run("FailKeepsPartial", func(t *testing.T) {
		s := open(t, newClock())
		turn := newTurn("alice")
		require.NoError(t, s.Enqueue(ctx, turn, 0))
		got, err := s.Lease(ctx, lease)
		require.NoError(t, err)

		failed, err := s.Fail(ctx, got.ID, got.LeaseToken, types.KindProviderFatal, "401", "par")
		require.NoError(t, err)
		assert.Equal(t, types.TurnFailed, failed.Status)
		assert.True(t, failed.Incomplete)
		assert.Equal(t, types.KindProviderFatal, failed.LastErrorKind)

		_, err = s.Complete(ctx, got.ID, got.LeaseToken, "late", false)
		assert.ErrorIs(t, err, ErrLeaseLost)
		_, err = s.Complete(ctx, "missing", got.LeaseToken, "late", false)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ReapRequeuesOnceThenFails", func(t *testing.T) {
		clock := newClock()
		s := open(t, clock)
		turn := newTurn("alice")
		require.NoError(t, s.Enqueue(ctx, turn, 0))
		req := lease
		req.TTL = time.Second
		reap := ReapRequest{MaxRetries: 1}

		first, err := s.Lease(ctx, req)
		require.NoError(t, err)

		reaped, err := s.ReapExpired(ctx, reap)
		require.NoError(t, err)
		assert.Empty(t, reaped, "lease still live")

		clock.Advance(2 * time.Second)
		reaped, err = s.ReapExpired(ctx, reap)
		require.NoError(t, err)
		require.Len(t, reaped, 1)
		assert.True(t, reaped[0].Requeued)
		assert.Equal(t, types.TurnQueued, reaped[0].Turn.Status)

		// A second sweep over the same expiry does nothing.
		reaped, err = s.ReapExpired(ctx, reap)
		require.NoError(t, err)
		assert.Empty(t, reaped)

		_, err = s.Complete(ctx, first.ID, first.LeaseToken, "zombie", false)
		assert.ErrorIs(t, err, ErrLeaseLost)

		second, err := s.Lease(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, 2, second.Attempts)

		clock.Advance(2 * time.Second)
		reaped, err = s.ReapExpired(ctx, reap)
		require.NoError(t, err)
		require.Len(t, reaped, 1)
		assert.False(t, reaped[0].Requeued)
		assert.Equal(t, types.TurnFailed, reaped[0].Turn.Status)
		assert.Equal(t, types.KindLeaseExpired, reaped[0].Turn.LastErrorKind)

		st, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, st.Inflight)
		assert.Equal(t, 1, st.Failed)
	})

	t.Run("ReapMaxDuration", func(t *testing.T) {
		clock := newClock()
		s := open(t, clock)
		require.NoError(t, s.Enqueue(ctx, newTurn("alice"), 0))
		got, err := s.Lease(ctx, lease)
		require.NoError(t, err)

		clock.Advance(20 * time.Second)
		require.NoError(t, s.Extend(ctx, got.ID, got.LeaseToken, 30*time.Second))

		reaped, err := s.ReapExpired(ctx, ReapRequest{MaxRetries: 5, MaxDuration: 10 * time.Second})
		require.NoError(t, err)
		require.Len(t, reaped, 1)
		assert.Equal(t, types.KindTurnTimeout, reaped[0].Turn.LastErrorKind)
		assert.Equal(t, types.TurnFailed, reaped[0].Turn.Status)
	})

	t.Run("Cancel", func(t *testing.T) {
		s := open(t, newClock())
		queued, running := newTurn("a"), newTurn("b")
		require.NoError(t, s.Enqueue(ctx, running, 0))
		require.NoError(t, s.Enqueue(ctx, queued, 0))
		_, err := s.Lease(ctx, lease)
		require.NoError(t, err)

		require.NoError(t, s.Cancel(ctx, queued.ID))
		got, err := s.Get(ctx, queued.ID)
		require.NoError(t, err)
		assert.Equal(t, types.TurnCancelled, got.Status)

		assert.ErrorIs(t, s.Cancel(ctx, queued.ID), ErrNotQueued)
		assert.ErrorIs(t, s.Cancel(ctx, running.ID), ErrNotQueued)
		assert.ErrorIs(t, s.Cancel(ctx, "missing"), ErrNotFound)

		_, err = s.Lease(ctx, lease)
		assert.ErrorIs(t, err, ErrEmpty)
	})

	t.Run("TokenBucket", func(t *testing.T) {
		clock := newClock()
		s := open(t, clock)
		b := Bucket{Capacity: 2, RefillPerSec: 1.0 / 30}

		for range 2 {
			ok, err := s.TakeToken(ctx, "alice", b)
			require.NoError(t, err)
			assert.True(t, ok)
		}
		ok, err := s.TakeToken(ctx, "alice", b)
		require.NoError(t, err)
		assert.False(t, ok, "empty bucket")

		// Other users are unaffected.
		ok, err = s.TakeToken(ctx, "bob", b)
		require.NoError(t, err)
		assert.True(t, ok)

		clock.Advance(15 * time.Second)
		ok, err = s.TakeToken(ctx, "alice", b)
		require.NoError(t, err)
		assert.False(t, ok, "half a token is not enough")

		clock.Advance(15 * time.Second)
		ok, err = s.TakeToken(ctx, "alice", b)
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, s.RefundToken(ctx, "alice", b))
		require.NoError(t, s.RefundToken(ctx, "alice", b))
		require.NoError(t, s.RefundToken(ctx, "alice", b))
		for range 2 {
			ok, err = s.TakeToken(ctx, "alice", b)
			require.NoError(t, err)
			assert.True(t, ok)
		}
		ok, err = s.TakeToken(ctx, "alice", b)
		require.NoError(t, err)
		assert.False(t, ok, "refunds are capped at capacity")
	})

	t.Run("Purge", func(t *testing.T) {
		clock := newClock()
		s := open(t, clock)
		old, fresh := newTurn("a"), newTurn("b")
		require.NoError(t, s.Enqueue(ctx, old, 0))
		require.NoError(t, s.Cancel(ctx, old.ID))

		clock.Advance(time.Hour)
		require.NoError(t, s.Enqueue(ctx, fresh, 0))
		require.NoError(t, s.Cancel(ctx, fresh.ID))

		n, err := s.Purge(ctx, PurgeRequest{TurnsOlderThan: 30 * time.Minute, StateOlderThan: 30 * time.Minute})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = s.Get(ctx, old.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.Get(ctx, fresh.ID)
		assert.NoError(t, err)
	})

	t.Run("PurgeKeepsRateStateWithinWindow", func(t *testing.T) {
		clock := newClock()
		s := open(t, clock)
		b := Bucket{Capacity: 1, RefillPerSec: 1.0 / 600}
		ok, err := s.TakeToken(ctx, "alice", b)
		require.NoError(t, err)
		require.True(t, ok)

		clock.Advance(30 * time.Second)
		_, err = s.Purge(ctx, PurgeRequest{TurnsOlderThan: time.Second, StateOlderThan: b.RefillTime()})
		require.NoError(t, err)

		ok, err = s.TakeToken(ctx, "alice", b)
		require.NoError(t, err)
		assert.False(t, ok, "purge must not refill a drained bucket")
	})
}
