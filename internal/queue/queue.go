// Package queue is the durable FIFO between admission and the workers.
// State lives in a store.Store shared by every process; this package adds
// the configured lease, retry and retention policy on top of it.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/user/turnstile/internal/retry"
	"github.com/user/turnstile/internal/store"
	"github.com/user/turnstile/internal/types"
)

// Options holds the queue policy.
type Options struct {
	MaxBacklog      int
	LeaseTTL        time.Duration
	ReapInterval    time.Duration
	ResultRetention time.Duration
	// Ceiling bounds turns in running/streaming across every process.
	Ceiling         int
	UserSpacing     time.Duration
	// RateRefill is how long an empty per-user bucket takes to refill.
	// Purge keeps rate state at least that long.
	RateRefill      time.Duration
	MaxTurnDuration time.Duration
	Retry           retry.Policy
}

// Queue wraps a store with policy.
type Queue struct {
	store  store.Store
	opts   Options
	logger *slog.Logger
}

// New creates a Queue over s.
func New(s store.Store, opts Options, logger *slog.Logger) *Queue {
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 30 * time.Second
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = opts.LeaseTTL / 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{store: s, opts: opts, logger: logger.With("component", "queue")}
}

// Options returns the queue policy.
func (q *Queue) Options() Options { return q.opts }

// Store exposes the backing store for token buckets and stats.
func (q *Queue) Store() store.Store { return q.store }

// Submit appends t to the queue, failing fast with store.ErrBacklogFull.
func (q *Queue) Submit(ctx context.Context, t *types.Turn) error {
	if err := q.store.Enqueue(ctx, t, q.opts.MaxBacklog); err != nil {
		return err
	}
	q.logger.Debug("turn queued", "turn_id", t.ID, "session_id", t.SessionID, "seq", t.Seq)
	return nil
}

// Lease takes the next eligible turn for owner.
func (q *Queue) Lease(ctx context.Context, owner string) (*types.Turn, error) {
	return q.store.Lease(ctx, store.LeaseRequest{
		Owner:       owner,
		TTL:         q.opts.LeaseTTL,
		Ceiling:     q.opts.Ceiling,
		UserSpacing: q.opts.UserSpacing,
	})
}

// Extend renews t's lease for another LeaseTTL.
func (q *Queue) Extend(ctx context.Context, t *types.Turn) error {
	return q.store.Extend(ctx, t.ID, t.LeaseToken, q.opts.LeaseTTL)
}

// MarkStreaming records that output has started.
func (q *Queue) MarkStreaming(ctx context.Context, t *types.Turn) error {
	return q.store.MarkStreaming(ctx, t.ID, t.LeaseToken)
}

// Complete finalizes t as complete.
func (q *Queue) Complete(ctx context.Context, t *types.Turn, result string, truncated bool) (*types.Turn, error) {
	return q.store.Complete(ctx, t.ID, t.LeaseToken, result, truncated)
}

// Retry requeues t after the policy delay for its attempt number and
// returns that delay.
func (q *Queue) Retry(ctx context.Context, t *types.Turn, cause error, partial string) (time.Duration, error) {
	delay := q.opts.Retry.NextDelay(t.Attempts)
	if err := q.store.Retry(ctx, t.ID, t.LeaseToken, types.KindProviderTransient, cause.Error(), partial, delay); err != nil {
		return 0, err
	}
	return delay, nil
}

// Fail finalizes t as failed with kind.
func (q *Queue) Fail(ctx context.Context, t *types.Turn, kind types.ErrorKind, msg, partial string) (*types.Turn, error) {
	return q.store.Fail(ctx, t.ID, t.LeaseToken, kind, msg, partial)
}

// Cancel cancels a still-queued turn and publishes its terminal error
// envelope to pub. A nil pub only records the outcome in the store.
func (q *Queue) Cancel(ctx context.Context, id types.TurnID, pub types.Publisher) error {
	if err := q.store.Cancel(ctx, id); err != nil {
		return err
	}
	q.logger.Info("turn cancelled", "turn_id", id)
	if pub == nil {
		return nil
	}
	t, err := q.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("loading cancelled turn %s: %w", id, err)
	}
	env, err := FailureEnvelope(t)
	if err != nil {
		return err
	}
	if err := pub.Publish(ctx, env); err != nil {
		// The store already says cancelled; admission settles the session.
		q.logger.Error("publishing cancellation", "turn_id", id, "session_id", t.SessionID, "error", err)
	}
	return nil
}

// Get returns a turn by id.
func (q *Queue) Get(ctx context.Context, id types.TurnID) (*types.Turn, error) {
	return q.store.Get(ctx, id)
}

// Stats returns the store snapshot.
func (q *Queue) Stats(ctx context.Context) (store.Stats, error) {
	return q.store.Stats(ctx)
}

// Purge drops terminal turns older than the result retention window, and
// per-user rate state idle past both the retention and the windows it
// enforces. A zero retention keeps everything.
func (q *Queue) Purge(ctx context.Context) (int, error) {
	if q.opts.ResultRetention <= 0 {
		return 0, nil
	}
	n, err := q.store.Purge(ctx, store.PurgeRequest{
		TurnsOlderThan: q.opts.ResultRetention,
		StateOlderThan: max(q.opts.ResultRetention, q.opts.UserSpacing, q.opts.RateRefill),
	})
	if err != nil {
		return 0, fmt.Errorf("purging turns: %w", err)
	}
	if n > 0 {
		q.logger.Info("purged terminal turns", "count", n)
	}
	return n, nil
}

// ResultEnvelope rebuilds the terminal envelope of a finished turn from its
// stored state.
func ResultEnvelope(t *types.Turn) (*types.Envelope, error) {
	if t.Status != types.TurnComplete {
		return FailureEnvelope(t)
	}
	return types.NewEnvelope(types.EnvelopeComplete, t.SessionID, t.ID, types.CompletePayload{
		Text:      t.Result,
		Truncated: t.Truncated,
		Attempts:  t.Attempts,
	})
}

// FailureEnvelope builds the single terminal error event for a failed turn.
func FailureEnvelope(t *types.Turn) (*types.Envelope, error) {
	kind := t.LastErrorKind
	if kind == "" {
		kind = types.KindInternal
	}
	return types.NewEnvelope(types.EnvelopeError, t.SessionID, t.ID, types.ErrorPayload{
		Kind:       kind,
		Message:    t.LastError,
		Attempts:   t.Attempts,
		Incomplete: t.Incomplete,
		Partial:    t.Result,
	})
}
