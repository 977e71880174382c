package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/user/turnstile/internal/store"
	"github.com/user/turnstile/internal/types"
)

// Reaper reclaims expired leases on a fixed interval. Turns with retries
// left go back to the queue silently; the rest fail with one terminal error
// event.
type Reaper struct {
	queue  *Queue
	pub    types.Publisher
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReaper creates a reaper publishing failures through pub.
func NewReaper(q *Queue, pub types.Publisher, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{queue: q, pub: pub, logger: logger.With("component", "reaper")}
}

// Start runs the sweep loop until Stop or ctx is done.
func (r *Reaper) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.queue.opts.ReapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.ReapOnce(ctx); err != nil && ctx.Err() == nil {
					r.logger.Error("reap failed", "error", err)
				}
			}
		}
	}()
}

// Stop ends the loop and waits for an in-progress sweep.
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// ReapOnce performs a single sweep and returns the number of turns reclaimed.
func (r *Reaper) ReapOnce(ctx context.Context) (int, error) {
	reaped, err := r.queue.store.ReapExpired(ctx, store.ReapRequest{
		MaxRetries:  r.queue.opts.Retry.MaxRetries,
		MaxDuration: r.queue.opts.MaxTurnDuration,
	})
	for _, rp := range reaped {
		t := rp.Turn
		if rp.Requeued {
			r.logger.Warn("lease expired, turn requeued",
				"turn_id", t.ID, "session_id", t.SessionID, "attempt", t.Attempts)
			continue
		}
		r.logger.Warn("lease reclaimed, turn failed",
			"turn_id", t.ID, "session_id", t.SessionID, "attempt", t.Attempts, "kind", t.LastErrorKind)
		env, encErr := FailureEnvelope(t)
		if encErr != nil {
			r.logger.Error("encoding failure event", "turn_id", t.ID, "error", encErr)
			continue
		}
		if pubErr := r.pub.Publish(ctx, env); pubErr != nil {
			r.logger.Error("publishing failure event", "turn_id", t.ID, "error", pubErr)
		}
	}
	return len(reaped), err
}
