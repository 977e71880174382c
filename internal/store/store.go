// Package store holds the state shared by every process: the turn queue and
// its leases, the global concurrency counter, per-user rate buckets and
// per-user dispatch times. Every multi-step mutation is atomic in the
// backing store so no in-process lock is ever needed across processes.
package store

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/user/turnstile/internal/types"
)

var (
	// ErrNotFound is returned when the turn does not exist.
	ErrNotFound = errors.New("store: turn not found")
	// ErrEmpty is returned by Lease when no turn is eligible.
	ErrEmpty = errors.New("store: no eligible turn")
	// ErrSaturated is returned by Lease when the global concurrency counter
	// is at its ceiling. No turn changes state.
	ErrSaturated = errors.New("store: global concurrency saturated")
	// ErrLeaseLost is returned when the caller's lease token no longer owns
	// the turn (expired and reclaimed, or the turn was finalized).
	ErrLeaseLost = errors.New("store: lease lost")
	// ErrBacklogFull is returned by Enqueue when the queued backlog is at
	// its ceiling.
	ErrBacklogFull = errors.New("store: backlog full")
	// ErrNotQueued is returned by Cancel for a turn that already left the
	// queued state.
	ErrNotQueued = errors.New("store: turn not queued")
	// ErrDuplicate is returned by Enqueue when the turn id already exists.
	ErrDuplicate = errors.New("store: turn already exists")
)

// LeaseRequest describes one dequeue attempt.
type LeaseRequest struct {
	Owner string
	TTL   time.Duration
	// Ceiling is the global concurrency bound; zero means unbounded.
	Ceiling int
	// UserSpacing skips turns whose user was dispatched more recently.
	UserSpacing time.Duration
}

// ReapRequest bounds the reaper's sweep.
type ReapRequest struct {
	MaxRetries int
	// MaxDuration fails active turns running longer than this even while
	// their lease is still being extended. Zero disables the check.
	MaxDuration time.Duration
}

// Reaped reports one turn reclaimed by ReapExpired.
type Reaped struct {
	Turn *types.Turn
	// Requeued is true when the turn went back to queued; otherwise it is
	// now failed with Turn.LastErrorKind set.
	Requeued bool
}

// Bucket parameterizes a per-user token bucket.
type Bucket struct {
	Capacity     float64
	RefillPerSec float64
}

// RefillTime is how long an empty bucket takes to fill up again. Zero when
// the bucket never refills.
func (b Bucket) RefillTime() time.Duration {
	if b.RefillPerSec <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(b.Capacity/b.RefillPerSec)) * time.Second
}

// PurgeRequest bounds what Purge deletes.
type PurgeRequest struct {
	// TurnsOlderThan is the retention of terminal turns.
	TurnsOlderThan time.Duration
	// StateOlderThan is how long a user's dispatch time and rate bucket
	// must sit untouched before they are dropped. It must cover the
	// dispatch spacing and a full bucket refill, or limits reset early.
	StateOlderThan time.Duration
}

// Stats is a point-in-time snapshot of the store.
type Stats struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Streaming int `json:"streaming"`
	Complete  int `json:"complete"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Inflight  int `json:"inflight"`
}

// Store is implemented by SQLiteStore and RedisStore.
type Store interface {
	// Enqueue inserts t as queued at the tail of the FIFO. maxBacklog of
	// zero means unbounded.
	Enqueue(ctx context.Context, t *types.Turn, maxBacklog int) error
	// Lease takes the oldest eligible queued turn, moves it to running,
	// increments its attempts and the global counter, and records the
	// user's dispatch time, all in one atomic step.
	Lease(ctx context.Context, req LeaseRequest) (*types.Turn, error)
	// Extend pushes the lease expiry to now+ttl.
	Extend(ctx context.Context, id types.TurnID, token types.LeaseToken, ttl time.Duration) error
	// MarkStreaming moves a running turn to streaming.
	MarkStreaming(ctx context.Context, id types.TurnID, token types.LeaseToken) error
	// Complete finalizes a turn, releasing its slot and lease.
	Complete(ctx context.Context, id types.TurnID, token types.LeaseToken, result string, truncated bool) (*types.Turn, error)
	// Retry returns an active turn to the queue, eligible after delay.
	// partial is kept on the turn as the output of the failed attempt.
	Retry(ctx context.Context, id types.TurnID, token types.LeaseToken, kind types.ErrorKind, msg, partial string, delay time.Duration) error
	// Fail finalizes an active turn as failed. Non-empty partial marks the
	// turn incomplete.
	Fail(ctx context.Context, id types.TurnID, token types.LeaseToken, kind types.ErrorKind, msg, partial string) (*types.Turn, error)
	// Cancel finalizes a queued turn. It returns ErrNotQueued once the turn
	// has been leased or finished.
	Cancel(ctx context.Context, id types.TurnID) error
	// ReapExpired reclaims active turns whose lease expired and fails those
	// that exceeded MaxDuration.
	ReapExpired(ctx context.Context, req ReapRequest) ([]Reaped, error)
	// Get returns the turn with the given id.
	Get(ctx context.Context, id types.TurnID) (*types.Turn, error)
	// Stats returns counts by status and the global counter.
	Stats(ctx context.Context) (Stats, error)
	// TakeToken consumes one token from userID's bucket. It reports false
	// and consumes nothing when fewer than one token is available.
	TakeToken(ctx context.Context, userID string, b Bucket) (bool, error)
	// RefundToken returns one token, capped at capacity.
	RefundToken(ctx context.Context, userID string, b Bucket) error
	// Purge deletes terminal turns and idle per-user records past the
	// request's cutoffs and reports how many turns it deleted.
	Purge(ctx context.Context, req PurgeRequest) (int, error)
	Close() error
}

// Option configures a store.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now for every time-based decision.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// refill returns the bucket level at now, never exceeding capacity and never
// decreasing.
func refill(tokens float64, last, now time.Time, b Bucket) float64 {
	if elapsed := now.Sub(last).Seconds(); elapsed > 0 {
		tokens += elapsed * b.RefillPerSec
	}
	if tokens > b.Capacity {
		tokens = b.Capacity
	}
	if tokens < 0 {
		tokens = 0
	}
	return tokens
}
