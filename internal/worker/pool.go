// Package worker executes queued turns against the LLM provider and
// streams their output to the session's delivery channel.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/user/turnstile/internal/queue"
	"github.com/user/turnstile/internal/retrieval"
	"github.com/user/turnstile/internal/store"
	"github.com/user/turnstile/internal/types"
	"github.com/user/turnstile/pkg/llm"
)

// Length units for Config.LengthUnit.
const (
	UnitCharacters = "characters"
	UnitTokens     = "tokens"
)

// Config sizes the pool and bounds each turn.
type Config struct {
	PoolSize     int
	PollInterval time.Duration
	// MaxTurnDuration bounds one execution of a turn, provider call included.
	MaxTurnDuration time.Duration
	// MaxResponseLength truncates responses; zero disables truncation.
	MaxResponseLength int
	LengthUnit        string
	// Counter measures length in tokens. Required for UnitTokens.
	Counter llm.Counter
	// Owner identifies this process on leases.
	Owner string
}

// Pool leases turns from the shared queue and runs up to PoolSize of them
// at once. The store-level counter is the real bound on in-flight provider
// calls; the semaphore only caps this process's share.
type Pool struct {
	cfg       Config
	queue     *queue.Queue
	provider  llm.Provider
	retriever retrieval.Retriever
	pub       types.Publisher
	logger    *slog.Logger

	semaphore *semaphore.Weighted
	active    atomic.Int64
	draining  atomic.Bool

	leaseCancel context.CancelFunc
	workCtx     context.Context
	workCancel  context.CancelFunc
	loop        sync.WaitGroup
	turns       sync.WaitGroup
}

// New creates a pool. A nil retriever retrieves nothing.
func New(cfg Config, q *queue.Queue, provider llm.Provider, retriever retrieval.Retriever, pub types.Publisher, logger *slog.Logger) (*Pool, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.LengthUnit == "" {
		cfg.LengthUnit = UnitCharacters
	}
	if cfg.LengthUnit == UnitTokens && cfg.Counter == nil {
		count, err := llm.NewTokenCounter("")
		if err != nil {
			return nil, fmt.Errorf("token counter: %w", err)
		}
		cfg.Counter = count
	}
	if cfg.Owner == "" {
		host, _ := os.Hostname()
		cfg.Owner = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.New().String()[:8])
	}
	if retriever == nil {
		retriever = retrieval.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:       cfg,
		queue:     q,
		provider:  provider,
		retriever: retriever,
		pub:       pub,
		logger:    logger.With("component", "worker", "owner", cfg.Owner),
		semaphore: semaphore.NewWeighted(int64(cfg.PoolSize)),
	}, nil
}

// Owner returns the lease owner name of this pool.
func (p *Pool) Owner() string { return p.cfg.Owner }

// Active returns the number of turns being processed.
func (p *Pool) Active() int64 { return p.active.Load() }

// Start begins leasing. Turns run under ctx; cancelling it abandons them
// to the reaper.
func (p *Pool) Start(ctx context.Context) {
	p.workCtx, p.workCancel = context.WithCancel(ctx)
	var leaseCtx context.Context
	leaseCtx, p.leaseCancel = context.WithCancel(p.workCtx)
	p.loop.Add(1)
	go p.run(leaseCtx)
	p.logger.Info("worker pool started", "pool_size", p.cfg.PoolSize)
}

// Stop cancels everything, including in-flight turns, and waits.
func (p *Pool) Stop() {
	if p.workCancel != nil {
		p.workCancel()
	}
	p.loop.Wait()
	p.turns.Wait()
}

// Drain stops leasing new turns and waits for in-flight ones to finish, or
// for ctx to end.
func (p *Pool) Drain(ctx context.Context) error {
	p.draining.Store(true)
	if p.leaseCancel != nil {
		p.leaseCancel()
	}
	p.loop.Wait()

	done := make(chan struct{})
	go func() {
		p.turns.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("worker pool drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("draining %d turns: %w", p.active.Load(), ctx.Err())
	}
}

// WaitIdle blocks until no turns are being processed, or the timeout
// expires. Returns true if idle, false if timed out.
func (p *Pool) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if p.active.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (p *Pool) run(ctx context.Context) {
	defer p.loop.Done()
	for {
		if err := p.semaphore.Acquire(ctx, 1); err != nil {
			return
		}
		if p.draining.Load() {
			p.semaphore.Release(1)
			return
		}

		t, err := p.queue.Lease(ctx, p.cfg.Owner)
		if err != nil {
			p.semaphore.Release(1)
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, store.ErrEmpty) && !errors.Is(err, store.ErrSaturated) {
				p.logger.Error("lease failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}

		p.active.Add(1)
		p.turns.Add(1)
		go func() {
			defer p.turns.Done()
			defer p.semaphore.Release(1)
			defer p.active.Add(-1)
			p.process(p.workCtx, t)
		}()
	}
}
