// Package guardrail runs the periodic sweeps that keep a process within its
// resource bounds: expired sessions are evicted, memory pressure turns on
// load shedding, and old terminal turns are purged.
package guardrail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/metrics"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/user/turnstile/internal/queue"
	"github.com/user/turnstile/internal/session"
	"github.com/user/turnstile/internal/store"
)

// Sampler reports the process's current memory use in bytes.
type Sampler func() uint64

const heapMetric = "/memory/classes/heap/objects:bytes"

// HeapSampler reads live heap bytes from runtime/metrics.
func HeapSampler() Sampler {
	sample := []metrics.Sample{{Name: heapMetric}}
	var mu sync.Mutex
	return func() uint64 {
		mu.Lock()
		defer mu.Unlock()
		metrics.Read(sample)
		if sample[0].Value.Kind() != metrics.KindUint64 {
			return 0
		}
		return sample[0].Value.Uint64()
	}
}

// Shedder is told when to reject new work.
type Shedder interface {
	SetShedding(on bool)
}

// Health is told when the process should stop receiving traffic.
type Health interface {
	SetServing(ok bool)
}

// Config tunes the sweeps.
type Config struct {
	SweepInterval time.Duration
	// MemoryThreshold turns shedding on above this many bytes; zero
	// disables the memory check.
	MemoryThreshold uint64
	// RecoveryRatio turns shedding off again below
	// MemoryThreshold*RecoveryRatio.
	RecoveryRatio    float64
	RetireOnPressure bool
	// RetireAfter is the number of consecutive pressured sweeps before the
	// retire hook fires.
	RetireAfter int
}

// Option configures a Guardrail.
type Option func(*Guardrail)

// WithShedder sets the admission shedding switch.
func WithShedder(s Shedder) Option { return func(g *Guardrail) { g.shedder = s } }

// WithHealth sets the health reporter.
func WithHealth(h Health) Option { return func(g *Guardrail) { g.health = h } }

// WithSampler replaces HeapSampler.
func WithSampler(s Sampler) Option { return func(g *Guardrail) { g.sample = s } }

// WithRetire sets the hook invoked once when the process should drain and
// exit.
func WithRetire(fn func()) Option { return func(g *Guardrail) { g.retire = fn } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(g *Guardrail) { g.logger = l } }

// Report summarizes one sweep.
type Report struct {
	Evicted   int    `json:"evicted"`
	Cancelled int    `json:"cancelled"`
	HeapBytes uint64 `json:"heap_bytes"`
	Shedding  bool   `json:"shedding"`
	Retiring  bool   `json:"retiring"`
	Purged    int    `json:"purged"`
}

// Guardrail owns the sweep schedule.
type Guardrail struct {
	cfg      Config
	sessions *session.Registry
	queue    *queue.Queue
	shedder  Shedder
	health   Health
	sample   Sampler
	retire   func()
	logger   *slog.Logger
	cron     *cron.Cron

	mu        sync.Mutex
	pressured bool
	streak    int
	retired   bool
}

// New creates a guardrail over the registry and queue.
func New(cfg Config, sessions *session.Registry, q *queue.Queue, opts ...Option) *Guardrail {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.RecoveryRatio <= 0 || cfg.RecoveryRatio > 1 {
		cfg.RecoveryRatio = 0.9
	}
	if cfg.RetireAfter <= 0 {
		cfg.RetireAfter = 3
	}
	g := &Guardrail{cfg: cfg, sessions: sessions, queue: q, sample: HeapSampler()}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	g.logger = g.logger.With("component", "guardrail")
	return g
}

// Start schedules SweepNow every SweepInterval.
func (g *Guardrail) Start(ctx context.Context) error {
	g.cron = cron.New()
	spec := "@every " + g.cfg.SweepInterval.String()
	if _, err := g.cron.AddFunc(spec, func() {
		if _, err := g.SweepNow(ctx); err != nil && ctx.Err() == nil {
			g.logger.Error("sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("scheduling sweep %q: %w", spec, err)
	}
	g.cron.Start()
	g.logger.Info("guardrail started", "interval", g.cfg.SweepInterval, "memory_threshold", g.cfg.MemoryThreshold)
	return nil
}

// Stop stops the schedule and waits for a running sweep.
func (g *Guardrail) Stop() {
	if g.cron != nil {
		<-g.cron.Stop().Done()
	}
}

// SweepNow runs every sweep once. Sweeps never overlap.
func (g *Guardrail) SweepNow(ctx context.Context) (Report, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var rep Report
	rep.Evicted, rep.Cancelled = g.evictSessions(ctx)
	g.checkMemory(&rep)

	n, err := g.queue.Purge(ctx)
	rep.Purged = n
	return rep, err
}

func (g *Guardrail) evictSessions(ctx context.Context) (evicted, cancelled int) {
	for _, ev := range g.sessions.EvictExpired() {
		evicted++
		if ev.ActiveTurn != "" {
			// The session is gone, so nothing subscribes to its envelopes.
			err := g.queue.Cancel(ctx, ev.ActiveTurn, nil)
			switch {
			case err == nil:
				cancelled++
			case errors.Is(err, store.ErrNotQueued), errors.Is(err, store.ErrNotFound):
				// Already running or finished; it completes on its own.
			default:
				g.logger.Error("cancelling turn of evicted session",
					"session_id", ev.SessionID, "turn_id", ev.ActiveTurn, "error", err)
			}
		}
		if ev.Conn != nil {
			ev.Conn.Close("session_evicted")
		}
		g.logger.Info("session evicted", "session_id", ev.SessionID, "turn_id", ev.ActiveTurn)
	}
	return evicted, cancelled
}

func (g *Guardrail) checkMemory(rep *Report) {
	if g.cfg.MemoryThreshold == 0 {
		return
	}
	heap := g.sample()
	rep.HeapBytes = heap

	switch {
	case !g.pressured && heap > g.cfg.MemoryThreshold:
		g.pressured = true
		g.logger.Warn("memory above threshold, shedding load", "heap_bytes", heap, "threshold", g.cfg.MemoryThreshold)
		g.setShedding(true)
	case g.pressured && float64(heap) < float64(g.cfg.MemoryThreshold)*g.cfg.RecoveryRatio:
		g.pressured = false
		g.logger.Info("memory recovered, accepting load", "heap_bytes", heap)
		g.setShedding(false)
	}

	if !g.pressured {
		g.streak = 0
	} else {
		g.streak++
		if g.cfg.RetireOnPressure && !g.retired && g.streak >= g.cfg.RetireAfter && g.retire != nil {
			g.retired = true
			g.logger.Warn("memory pressure persisted, retiring process", "sweeps", g.streak)
			go g.retire()
		}
	}
	rep.Shedding = g.pressured
	rep.Retiring = g.retired
}

func (g *Guardrail) setShedding(on bool) {
	if g.shedder != nil {
		g.shedder.SetShedding(on)
	}
	if g.health != nil {
		g.health.SetServing(!on)
	}
}
