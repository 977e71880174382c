// Package admission decides synchronously whether a submitted question may
// enter the queue. Rejections are returned to the client as {kind, message}
// and are never retried by the system.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/user/turnstile/internal/queue"
	"github.com/user/turnstile/internal/session"
	"github.com/user/turnstile/internal/store"
	"github.com/user/turnstile/internal/types"
)

// Config bounds admission.
type Config struct {
	MaxPayloadBytes int
	// RequestsPerMinute is the sustained per-user rate; zero disables rate
	// limiting.
	RequestsPerMinute float64
	// Burst is the bucket capacity. Defaults to RequestsPerMinute, minimum 1.
	Burst float64
}

// Bucket is the per-user token bucket these limits describe.
func (c Config) Bucket() store.Bucket {
	burst := c.Burst
	if burst <= 0 {
		burst = max(c.RequestsPerMinute, 1)
	}
	return store.Bucket{Capacity: burst, RefillPerSec: c.RequestsPerMinute / 60}
}

// Controller runs the admission checks in order: shedding, request shape,
// payload size, the session's single outstanding turn, the user's rate
// bucket, and finally the queue backlog.
type Controller struct {
	cfg      Config
	sessions *session.Registry
	queue    *queue.Queue
	shedding atomic.Bool
	logger   *slog.Logger
}

// New creates a Controller.
func New(cfg Config, sessions *session.Registry, q *queue.Queue, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:      cfg,
		sessions: sessions,
		queue:    q,
		logger:   logger.With("component", "admission"),
	}
}

// SetShedding turns load shedding on or off. While on, every submission is
// rejected as over capacity.
func (c *Controller) SetShedding(on bool) {
	if c.shedding.Swap(on) != on {
		c.logger.Warn("load shedding changed", "shedding", on)
	}
}

// Shedding reports whether load shedding is on.
func (c *Controller) Shedding() bool { return c.shedding.Load() }

// Submit admits req for userID and queues the resulting turn.
func (c *Controller) Submit(ctx context.Context, userID string, req types.SubmitRequest) (types.SubmitAck, error) {
	if c.shedding.Load() {
		return types.SubmitAck{}, types.NewError(types.KindOverCapacity, "server is shedding load, try again later")
	}
	if strings.TrimSpace(req.Question) == "" {
		return types.SubmitAck{}, types.NewError(types.KindInvalidRequest, "question is empty")
	}
	if req.SessionID == "" {
		return types.SubmitAck{}, types.NewError(types.KindInvalidRequest, "session_id is required")
	}
	if size := len(req.Question) + len(req.CorpusFilter); c.cfg.MaxPayloadBytes > 0 && size > c.cfg.MaxPayloadBytes {
		return types.SubmitAck{}, types.NewError(types.KindPayloadTooLarge,
			"payload is %d bytes, limit is %d", size, c.cfg.MaxPayloadBytes)
	}

	turnID := req.TurnID
	if turnID == "" {
		turnID = types.NewTurnID()
	}
	if err := c.sessions.Reserve(req.SessionID, turnID, req.Question); err != nil {
		if !errors.Is(err, session.ErrInFlight) || !c.settle(ctx, req.SessionID) {
			return types.SubmitAck{}, err
		}
		if err := c.sessions.Reserve(req.SessionID, turnID, req.Question); err != nil {
			return types.SubmitAck{}, err
		}
	}

	ack, err := c.admit(ctx, userID, turnID, req)
	if err != nil {
		c.sessions.Release(req.SessionID, turnID)
		c.logger.Debug("submission rejected",
			"session_id", req.SessionID, "turn_id", turnID, "user_id", userID, "kind", types.KindOf(err))
		return types.SubmitAck{}, err
	}
	return ack, nil
}

// settle checks the session's outstanding turn against the queue. When the
// turn already ended but its terminal envelope never reached this process
// (cancelled elsewhere, or a dropped publish), the envelope is rebuilt and
// delivered, which clears the marker. It reports whether the marker is gone.
func (c *Controller) settle(ctx context.Context, sid types.SessionID) bool {
	active := c.sessions.ActiveTurn(sid)
	if active == "" {
		return true
	}
	t, err := c.queue.Get(ctx, active)
	if err != nil {
		// ErrNotFound means the turn is still being admitted.
		if !errors.Is(err, store.ErrNotFound) {
			c.logger.Error("checking outstanding turn", "session_id", sid, "turn_id", active, "error", err)
		}
		return false
	}
	if !t.Status.Terminal() {
		return false
	}
	env, err := queue.ResultEnvelope(t)
	if err != nil {
		c.logger.Error("rebuilding outstanding turn result", "session_id", sid, "turn_id", active, "error", err)
		c.sessions.Release(sid, active)
		return true
	}
	c.logger.Warn("settling turn whose result never arrived", "session_id", sid, "turn_id", active, "status", t.Status)
	c.sessions.Deliver(env)
	return c.sessions.ActiveTurn(sid) != active
}

func (c *Controller) admit(ctx context.Context, userID string, turnID types.TurnID, req types.SubmitRequest) (types.SubmitAck, error) {
	st := c.queue.Store()
	limited := c.cfg.RequestsPerMinute > 0
	if limited {
		ok, err := st.TakeToken(ctx, userID, c.cfg.Bucket())
		if err != nil {
			return types.SubmitAck{}, types.WrapError(types.KindInternal, err, "rate limiter unavailable")
		}
		if !ok {
			return types.SubmitAck{}, types.NewError(types.KindRateLimited, "rate limit exceeded, slow down")
		}
	}

	filter := req.CorpusFilter
	if filter == "" {
		filter = c.sessions.CorpusFilter(req.SessionID)
	}
	t := &types.Turn{
		ID:           turnID,
		SessionID:    req.SessionID,
		UserID:       userID,
		Question:     req.Question,
		CorpusFilter: filter,
		TraceContext: c.sessions.TraceContext(req.SessionID),
		History:      c.sessions.History(req.SessionID),
		Status:       types.TurnQueued,
	}
	if err := c.queue.Submit(ctx, t); err != nil {
		if limited {
			if rerr := st.RefundToken(ctx, userID, c.cfg.Bucket()); rerr != nil {
				c.logger.Error("refunding rate token", "user_id", userID, "error", rerr)
			}
		}
		switch {
		case errors.Is(err, store.ErrBacklogFull):
			return types.SubmitAck{}, types.NewError(types.KindOverCapacity, "queue is full, try again later")
		case errors.Is(err, store.ErrDuplicate):
			return types.SubmitAck{}, types.NewError(types.KindInvalidRequest, "turn %s already submitted", turnID)
		default:
			return types.SubmitAck{}, types.WrapError(types.KindInternal, err, fmt.Sprintf("queueing turn %s", turnID))
		}
	}
	c.logger.Info("turn admitted", "turn_id", turnID, "session_id", req.SessionID, "user_id", userID)
	return types.SubmitAck{TurnID: turnID, Status: types.TurnQueued}, nil
}
