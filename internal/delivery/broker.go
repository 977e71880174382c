// Package delivery is pub/sub keyed by session id. Workers publish turn
// envelopes; whichever gateway process holds the session subscribes. The
// memory broker serves a single process, the Redis broker spans several.
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/user/turnstile/internal/types"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 256
	// terminalSendTimeout bounds how long Publish waits on a full
	// subscriber before dropping a terminal envelope.
	terminalSendTimeout = 5 * time.Second
)

// ErrClosed is returned after the broker has been closed.
var ErrClosed = errors.New("delivery: broker closed")

// Broker is pub/sub keyed by session id. Execution and delivery may run in
// different processes; the broker is the only link between them.
type Broker interface {
	types.Publisher
	// Subscribe registers for envelopes of sessionID. The subscription ends
	// when ctx is done or Close is called on it.
	Subscribe(ctx context.Context, sessionID types.SessionID) (Subscription, error)
	Close() error
}

// Subscription is one registered receiver.
type Subscription interface {
	C() <-chan *types.Envelope
	Close()
}

// MemoryBroker is the in-process Broker used when gateway and workers share
// a process. The Redis broker fans out through one as well.
type MemoryBroker struct {
	mu          sync.RWMutex
	subscribers map[types.SessionID]map[string]*memorySub
	closed      bool
	logger      *slog.Logger
}

type memorySub struct {
	broker    *MemoryBroker
	sessionID types.SessionID
	id        string
	ch        chan *types.Envelope

	// mu is held for reading while sending on ch, so ch is only closed once
	// no send is in progress. done wakes a sender waiting on a full ch.
	mu       sync.RWMutex
	done     chan struct{}
	once     sync.Once
	shutOnce sync.Once
}

func (s *memorySub) C() <-chan *types.Envelope { return s.ch }

func (s *memorySub) Close() {
	s.once.Do(func() {
		s.broker.unsubscribe(s.sessionID, s.id)
		s.shut()
	})
}

func (s *memorySub) shut() {
	s.shutOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		close(s.ch)
		s.mu.Unlock()
	})
}

// send offers env to the subscriber, waiting up to wait when the channel is
// full. It reports false when env was dropped. A closed subscriber counts as
// delivered.
func (s *memorySub) send(ctx context.Context, env *types.Envelope, wait time.Duration) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	select {
	case <-s.done:
		return true, nil
	default:
	}
	select {
	case s.ch <- env:
		return true, nil
	default:
	}
	if wait <= 0 {
		return false, nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case s.ch <- env:
		return true, nil
	case <-s.done:
		return true, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// NewMemoryBroker creates a broker. Pass nil logger for default.
func NewMemoryBroker(logger *slog.Logger) *MemoryBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBroker{
		subscribers: make(map[types.SessionID]map[string]*memorySub),
		logger:      logger.With("component", "broker", "driver", "memory"),
	}
}

// Subscribe implements Broker.
func (b *MemoryBroker) Subscribe(ctx context.Context, sessionID types.SessionID) (Subscription, error) {
	sub := &memorySub{
		broker:    b,
		sessionID: sessionID,
		id:        uuid.New().String(),
		ch:        make(chan *types.Envelope, subscriberBufferSize),
		done:      make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := b.subscribers[sessionID]; !ok {
		b.subscribers[sessionID] = make(map[string]*memorySub)
	}
	b.subscribers[sessionID][sub.id] = sub
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "session_id", sessionID, "sub_id", sub.id)

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

// Publish implements types.Publisher. Token and citation envelopes are
// dropped for a full subscriber; terminal envelopes wait up to
// terminalSendTimeout. No broker lock is held while waiting.
func (b *MemoryBroker) Publish(ctx context.Context, env *types.Envelope) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	subs := b.subscribers[env.SessionID]
	targets := make([]*memorySub, 0, len(subs))
	for _, s := range subs {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	var wait time.Duration
	if env.Terminal() {
		wait = terminalSendTimeout
	}
	for _, s := range targets {
		ok, err := s.send(ctx, env, wait)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if env.Terminal() {
			b.logger.Error("dropped terminal envelope", "session_id", env.SessionID, "turn_id", env.TurnID)
		} else {
			b.logger.Warn("dropped envelope for slow subscriber",
				"session_id", env.SessionID, "turn_id", env.TurnID, "type", env.Type)
		}
	}
	return nil
}

func (b *MemoryBroker) unsubscribe(sessionID types.SessionID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[sessionID]
	if !ok {
		return
	}
	if _, exists := subs[subID]; !exists {
		return
	}
	delete(subs, subID)
	if len(subs) == 0 {
		delete(b.subscribers, sessionID)
	}
	b.logger.Debug("subscriber removed", "session_id", sessionID, "sub_id", subID)
}

// Subscribers returns the number of live subscriptions for sessionID.
func (b *MemoryBroker) Subscribers(sessionID types.SessionID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[sessionID])
}

// Close implements Broker and closes every subscriber channel.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*memorySub
	for sessionID, subs := range b.subscribers {
		for _, s := range subs {
			all = append(all, s)
		}
		delete(b.subscribers, sessionID)
	}
	b.mu.Unlock()

	for _, s := range all {
		s.shut()
	}
	b.logger.Debug("broker closed")
	return nil
}
