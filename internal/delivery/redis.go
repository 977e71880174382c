package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/user/turnstile/internal/types"
)

// redisChannelSize buffers messages between the pub/sub connection and the
// local fan-out.
const redisChannelSize = 1024

// RedisBroker carries envelopes between processes over Redis pub/sub. Each
// session publishes on <prefix>session:<id>; a process holds a single
// pattern subscription over all of them and fans out locally, so the number
// of Redis connections does not grow with sessions.
type RedisBroker struct {
	client redis.UniversalClient
	prefix string
	local  *MemoryBroker
	logger *slog.Logger

	mu     sync.Mutex
	ps     *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

// NewRedisBroker creates a broker on client. An empty prefix uses
// "turnstile:".
func NewRedisBroker(client redis.UniversalClient, prefix string, logger *slog.Logger) *RedisBroker {
	if prefix == "" {
		prefix = "turnstile:"
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "broker", "driver", "redis")
	return &RedisBroker{
		client: client,
		prefix: prefix,
		local:  NewMemoryBroker(logger),
		logger: logger,
	}
}

func (b *RedisBroker) channel(id types.SessionID) string {
	return b.prefix + "session:" + string(id)
}

// Publish implements types.Publisher.
func (b *RedisBroker) Publish(ctx context.Context, env *types.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(env.SessionID), data).Err(); err != nil {
		return fmt.Errorf("publishing envelope: %w", err)
	}
	return nil
}

// Subscribe implements Broker. The first call opens the process-wide
// pattern subscription and returns once Redis has confirmed it, so
// envelopes published afterwards are not missed.
func (b *RedisBroker) Subscribe(ctx context.Context, sessionID types.SessionID) (Subscription, error) {
	if err := b.listen(ctx); err != nil {
		return nil, err
	}
	return b.local.Subscribe(ctx, sessionID)
}

func (b *RedisBroker) listen(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.ps != nil {
		return nil
	}

	pattern := b.channel("*")
	ps := b.client.PSubscribe(ctx, pattern)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("subscribing to %s: %w", pattern, err)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	b.ps, b.cancel, b.done = ps, cancel, make(chan struct{})
	go b.pump(runCtx, ps.Channel(redis.WithChannelSize(redisChannelSize)))
	b.logger.Debug("pattern subscription open", "pattern", pattern)
	return nil
}

func (b *RedisBroker) pump(ctx context.Context, msgs <-chan *redis.Message) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var env types.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn("discarding malformed envelope", "channel", msg.Channel, "error", err)
				continue
			}
			if err := b.local.Publish(ctx, &env); err != nil && ctx.Err() == nil {
				b.logger.Error("fanning out envelope", "session_id", env.SessionID, "error", err)
			}
		}
	}
}

// Close implements Broker. It ends the pattern subscription and every local
// subscriber; the shared client is owned by the caller.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	ps, cancel, done := b.ps, b.cancel, b.done
	b.mu.Unlock()

	var err error
	if ps != nil {
		cancel()
		err = ps.Close()
		<-done
	}
	b.local.Close()
	return err
}
