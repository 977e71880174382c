package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/user/turnstile/internal/types"
)

// Close reasons sent to clients in the close frame.
const (
	ReasonIdleTimeout    = "idle_timeout"
	ReasonMaxLifetime    = "max_lifetime"
	ReasonMessageLimit   = "message_limit"
	ReasonSuperseded     = "superseded"
	ReasonSessionEvicted = "session_evicted"
	ReasonServerShutdown = "server_shutdown"
	ReasonProtocolError  = "protocol_error"
	ReasonUnauthorized   = "unauthorized"
	ReasonSlowConsumer   = "slow_consumer"
	ReasonClientClosed   = "client_closed"
)

func closeStatus(reason string) websocket.StatusCode {
	switch reason {
	case ReasonServerShutdown, ReasonIdleTimeout, ReasonMaxLifetime:
		return websocket.StatusGoingAway
	case ReasonProtocolError:
		return websocket.StatusProtocolError
	case ReasonUnauthorized, ReasonMessageLimit:
		return websocket.StatusPolicyViolation
	case ReasonSlowConsumer:
		return websocket.StatusTryAgainLater
	default:
		return websocket.StatusNormalClosure
	}
}

// Frame types beyond the envelope types.
const (
	FrameSubmit   = "submit"
	FrameReset    = "reset"
	FramePing     = "ping"
	FramePong     = "pong"
	FrameSession  = "session"
	FrameAck      = "ack"
	FrameRejected = "rejected"
)

// clientFrame is anything a client sends.
type clientFrame struct {
	Type         string          `json:"type"`
	SessionID    types.SessionID `json:"session_id,omitempty"`
	TurnID       types.TurnID    `json:"turn_id,omitempty"`
	Question     string          `json:"question,omitempty"`
	CorpusFilter string          `json:"corpus_filter,omitempty"`
}

// serverFrame is every server frame that is not a turn envelope.
type serverFrame struct {
	Type      string             `json:"type"`
	SessionID types.SessionID    `json:"session_id,omitempty"`
	TurnID    types.TurnID       `json:"turn_id,omitempty"`
	Status    types.TurnStatus   `json:"status,omitempty"`
	Payload   *types.ErrorObject `json:"payload,omitempty"`
}

// conn is one client WebSocket. Outbound frames go through a bounded
// channel drained by a single writer; Send never blocks.
type conn struct {
	id     types.ConnID
	userID string
	ws     *websocket.Conn
	out    chan any
	// drained is called by the writer whenever out empties.
	drained func()

	closeOnce sync.Once
	done      chan struct{}
	mu        sync.Mutex
	reason    string
}

func newConn(ws *websocket.Conn, userID string, buffer int) *conn {
	if buffer <= 0 {
		buffer = 256
	}
	return &conn{
		id:     types.NewConnID(),
		userID: userID,
		ws:     ws,
		out:    make(chan any, buffer),
		done:   make(chan struct{}),
	}
}

func (c *conn) ID() types.ConnID { return c.id }

// Send queues env for the writer. It reports false when the buffer is full
// or the connection is closing.
func (c *conn) Send(env *types.Envelope) bool {
	return c.enqueue(env)
}

func (c *conn) enqueue(frame any) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- frame:
		return true
	default:
		return false
	}
}

// Close asks the writer to end the connection with reason. Only the first
// reason counts.
func (c *conn) Close(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *conn) closeReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// writeLoop owns every write to the socket, including the close frame.
// first is written ahead of anything already queued.
func (c *conn) writeLoop(ctx context.Context, timeout time.Duration, first ...any) {
	write := func(frame any) {
		wctx, cancel := context.WithTimeout(ctx, timeout)
		err := wsjson.Write(wctx, c.ws, frame)
		cancel()
		if err != nil {
			c.Close(ReasonClientClosed)
		}
	}
	for _, frame := range first {
		write(frame)
	}
	if c.drained != nil {
		c.drained()
	}
	for {
		select {
		case frame := <-c.out:
			write(frame)
			if len(c.out) == 0 && c.drained != nil {
				c.drained()
			}
		case <-c.done:
			reason := c.closeReason()
			c.ws.Close(closeStatus(reason), reason)
			return
		}
	}
}
