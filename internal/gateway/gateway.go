// Package gateway terminates client WebSocket connections, binds each to a
// session, and relays submissions and streamed output. It also serves the
// small HTTP API next to the WebSocket endpoint.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/user/turnstile/internal/admission"
	"github.com/user/turnstile/internal/auth"
	"github.com/user/turnstile/internal/queue"
	"github.com/user/turnstile/internal/session"
	"github.com/user/turnstile/internal/types"
)

// Config bounds connections.
type Config struct {
	MaxConnections int
	IdleTimeout    time.Duration
	MaxLifetime    time.Duration
	// MaxMessages caps inbound frames per connection; zero is unlimited.
	MaxMessages    int
	ReadLimit      int64
	SendBuffer     int
	WriteTimeout   time.Duration
	AllowedOrigins []string
}

// Server is the client-facing HTTP handler.
type Server struct {
	cfg       Config
	sessions  *session.Registry
	admission *admission.Controller
	queue     *queue.Queue
	identity  auth.Identifier
	logger    *slog.Logger
	mux       *http.ServeMux

	mu      sync.Mutex
	conns   map[types.ConnID]*conn
	pending int
	closing bool
	wg      sync.WaitGroup
}

// New creates a Server.
func New(cfg Config, sessions *session.Registry, adm *admission.Controller, q *queue.Queue, identity auth.Identifier, logger *slog.Logger) *Server {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		sessions:  sessions,
		admission: adm,
		queue:     q,
		identity:  identity,
		logger:    logger.With("component", "gateway"),
		mux:       http.NewServeMux(),
		conns:     make(map[types.ConnID]*conn),
	}
	s.mux.HandleFunc("GET /ws", s.handleWS)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)
	s.mux.HandleFunc("GET /api/turns/{id}", s.handleTurn)
	s.mux.HandleFunc("POST /api/submit", s.handleSubmit)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Connections returns the number of open or opening connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// reserve claims a connection slot. It fails at the ceiling and after
// Shutdown.
func (s *Server) reserve() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing || (s.cfg.MaxConnections > 0 && s.pending >= s.cfg.MaxConnections) {
		return false
	}
	s.pending++
	s.wg.Add(1)
	return true
}

func (s *Server) release(c *conn) {
	s.mu.Lock()
	s.pending--
	if c != nil {
		delete(s.conns, c.id)
	}
	s.mu.Unlock()
	s.wg.Done()
}

// track registers c for Shutdown. A connection that arrives after Shutdown
// started is closed immediately.
func (s *Server) track(c *conn) {
	s.mu.Lock()
	closing := s.closing
	if !closing {
		s.conns[c.id] = c
	}
	s.mu.Unlock()
	if closing {
		c.Close(ReasonServerShutdown)
	}
}

// Shutdown stops accepting connections, closes the open ones, and waits for
// their handlers to return or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close(ReasonServerShutdown)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func bearer(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	return r.Header.Get("Authorization")
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.reserve() {
		writeError(w, http.StatusServiceUnavailable, types.NewError(types.KindOverCapacity, "connection limit reached"))
		return
	}
	var c *conn
	defer func() { s.release(c) }()

	userID, authErr := s.identity.Identify(bearer(r))

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	if s.cfg.ReadLimit > 0 {
		ws.SetReadLimit(s.cfg.ReadLimit)
	}
	if authErr != nil {
		s.logger.Info("rejecting connection", "reason", ReasonUnauthorized, "error", authErr)
		ws.Close(closeStatus(ReasonUnauthorized), ReasonUnauthorized)
		return
	}

	ctx := r.Context()
	c = newConn(ws, userID, s.cfg.SendBuffer)
	logger := s.logger.With("conn_id", c.id, "user_id", userID)

	sess, prev, err := s.sessions.Resume(ctx, types.SessionID(r.URL.Query().Get("session_id")), userID, c)
	if err != nil {
		reason := ReasonProtocolError
		if session.IsNotFound(err) {
			reason = ReasonUnauthorized
		}
		logger.Info("session bind failed", "error", err)
		wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
		wsjson.Write(wctx, ws, rejected("", err))
		cancel()
		ws.Close(closeStatus(reason), reason)
		return
	}
	if prev != nil {
		prev.Close(ReasonSuperseded)
	}
	s.track(c)
	logger = logger.With("session_id", sess.ID)
	logger.Debug("connection bound")

	c.drained = func() { s.sessions.Flush(sess.ID, c.id) }
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop(ctx, s.cfg.WriteTimeout, serverFrame{Type: FrameSession, SessionID: sess.ID})
	}()

	if id := types.TurnID(r.URL.Query().Get("last_turn_id")); id != "" {
		s.recoverTurn(ctx, c, sess.ID, id)
	}

	activity := make(chan struct{}, 1)
	readDone := make(chan error, 1)
	go func() { readDone <- s.readLoop(ctx, c, sess.ID, activity) }()

	err = s.supervise(c, activity, readDone)
	<-writerDone
	if err == nil {
		err = <-readDone
	}
	s.sessions.Detach(sess.ID, c.id)
	logger.Debug("connection closed", "reason", c.closeReason(), "error", err)
}

// supervise enforces the idle and lifetime ceilings and ends the connection
// when the reader stops. It returns the reader's error if it saw one.
func (s *Server) supervise(c *conn, activity <-chan struct{}, readDone <-chan error) error {
	var idle, lifetime <-chan time.Time
	var idleTimer *time.Timer
	if s.cfg.IdleTimeout > 0 {
		idleTimer = time.NewTimer(s.cfg.IdleTimeout)
		defer idleTimer.Stop()
		idle = idleTimer.C
	}
	if s.cfg.MaxLifetime > 0 {
		t := time.NewTimer(s.cfg.MaxLifetime)
		defer t.Stop()
		lifetime = t.C
	}

	for {
		select {
		case <-activity:
			if idleTimer != nil {
				idleTimer.Reset(s.cfg.IdleTimeout)
			}
		case <-idle:
			c.Close(ReasonIdleTimeout)
		case <-lifetime:
			c.Close(ReasonMaxLifetime)
		case err := <-readDone:
			c.Close(readErrorReason(err))
			return err
		case <-c.done:
			return nil
		}
	}
}

func readErrorReason(err error) string {
	var syntax *json.SyntaxError
	switch {
	case err == nil:
		return ReasonClientClosed
	case errors.As(err, &syntax):
		return ReasonProtocolError
	default:
		return ReasonClientClosed
	}
}

func (s *Server) readLoop(ctx context.Context, c *conn, sid types.SessionID, activity chan<- struct{}) error {
	count := 0
	for {
		var f clientFrame
		if err := wsjson.Read(ctx, c.ws, &f); err != nil {
			return err
		}
		select {
		case activity <- struct{}{}:
		default:
		}
		count++
		if s.cfg.MaxMessages > 0 && count > s.cfg.MaxMessages {
			c.Close(ReasonMessageLimit)
			return nil
		}
		s.sessions.Touch(sid)

		switch f.Type {
		case FrameSubmit:
			s.submit(ctx, c, sid, f)
		case FrameReset:
			s.reset(c, sid)
		case FramePing:
			s.reply(c, serverFrame{Type: FramePong})
		default:
			c.Close(ReasonProtocolError)
			return nil
		}
	}
}

// reply queues a control frame; a client too slow to take it is dropped.
func (s *Server) reply(c *conn, frame any) {
	if !c.enqueue(frame) {
		c.Close(ReasonSlowConsumer)
	}
}

func (s *Server) submit(ctx context.Context, c *conn, sid types.SessionID, f clientFrame) {
	if f.SessionID != "" && f.SessionID != sid {
		s.reply(c, rejected(f.TurnID, types.NewError(types.KindInvalidRequest, "session_id does not match this connection")))
		return
	}
	ack, err := s.admission.Submit(ctx, c.userID, types.SubmitRequest{
		SessionID:    sid,
		TurnID:       f.TurnID,
		Question:     f.Question,
		CorpusFilter: f.CorpusFilter,
	})
	if err != nil {
		s.logger.Debug("submission rejected", "session_id", sid, "kind", types.KindOf(err), "error", err)
		s.reply(c, rejected(f.TurnID, err))
		return
	}
	s.reply(c, serverFrame{Type: FrameAck, TurnID: ack.TurnID, Status: ack.Status})
}

func (s *Server) reset(c *conn, sid types.SessionID) {
	if active := s.sessions.ActiveTurn(sid); active != "" {
		s.reply(c, rejected(active, session.ErrInFlight))
		return
	}
	if err := s.sessions.Reset(sid); err != nil {
		s.reply(c, rejected("", err))
		return
	}
	s.reply(c, serverFrame{Type: FrameSession, SessionID: sid})
}

// recoverTurn resends the terminal event of a turn the client may have
// missed while disconnected: from the retained results, or rebuilt from the
// queue record.
func (s *Server) recoverTurn(ctx context.Context, c *conn, sid types.SessionID, id types.TurnID) {
	if env, ok := s.sessions.Result(id); ok && env.SessionID == sid {
		c.Send(env)
		return
	}
	t, err := s.queue.Get(ctx, id)
	if err != nil || t.SessionID != sid || !t.Status.Terminal() {
		return
	}
	env, err := queue.ResultEnvelope(t)
	if err != nil {
		s.logger.Error("rebuilding turn result", "turn_id", id, "error", err)
		return
	}
	c.Send(env)
}

// rejected builds the client-facing rejection frame for err.
func rejected(turnID types.TurnID, err error) serverFrame {
	obj := errorObject(err)
	return serverFrame{Type: FrameRejected, TurnID: turnID, Payload: &obj}
}

func errorObject(err error) types.ErrorObject {
	var te *types.Error
	if !errors.As(err, &te) {
		return types.ErrorObject{Kind: types.KindInternal, Message: "internal error"}
	}
	obj := te.Object()
	if obj.Kind == types.KindResourceExhausted {
		obj.Kind = types.KindOverCapacity
	}
	return obj
}
