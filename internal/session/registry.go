// Package session owns per-connection session state: bounded chat history,
// the single outstanding turn, and routing of streamed output to whichever
// connection currently owns the session.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/user/turnstile/internal/delivery"
	"github.com/user/turnstile/internal/types"
)

const maxSessionIDLen = 128

var (
	// ErrNotFound is returned for an unknown or already evicted session.
	ErrNotFound = types.NewError(types.KindSessionNotFound, "session not found")
	// ErrInFlight is returned by Reserve while another turn is outstanding.
	ErrInFlight = types.NewError(types.KindAlreadyInFlight, "a question is already in flight for this session")
	// ErrInvalidID is returned for a malformed client-presented session id.
	ErrInvalidID = types.NewError(types.KindInvalidRequest, "invalid session id")
)

// Conn is the registry's view of a client connection. Send and Close are
// called with the registry lock held and must not block; Send reports false
// when the connection cannot take the envelope.
type Conn interface {
	ID() types.ConnID
	Send(env *types.Envelope) bool
	Close(reason string)
}

// Config bounds sessions.
type Config struct {
	MaxMessages     int
	MaxBytes        int
	IdleTimeout     time.Duration
	MaxLifetime     time.Duration
	ResultRetention time.Duration
	// BufferSize bounds envelopes held while no connection is attached.
	BufferSize int
	MaxResults int
	Now        func() time.Time
}

// Session is a point-in-time copy of a session's state.
type Session struct {
	ID           types.SessionID   `json:"id"`
	UserID       string            `json:"user_id"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActiveAt time.Time         `json:"last_active_at"`
	Messages     []types.Message   `json:"messages"`
	Bytes        int               `json:"bytes"`
	CorpusFilter string            `json:"corpus_filter,omitempty"`
	TraceContext map[string]string `json:"trace_context,omitempty"`
	ActiveTurn   types.TurnID      `json:"active_turn,omitempty"`
	ConnID       types.ConnID      `json:"conn_id,omitempty"`
}

// Evicted describes a session removed from the registry.
type Evicted struct {
	SessionID  types.SessionID
	ActiveTurn types.TurnID
	Conn       Conn
}

// Stats summarizes the registry.
type Stats struct {
	Sessions    int `json:"sessions"`
	Attached    int `json:"attached"`
	ActiveTurns int `json:"active_turns"`
	Buffered    int `json:"buffered"`
	Bytes       int `json:"history_bytes"`
	Results     int `json:"retained_results"`
}

type entry struct {
	Session
	conn     Conn
	buffer   []*types.Envelope
	sub      delivery.Subscription
	cancel   context.CancelFunc
	question string
	partial  strings.Builder
}

// Registry is the in-process session table.
type Registry struct {
	mu       sync.Mutex
	sessions map[types.SessionID]*entry
	cfg      Config
	broker   delivery.Broker
	results  *ResultCache
	logger   *slog.Logger
}

// NewRegistry creates a registry. Each live session subscribes to broker
// for its id.
func NewRegistry(cfg Config, broker delivery.Broker, logger *slog.Logger) *Registry {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 512
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[types.SessionID]*entry),
		cfg:      cfg,
		broker:   broker,
		results:  NewResultCache(cfg.ResultRetention, cfg.MaxResults, cfg.Now),
		logger:   logger.With("component", "session"),
	}
}

func (e *entry) snapshot() Session {
	s := e.Session
	s.Messages = append([]types.Message(nil), e.Messages...)
	if e.TraceContext != nil {
		s.TraceContext = make(map[string]string, len(e.TraceContext))
		for k, v := range e.TraceContext {
			s.TraceContext[k] = v
		}
	}
	if e.conn != nil {
		s.ConnID = e.conn.ID()
	}
	return s
}

func (r *Registry) expired(e *entry, now time.Time) bool {
	if r.cfg.IdleTimeout > 0 && now.Sub(e.LastActiveAt) > r.cfg.IdleTimeout {
		return true
	}
	if r.cfg.MaxLifetime > 0 && now.Sub(e.CreatedAt) > r.cfg.MaxLifetime {
		return true
	}
	return false
}

// Resume binds conn to a session. An empty id creates a fresh session; a
// known id within the idle window is resumed; an unknown id is created under
// that id so a client can resume against a process that never saw it.
// The connection previously owning the session is returned so the caller can
// close it as superseded. Envelopes buffered while detached are flushed to
// conn.
func (r *Registry) Resume(ctx context.Context, id types.SessionID, userID string, conn Conn) (Session, Conn, error) {
	if len(id) > maxSessionIDLen || strings.ContainsAny(string(id), " \t\r\n") {
		return Session{}, nil, ErrInvalidID
	}

	now := r.cfg.Now()
	var stale Conn
	r.mu.Lock()
	if e, ok := r.sessions[id]; ok && id != "" {
		switch {
		case r.expired(e, now):
			// Past the idle window: start over under a fresh id.
			r.mu.Unlock()
			if ev, ok := r.remove(id); ok {
				stale = ev.Conn
			}
			id = ""
		case e.UserID != userID && !(types.IsAnonymous(e.UserID) && types.IsAnonymous(userID)):
			r.mu.Unlock()
			return Session{}, nil, ErrNotFound
		default:
			prev := e.conn
			e.conn = conn
			e.LastActiveAt = now
			r.flushLocked(e)
			s := e.snapshot()
			r.mu.Unlock()
			if prev != nil && prev.ID() == conn.ID() {
				prev = nil
			}
			r.logger.Debug("session resumed", "session_id", s.ID, "conn_id", conn.ID())
			return s, prev, nil
		}
	} else {
		r.mu.Unlock()
	}

	if id == "" {
		id = types.NewSessionID()
	}
	sess, _, err := r.create(ctx, id, userID, conn, now)
	if stale != nil && stale.ID() == conn.ID() {
		stale = nil
	}
	return sess, stale, err
}

func (r *Registry) create(ctx context.Context, id types.SessionID, userID string, conn Conn, now time.Time) (Session, Conn, error) {
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub, err := r.broker.Subscribe(subCtx, id)
	if err != nil {
		cancel()
		return Session{}, nil, err
	}

	r.mu.Lock()
	if _, raced := r.sessions[id]; raced {
		r.mu.Unlock()
		sub.Close()
		cancel()
		return r.Resume(ctx, id, userID, conn)
	}
	e := &entry{
		Session: Session{ID: id, UserID: userID, CreatedAt: now, LastActiveAt: now},
		conn:    conn,
		sub:     sub,
		cancel:  cancel,
	}
	r.sessions[id] = e
	s := e.snapshot()
	r.mu.Unlock()

	go r.pump(sub)
	r.logger.Info("session created", "session_id", id, "user_id", userID, "conn_id", conn.ID())
	return s, nil, nil
}

func (r *Registry) pump(sub delivery.Subscription) {
	for env := range sub.C() {
		r.Deliver(env)
	}
}

// Detach unbinds connID from the session. A running turn keeps going and
// its output is buffered.
func (r *Registry) Detach(id types.SessionID, connID types.ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[id]; ok && e.conn != nil && e.conn.ID() == connID {
		e.conn = nil
		e.LastActiveAt = r.cfg.Now()
	}
}

// Touch records client activity.
func (r *Registry) Touch(id types.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[id]; ok {
		e.LastActiveAt = r.cfg.Now()
	}
}

// Get returns a snapshot of the session.
func (r *Registry) Get(id types.SessionID) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return e.snapshot(), true
}

// History returns a copy of the session's messages.
func (r *Registry) History(id types.SessionID) []types.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[id]; ok {
		return append([]types.Message(nil), e.Messages...)
	}
	return nil
}

// CorpusFilter returns the session's active corpus filter.
func (r *Registry) CorpusFilter(id types.SessionID) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[id]; ok {
		return e.CorpusFilter
	}
	return ""
}

// SetCorpusFilter replaces the session's corpus filter.
func (r *Registry) SetCorpusFilter(id types.SessionID, filter string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	e.CorpusFilter = filter
	return nil
}

// TraceContext returns a copy of the session's trace correlation fields.
func (r *Registry) TraceContext(id types.SessionID) map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[id]; ok {
		return e.snapshot().TraceContext
	}
	return nil
}

// SetTraceContext replaces the session's trace correlation fields.
func (r *Registry) SetTraceContext(id types.SessionID, tc map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	e.TraceContext = tc
	return nil
}

// Reset clears the session's history. The outstanding turn, if any, keeps
// running and its exchange is recorded when it ends.
func (r *Registry) Reset(id types.SessionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	e.Messages = nil
	e.Bytes = 0
	e.LastActiveAt = r.cfg.Now()
	return nil
}

// Reserve marks turnID as the session's outstanding turn. It fails with
// ErrInFlight while another turn is outstanding. question is paired with the
// answer in history once the turn ends.
func (r *Registry) Reserve(id types.SessionID, turnID types.TurnID, question string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if e.ActiveTurn != "" {
		return ErrInFlight
	}
	e.ActiveTurn = turnID
	e.question = question
	e.partial.Reset()
	e.LastActiveAt = r.cfg.Now()
	return nil
}

// Release clears the outstanding turn if it is still turnID.
func (r *Registry) Release(id types.SessionID, turnID types.TurnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[id]; ok && e.ActiveTurn == turnID {
		e.ActiveTurn = ""
		e.question = ""
		e.partial.Reset()
	}
}

// ActiveTurn returns the outstanding turn, if any.
func (r *Registry) ActiveTurn(id types.SessionID) types.TurnID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[id]; ok {
		return e.ActiveTurn
	}
	return ""
}

// Append adds msgs to the session's history as one unit and trims.
func (r *Registry) Append(id types.SessionID, msgs ...types.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	r.appendLocked(e, msgs)
	return nil
}

func (r *Registry) appendLocked(e *entry, msgs []types.Message) {
	if r.cfg.MaxBytes > 0 {
		// No single unit may exceed the byte cap; later messages give way first.
		total := 0
		for _, m := range msgs {
			total += len(m.Content)
		}
		for i := len(msgs) - 1; i >= 0 && total > r.cfg.MaxBytes; i-- {
			over := total - r.cfg.MaxBytes
			keep := max(len(msgs[i].Content)-over, 0)
			cut := truncateBytes(msgs[i].Content, keep)
			total -= len(msgs[i].Content) - len(cut)
			msgs[i].Content = cut
			msgs[i].Incomplete = true
		}
	}
	for _, m := range msgs {
		e.Messages = append(e.Messages, m)
		e.Bytes += len(m.Content)
	}
	r.trimLocked(e)
}

// trimLocked evicts oldest messages first, removing a question together with
// its answer.
func (r *Registry) trimLocked(e *entry) {
	over := func() bool {
		return (r.cfg.MaxMessages > 0 && len(e.Messages) > r.cfg.MaxMessages) ||
			(r.cfg.MaxBytes > 0 && e.Bytes > r.cfg.MaxBytes)
	}
	for over() && len(e.Messages) > 0 {
		n := 1
		if len(e.Messages) > 1 && e.Messages[0].Role == types.RoleUser &&
			e.Messages[1].Role == types.RoleAssistant && e.Messages[0].TurnID == e.Messages[1].TurnID {
			n = 2
		}
		for _, m := range e.Messages[:n] {
			e.Bytes -= len(m.Content)
		}
		e.Messages = append(e.Messages[:0:0], e.Messages[n:]...)
	}
}

func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Deliver routes a published envelope to the connection that owns the
// session now, or buffers it while none is attached. Terminal envelopes for
// the outstanding turn clear it, record the exchange in history, and are
// retained for reconnect recovery.
func (r *Registry) Deliver(env *types.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[env.SessionID]
	if !ok {
		r.logger.Debug("envelope for unknown session", "session_id", env.SessionID, "turn_id", env.TurnID)
		return
	}

	if env.TurnID == e.ActiveTurn {
		switch env.Type {
		case types.EnvelopeToken:
			var p types.TokenPayload
			if json.Unmarshal(env.Payload, &p) == nil {
				if p.Reset {
					e.partial.Reset()
				}
				e.partial.WriteString(p.Text)
			}
		case types.EnvelopeComplete, types.EnvelopeError:
			r.finishLocked(e, env)
		}
	}
	if env.Terminal() {
		r.results.Put(env)
	}

	if e.conn != nil {
		// Envelopes still pending from a resume go out first.
		if r.flushLocked(e) && e.conn.Send(env) {
			return
		}
		if len(e.buffer) == 0 || len(e.buffer) >= r.cfg.BufferSize {
			r.logger.Warn("connection cannot keep up, detaching", "session_id", e.ID, "conn_id", e.conn.ID())
			e.conn.Close("slow_consumer")
			e.conn = nil
		}
	}
	r.bufferLocked(e, env)
}

// Flush sends envelopes still pending for connID. The connection calls it
// whenever its outbound queue has drained.
func (r *Registry) Flush(id types.SessionID, connID types.ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[id]; ok && e.conn != nil && e.conn.ID() == connID && len(e.buffer) > 0 {
		r.flushLocked(e)
	}
}

func (r *Registry) finishLocked(e *entry, env *types.Envelope) {
	now := r.cfg.Now()
	answer, incomplete := e.partial.String(), false
	if env.Type == types.EnvelopeComplete {
		var p types.CompletePayload
		if json.Unmarshal(env.Payload, &p) == nil {
			answer = p.Text
		}
	} else {
		var p types.ErrorPayload
		if json.Unmarshal(env.Payload, &p) == nil && p.Partial != "" {
			answer = p.Partial
		}
		incomplete = true
	}
	if answer != "" {
		r.appendLocked(e, []types.Message{
			{Role: types.RoleUser, Content: e.question, TurnID: env.TurnID, At: now},
			{Role: types.RoleAssistant, Content: answer, TurnID: env.TurnID, Incomplete: incomplete, At: now},
		})
	}
	e.ActiveTurn = ""
	e.question = ""
	e.partial.Reset()
	e.LastActiveAt = now
}

// bufferLocked holds env for a detached session. When full, the oldest
// non-terminal envelope is dropped; terminal envelopes are only dropped when
// nothing else is left to drop.
func (r *Registry) bufferLocked(e *entry, env *types.Envelope) {
	if len(e.buffer) >= r.cfg.BufferSize {
		drop := 0
		for i, b := range e.buffer {
			if !b.Terminal() {
				drop = i
				break
			}
		}
		e.buffer = append(e.buffer[:drop], e.buffer[drop+1:]...)
	}
	e.buffer = append(e.buffer, env)
}

// flushLocked sends buffered envelopes in order and reports whether the
// buffer is empty. Whatever the connection cannot take stays pending; once
// that happens, token and citation envelopes of turns whose terminal
// envelope is also pending are dropped, since the terminal carries the
// answer.
func (r *Registry) flushLocked(e *entry) bool {
	for i, env := range e.buffer {
		if !e.conn.Send(env) {
			e.buffer = compact(e.buffer[i:])
			return false
		}
	}
	e.buffer = nil
	return true
}

func compact(buf []*types.Envelope) []*types.Envelope {
	done := make(map[types.TurnID]bool)
	for _, env := range buf {
		if env.Terminal() {
			done[env.TurnID] = true
		}
	}
	if len(done) == 0 {
		return buf
	}
	out := make([]*types.Envelope, 0, len(buf))
	for _, env := range buf {
		if env.Terminal() || !done[env.TurnID] {
			out = append(out, env)
		}
	}
	return out
}

// Result returns a retained terminal envelope for turnID.
func (r *Registry) Result(turnID types.TurnID) (*types.Envelope, bool) {
	return r.results.Get(turnID)
}

// Remove deletes the session and releases its subscription. It reports
// false when the session was already gone.
func (r *Registry) Remove(id types.SessionID) (Evicted, bool) {
	return r.remove(id)
}

func (r *Registry) remove(id types.SessionID) (Evicted, bool) {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return Evicted{}, false
	}
	e.cancel()
	e.sub.Close()
	return Evicted{SessionID: id, ActiveTurn: e.ActiveTurn, Conn: e.conn}, true
}

// EvictExpired removes every session past its idle or lifetime ceiling and
// prunes expired results. Each session is reported exactly once.
func (r *Registry) EvictExpired() []Evicted {
	now := r.cfg.Now()
	r.mu.Lock()
	var ids []types.SessionID
	for id, e := range r.sessions {
		if r.expired(e, now) {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	var evicted []Evicted
	for _, id := range ids {
		if ev, ok := r.remove(id); ok {
			evicted = append(evicted, ev)
		}
	}
	if pruned := r.results.Prune(); pruned > 0 {
		r.logger.Debug("pruned retained results", "count", pruned)
	}
	return evicted
}

// Stats returns registry counters.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Stats{Sessions: len(r.sessions), Results: r.results.Len()}
	for _, e := range r.sessions {
		if e.conn != nil {
			st.Attached++
		}
		if e.ActiveTurn != "" {
			st.ActiveTurns++
		}
		st.Buffered += len(e.buffer)
		st.Bytes += e.Bytes
	}
	return st
}

// Close removes every session.
func (r *Registry) Close() []Evicted {
	r.mu.Lock()
	ids := make([]types.SessionID, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var out []Evicted
	for _, id := range ids {
		if ev, ok := r.remove(id); ok {
			out = append(out, ev)
		}
	}
	return out
}

// IsNotFound reports whether err is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
