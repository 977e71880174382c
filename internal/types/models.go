// internal/types/models.go
package types

import (
	"encoding/json"
	"time"
)

// TurnStatus is the lifecycle state of a Turn.
type TurnStatus string

const (
	TurnQueued    TurnStatus = "queued"
	TurnRunning   TurnStatus = "running"
	TurnStreaming TurnStatus = "streaming"
	TurnComplete  TurnStatus = "complete"
	TurnFailed    TurnStatus = "failed"
	TurnCancelled TurnStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s TurnStatus) Terminal() bool {
	return s == TurnComplete || s == TurnFailed || s == TurnCancelled
}

// Active reports whether the turn currently holds a concurrency slot.
func (s TurnStatus) Active() bool {
	return s == TurnRunning || s == TurnStreaming
}

// Message is one entry of a session's chat history.
type Message struct {
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	TurnID     TurnID    `json:"turn_id,omitempty"`
	Incomplete bool      `json:"incomplete,omitempty"`
	At         time.Time `json:"at"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one question/answer exchange. The queue entry (lease columns and
// FIFO sequence) lives on the same record so retry state survives restarts.
type Turn struct {
	ID           TurnID            `json:"id"`
	SessionID    SessionID         `json:"session_id"`
	UserID       string            `json:"user_id"`
	Question     string            `json:"question"`
	CorpusFilter string            `json:"corpus_filter,omitempty"`
	TraceContext map[string]string `json:"trace_context,omitempty"`
	History      []Message         `json:"history,omitempty"`

	Status         TurnStatus `json:"status"`
	Attempts       int        `json:"attempts"`
	Seq            int64      `json:"seq"`
	EnqueuedAt     time.Time  `json:"enqueued_at"`
	StartedAt      time.Time  `json:"started_at,omitzero"`
	CompletedAt    time.Time  `json:"completed_at,omitzero"`
	NextEligibleAt time.Time  `json:"next_eligible_at,omitzero"`

	LeaseOwner  string     `json:"lease_owner,omitempty"`
	LeaseToken  LeaseToken `json:"lease_token,omitempty"`
	LeaseExpiry time.Time  `json:"lease_expiry,omitzero"`

	LastErrorKind ErrorKind `json:"last_error_kind,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	Result        string    `json:"result,omitempty"`
	Truncated     bool      `json:"truncated,omitempty"`
	Incomplete    bool      `json:"incomplete,omitempty"`
}

// Retries is the number of executions beyond the first.
func (t *Turn) Retries() int {
	if t.Attempts <= 1 {
		return 0
	}
	return t.Attempts - 1
}

// EnvelopeType identifies a server-to-client frame.
type EnvelopeType string

const (
	EnvelopeToken    EnvelopeType = "token"
	EnvelopeCitation EnvelopeType = "citation"
	EnvelopeComplete EnvelopeType = "complete"
	EnvelopeError    EnvelopeType = "error"
)

// Envelope is the unit published per session and relayed to the client.
type Envelope struct {
	Type      EnvelopeType    `json:"type"`
	SessionID SessionID       `json:"session_id,omitempty"`
	TurnID    TurnID          `json:"turn_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Terminal reports whether the envelope ends its turn.
func (e *Envelope) Terminal() bool {
	return e.Type == EnvelopeComplete || e.Type == EnvelopeError
}

// TokenPayload carries a streamed text delta. Reset tells the client to
// discard text received from an earlier attempt of the same turn.
type TokenPayload struct {
	Text  string `json:"text"`
	Reset bool   `json:"reset,omitempty"`
}

// CitationPayload references a retrieved passage used to answer.
type CitationPayload struct {
	ID     string  `json:"id"`
	Source string  `json:"source,omitempty"`
	Title  string  `json:"title,omitempty"`
	Score  float64 `json:"score,omitempty"`
}

// Usage reports provider token consumption.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// CompletePayload ends a successful turn.
type CompletePayload struct {
	Text      string `json:"text"`
	Truncated bool   `json:"truncated,omitempty"`
	Attempts  int    `json:"attempts"`
	Usage     Usage  `json:"usage"`
}

// ErrorPayload ends a failed turn. Partial holds output streamed before the
// failure; it is kept rather than discarded.
type ErrorPayload struct {
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	Attempts   int       `json:"attempts,omitempty"`
	Incomplete bool      `json:"incomplete,omitempty"`
	Partial    string    `json:"partial,omitempty"`
}

// NewEnvelope marshals payload into an envelope for the given turn.
func NewEnvelope(typ EnvelopeType, sessionID SessionID, turnID TurnID, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: typ, SessionID: sessionID, TurnID: turnID, Payload: data}, nil
}

// SubmitRequest is the client's question submission.
type SubmitRequest struct {
	SessionID    SessionID `json:"session_id"`
	TurnID       TurnID    `json:"turn_id,omitempty"`
	Question     string    `json:"question"`
	CorpusFilter string    `json:"corpus_filter,omitempty"`
}

// SubmitAck acknowledges a queued turn.
type SubmitAck struct {
	TurnID TurnID     `json:"turn_id"`
	Status TurnStatus `json:"status"`
}
