package llm

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Message represents a chat message in a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Passage is a retrieved context fragment supplied alongside the question.
type Passage struct {
	ID     string  `json:"id"`
	Source string  `json:"source,omitempty"`
	Title  string  `json:"title,omitempty"`
	Text   string  `json:"text"`
	Score  float64 `json:"score,omitempty"`
}

// Request is one streaming call: the question, the retrieved context, and
// the prior exchanges of the session in chronological order.
type Request struct {
	Question string    `json:"question"`
	Context  []Passage `json:"context,omitempty"`
	History  []Message `json:"history,omitempty"`
}

// Usage tracks token consumption for a request/response pair.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Delta represents an incremental update during streaming. The final delta
// on a channel has Done set, or Err when the stream failed midway.
type Delta struct {
	Content string `json:"content,omitempty"`
	Done    bool   `json:"done,omitempty"`
	Usage   *Usage `json:"usage,omitempty"`
	Err     error  `json:"-"`
}

// StatusError is returned when the provider answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("provider error (status %d %s): %s", e.StatusCode, http.StatusText(e.StatusCode), body)
}

// Temporary reports whether the status is worth retrying.
func (e *StatusError) Temporary() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests, http.StatusRequestTimeout, http.StatusConflict:
		return true
	}
	return e.StatusCode >= 500
}

// RateLimitError reports that the provider's throughput limit was hit.
type RateLimitError struct {
	Message    string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limit: %s (retry after %s)", e.Message, e.RetryAfter)
	}
	return "rate limit: " + e.Message
}
