package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/turnstile/pkg/llm"
)

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	prompt, err := llm.NewPromptBuilder(func(s string) int { return len(strings.Fields(s)) }, 4096, 512, "")
	require.NoError(t, err)
	return New(&llm.Config{BaseURL: url, APIKey: "test-key", Model: "gpt-4o-mini"}, prompt)
}

func writeSSE(w http.ResponseWriter, chunks ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, c := range chunks {
		fmt.Fprintf(w, "data: %s\n\n", c)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}
}

func TestStreamDeltas(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)

		body, _ := io.ReadAll(r.Body)
		var req chatRequest
		if !assert.NoError(t, json.Unmarshal(body, &req)) || !assert.NotEmpty(t, req.Messages) {
			return
		}
		assert.True(t, req.Stream)
		assert.Equal(t, "gpt-4o-mini", req.Model)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "hello?", req.Messages[len(req.Messages)-1].Content)

		writeSSE(w,
			`{"choices":[{"delta":{"content":"Hel"}}]}`,
			`{"choices":[{"delta":{"content":"lo"}}]}`,
			`{"choices":[],"usage":{"prompt_tokens":7,"completion_tokens":2,"total_tokens":9}}`,
			`[DONE]`,
		)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL+"/v1")
	text, usage, err := llm.Collect(context.Background(), c, llm.Request{Question: "hello?"})
	require.NoError(t, err)
	assert.Equal(t, "Hello", text)
	require.NotNil(t, usage)
	assert.Equal(t, 7, usage.InputTokens)
	assert.Equal(t, 2, usage.OutputTokens)
}

func TestStreamStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	_, err := c.Stream(context.Background(), llm.Request{Question: "q"})
	require.Error(t, err)

	var se *llm.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusTooManyRequests, se.StatusCode)
	assert.Equal(t, 3*time.Second, se.RetryAfter)
	assert.True(t, se.Temporary())
}

func TestStreamCutMidway(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w, `{"choices":[{"delta":{"content":"partial"}}]}`)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	text, _, err := llm.Collect(context.Background(), c, llm.Request{Question: "q"})
	assert.Equal(t, "partial", text)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestStreamInlineRateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w, `{"error":{"message":"tpm exceeded","type":"rate_limit_exceeded"}}`)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	_, _, err := llm.Collect(context.Background(), c, llm.Request{Question: "q"})
	var rl *llm.RateLimitError
	assert.True(t, errors.As(err, &rl))
}
