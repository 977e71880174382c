package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/user/turnstile/pkg/llm"
)

// Client implements the llm.Provider interface for OpenAI-compatible APIs
// using server-sent-event streaming.
type Client struct {
	config     *llm.Config
	prompt     *llm.PromptBuilder
	httpClient *http.Client
}

// New creates a new OpenAI-compatible client. prompt renders the request
// into chat messages.
func New(config *llm.Config, prompt *llm.PromptBuilder) *Client {
	return &Client{
		config: config,
		prompt: prompt,
		// No overall timeout: streams are bounded by the caller's context.
		httpClient: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: 60 * time.Second,
				IdleConnTimeout:       90 * time.Second,
			},
		},
	}
}

// Name implements llm.Provider.
func (c *Client) Name() string { return "openai" }

// chatRequest is the OpenAI chat completions request body.
type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []llm.Message  `json:"messages"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Temperature   *float32       `json:"temperature,omitempty"`
	Stream        bool           `json:"stream"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// chunk is one SSE data payload.
type chunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Stream implements llm.Provider.
func (c *Client) Stream(ctx context.Context, r llm.Request) (<-chan llm.Delta, error) {
	messages, err := c.prompt.Build(r)
	if err != nil {
		return nil, err
	}

	reqBody := chatRequest{
		Model:         c.config.Model,
		Messages:      messages,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	}
	if c.config.MaxTokens > 0 {
		reqBody.MaxTokens = c.config.MaxTokens
	}
	if c.config.Temperature != 0 {
		temp := c.config.Temperature
		reqBody.Temperature = &temp
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := c.config.BaseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &llm.StatusError{
			StatusCode: resp.StatusCode,
			Body:       string(respBody),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	ch := make(chan llm.Delta, 16)
	go c.readStream(ctx, resp.Body, ch)
	return ch, nil
}

func (c *Client) readStream(ctx context.Context, body io.ReadCloser, ch chan<- llm.Delta) {
	defer close(ch)
	defer body.Close()

	send := func(d llm.Delta) bool {
		select {
		case ch <- d:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var usage *llm.Usage
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			send(llm.Delta{Done: true, Usage: usage})
			return
		}

		var ck chunk
		if err := json.Unmarshal([]byte(data), &ck); err != nil {
			send(llm.Delta{Err: fmt.Errorf("parsing stream chunk: %w", err)})
			return
		}
		if ck.Error != nil {
			err := fmt.Errorf("stream error (%s): %s", ck.Error.Type, ck.Error.Message)
			if ck.Error.Type == "rate_limit_exceeded" || ck.Error.Type == "rate_limit_error" {
				err = &llm.RateLimitError{Message: ck.Error.Message}
			}
			send(llm.Delta{Err: err})
			return
		}
		if ck.Usage != nil {
			usage = &llm.Usage{
				InputTokens:  ck.Usage.PromptTokens,
				OutputTokens: ck.Usage.CompletionTokens,
				TotalTokens:  ck.Usage.TotalTokens,
			}
		}
		for _, choice := range ck.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			if !send(llm.Delta{Content: choice.Delta.Content}) {
				return
			}
		}
	}

	if err := scanner.Err(); err != nil {
		send(llm.Delta{Err: fmt.Errorf("reading stream: %w", err)})
		return
	}
	if err := ctx.Err(); err != nil {
		send(llm.Delta{Err: err})
		return
	}
	// Stream ended without [DONE]; the connection was cut.
	send(llm.Delta{Err: io.ErrUnexpectedEOF})
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}
