package llm

import (
	"context"
	"strings"
)

// Provider defines the interface for interacting with LLM backends.
// Implementations handle protocol-specific details such as request formatting,
// authentication, and response parsing.
type Provider interface {
	// Stream starts a completion and returns a channel of incremental deltas.
	// The channel is closed after the terminal delta. Errors that occur before
	// any output are returned directly.
	Stream(ctx context.Context, req Request) (<-chan Delta, error)

	// Name identifies the backend in logs.
	Name() string
}

// Config holds common configuration for LLM providers.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
}

// Collect drains a stream into a single string. It returns the text received
// so far together with the stream error, if any.
func Collect(ctx context.Context, p Provider, req Request) (string, *Usage, error) {
	ch, err := p.Stream(ctx, req)
	if err != nil {
		return "", nil, err
	}
	var sb strings.Builder
	for d := range ch {
		if d.Err != nil {
			return sb.String(), nil, d.Err
		}
		sb.WriteString(d.Content)
		if d.Done {
			return sb.String(), d.Usage, nil
		}
	}
	return sb.String(), nil, ctx.Err()
}
