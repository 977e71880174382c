package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/user/turnstile/pkg/llm"
)

func TestNextDelayExponential(t *testing.T) {
	p := Policy{Delay: 100 * time.Millisecond, Strategy: Exponential, Multiplier: 2, MaxDelay: time.Second}
	assert.Equal(t, 100*time.Millisecond, p.NextDelay(1))
	assert.Equal(t, 200*time.Millisecond, p.NextDelay(2))
	assert.Equal(t, 400*time.Millisecond, p.NextDelay(3))
	assert.Equal(t, time.Second, p.NextDelay(10))
}

func TestNextDelayFixed(t *testing.T) {
	p := Policy{Delay: 250 * time.Millisecond, Strategy: Fixed}
	assert.Equal(t, 250*time.Millisecond, p.NextDelay(1))
	assert.Equal(t, 250*time.Millisecond, p.NextDelay(5))
}

func TestExhausted(t *testing.T) {
	p := Policy{MaxRetries: 2}
	assert.False(t, p.Exhausted(1))
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))

	none := Policy{MaxRetries: 0}
	assert.True(t, none.Exhausted(1))
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o wait" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"429", &llm.StatusError{StatusCode: 429}, Transient},
		{"503 wrapped", fmt.Errorf("stream: %w", &llm.StatusError{StatusCode: 503}), Transient},
		{"401", &llm.StatusError{StatusCode: 401}, Fatal},
		{"400", &llm.StatusError{StatusCode: 400}, Fatal},
		{"422", &llm.StatusError{StatusCode: 422}, Fatal},
		{"rate limit type", &llm.RateLimitError{Message: "tpm"}, Transient},
		{"deadline", context.DeadlineExceeded, Transient},
		{"net timeout", timeoutErr{}, Transient},
		{"connection reset", errors.New("read tcp: connection reset by peer"), Transient},
		{"quota text", errors.New("Quota exceeded for model"), Transient},
		{"invalid text", errors.New("invalid api key"), Fatal},
		{"forbidden text", errors.New("Forbidden"), Fatal},
		{"unknown", errors.New("something odd"), Transient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}
