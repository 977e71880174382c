// Package retry classifies provider errors and computes the backoff for
// requeued turns.
package retry

import (
	"context"
	"errors"
	"math"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/user/turnstile/pkg/llm"
)

// Strategy selects how the delay grows between attempts.
type Strategy string

const (
	Fixed       Strategy = "fixed"
	Exponential Strategy = "exponential"
)

// Class is the retry classification of a provider error.
type Class int

const (
	Transient Class = iota
	Fatal
)

func (c Class) String() string {
	if c == Fatal {
		return "fatal"
	}
	return "transient"
}

// Policy controls how failed turns are rescheduled. MaxRetries counts
// re-executions, so a turn runs at most MaxRetries+1 times.
type Policy struct {
	MaxRetries int
	Delay      time.Duration
	Strategy   Strategy
	Multiplier float64
	MaxDelay   time.Duration
}

// DefaultPolicy returns a Policy with sensible defaults:
// 2 retries, 1s initial delay, 2x exponential growth, 30s max delay.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 2,
		Delay:      time.Second,
		Strategy:   Exponential,
		Multiplier: 2.0,
		MaxDelay:   30 * time.Second,
	}
}

// Exhausted reports whether a turn that has started attempts executions
// may not be retried again.
func (p Policy) Exhausted(attempts int) bool {
	return attempts > p.MaxRetries
}

// NextDelay returns the delay before the retry that follows the given
// attempt number (1-indexed). Exponential delay is Delay * Multiplier^(attempt-1),
// capped at MaxDelay.
func (p Policy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.Strategy != Exponential {
		return p.Delay
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2.0
	}
	delay := float64(p.Delay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

var rateLimitIndicators = []string{
	"rate limit",
	"rate-limit",
	"ratelimit",
	"too many requests",
	"quota exceeded",
	"throttled",
	"overloaded",
	"capacity",
}

var transientIndicators = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"temporary failure",
	"unexpected eof",
	"broken pipe",
}

var fatalIndicators = []string{
	"invalid",
	"unauthorized",
	"forbidden",
}

// Classify decides whether err is worth another attempt. Status codes are
// checked first, then network conditions, then message patterns. Unknown
// errors default to transient.
func Classify(err error) Class {
	if err == nil {
		return Transient
	}

	var se *llm.StatusError
	if errors.As(err, &se) {
		if se.Temporary() {
			return Transient
		}
		return Fatal
	}

	var rl *llm.RateLimitError
	if errors.As(err, &rl) {
		return Transient
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return Transient
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Transient
	}

	msg := strings.ToLower(err.Error())
	for _, s := range rateLimitIndicators {
		if strings.Contains(msg, s) {
			return Transient
		}
	}
	for _, s := range transientIndicators {
		if strings.Contains(msg, s) {
			return Transient
		}
	}
	for _, s := range fatalIndicators {
		if strings.Contains(msg, s) {
			return Fatal
		}
	}

	return Transient
}
