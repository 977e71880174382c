// Package scripted is a deterministic llm.Provider for local runs and tests.
// Each call consumes the next queued Step; once the queue is empty every call
// echoes the question back word by word.
package scripted

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/user/turnstile/pkg/llm"
)

// Step scripts the outcome of one Stream call.
type Step struct {
	// Tokens are emitted in order before Err (if any).
	Tokens []string
	// Err fails the call. With no Tokens it is returned from Stream itself;
	// otherwise it arrives as the final delta after the tokens.
	Err error
	// Block holds the stream open after Tokens until the context ends.
	Block bool
	// Panic panics inside Stream.
	Panic bool
}

// Provider replays Steps.
type Provider struct {
	TokenDelay time.Duration

	mu    sync.Mutex
	steps []Step
	calls int
	reqs  []llm.Request
}

// New returns a provider that will replay steps in order.
func New(tokenDelay time.Duration, steps ...Step) *Provider {
	return &Provider{TokenDelay: tokenDelay, steps: steps}
}

// Push appends steps to the script.
func (p *Provider) Push(steps ...Step) {
	p.mu.Lock()
	p.steps = append(p.steps, steps...)
	p.mu.Unlock()
}

// Calls returns the number of Stream invocations so far.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Requests returns a copy of every request received.
func (p *Provider) Requests() []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.Request(nil), p.reqs...)
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return "scripted" }

// Stream implements llm.Provider.
func (p *Provider) Stream(ctx context.Context, req llm.Request) (<-chan llm.Delta, error) {
	p.mu.Lock()
	p.calls++
	p.reqs = append(p.reqs, req)
	var step Step
	if len(p.steps) > 0 {
		step = p.steps[0]
		p.steps = p.steps[1:]
	} else {
		step = Step{Tokens: echo(req.Question)}
	}
	p.mu.Unlock()

	if step.Panic {
		panic("scripted provider panic")
	}
	if step.Err != nil && len(step.Tokens) == 0 {
		return nil, step.Err
	}

	ch := make(chan llm.Delta, 1)
	go func() {
		defer close(ch)
		out := 0
		for _, tok := range step.Tokens {
			if p.TokenDelay > 0 {
				select {
				case <-time.After(p.TokenDelay):
				case <-ctx.Done():
					ch <- llm.Delta{Err: ctx.Err()}
					return
				}
			}
			select {
			case ch <- llm.Delta{Content: tok}:
				out += len(strings.Fields(tok))
			case <-ctx.Done():
				return
			}
		}
		if step.Block {
			<-ctx.Done()
			ch <- llm.Delta{Err: ctx.Err()}
			return
		}
		if step.Err != nil {
			select {
			case ch <- llm.Delta{Err: step.Err}:
			case <-ctx.Done():
			}
			return
		}
		usage := &llm.Usage{InputTokens: len(strings.Fields(req.Question)), OutputTokens: out}
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
		select {
		case ch <- llm.Delta{Done: true, Usage: usage}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

func echo(question string) []string {
	words := strings.Fields(fmt.Sprintf("You asked: %s", question))
	for i := range words[:len(words)-1] {
		words[i] += " "
	}
	return words
}
