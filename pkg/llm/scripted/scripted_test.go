package scripted

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/turnstile/pkg/llm"
)

func TestEchoWhenScriptEmpty(t *testing.T) {
	p := New(0)
	text, usage, err := llm.Collect(context.Background(), p, llm.Request{Question: "why so slow"})
	require.NoError(t, err)
	assert.Equal(t, "You asked: why so slow", text)
	assert.Equal(t, 3, usage.InputTokens)
	assert.Equal(t, 1, p.Calls())
}

func TestStepsReplayInOrder(t *testing.T) {
	boom := errors.New("503 upstream")
	p := New(0, Step{Err: boom}, Step{Tokens: []string{"a", "b"}, Err: boom}, Step{Tokens: []string{"ok"}})

	_, err := p.Stream(context.Background(), llm.Request{Question: "q"})
	assert.ErrorIs(t, err, boom)

	text, _, err := llm.Collect(context.Background(), p, llm.Request{Question: "q"})
	assert.Equal(t, "ab", text)
	assert.ErrorIs(t, err, boom)

	text, _, err = llm.Collect(context.Background(), p, llm.Request{Question: "q"})
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.Equal(t, 3, p.Calls())
}

func TestBlockUntilCancelled(t *testing.T) {
	p := New(0, Step{Tokens: []string{"x"}, Block: true})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	text, _, err := llm.Collect(ctx, p, llm.Request{Question: "q"})
	assert.Equal(t, "x", text)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
