package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	err := fmt.Errorf("submit: %w", NewError(KindRateLimited, "slow down"))
	assert.Equal(t, KindRateLimited, KindOf(err))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
}

func TestErrorIsByKind(t *testing.T) {
	err := WrapError(KindProviderFatal, errors.New("401"), "auth")
	assert.True(t, errors.Is(err, &Error{Kind: KindProviderFatal}))
	assert.False(t, errors.Is(err, &Error{Kind: KindRateLimited}))
	assert.Equal(t, "provider_fatal: auth: 401", err.Error())
}

func TestAdmissionFamily(t *testing.T) {
	assert.True(t, KindAlreadyInFlight.Admission())
	assert.True(t, KindOverCapacity.Admission())
	assert.False(t, KindRetriesExhausted.Admission())
}

func TestEnvelopeTerminal(t *testing.T) {
	env, err := NewEnvelope(EnvelopeComplete, "s", "t", CompletePayload{Text: "hi", Attempts: 1})
	assert.NoError(t, err)
	assert.True(t, env.Terminal())
	assert.JSONEq(t, `{"text":"hi","attempts":1,"usage":{"input_tokens":0,"output_tokens":0}}`, string(env.Payload))

	tok := &Envelope{Type: EnvelopeToken}
	assert.False(t, tok.Terminal())
}

func TestTurnRetries(t *testing.T) {
	assert.Equal(t, 0, (&Turn{Attempts: 1}).Retries())
	assert.Equal(t, 2, (&Turn{Attempts: 3}).Retries())
	assert.True(t, TurnCancelled.Terminal())
	assert.True(t, TurnStreaming.Active())
	assert.False(t, TurnQueued.Active())
}
