// internal/types/interfaces.go
package types

import "context"

// Publisher fans envelopes out to whoever subscribed to the session.
type Publisher interface {
	Publish(ctx context.Context, env *Envelope) error
}
