// internal/types/ids.go
package types

import (
	"strings"

	"github.com/google/uuid"
)

type SessionID string
type TurnID string
type ConnID string
type LeaseToken string

func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

func NewTurnID() TurnID {
	return TurnID(uuid.New().String())
}

func NewConnID() ConnID {
	return ConnID(uuid.New().String())
}

func NewLeaseToken() LeaseToken {
	return LeaseToken(uuid.New().String())
}

// AnonymousUser returns a fresh anonymous user id. Anonymous users get their
// own rate-limit bucket per connection.
func AnonymousUser() string {
	return "anon:" + uuid.New().String()
}

// IsAnonymous reports whether userID was minted by AnonymousUser.
func IsAnonymous(userID string) bool {
	return strings.HasPrefix(userID, "anon:")
}
