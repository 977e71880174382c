// internal/types/errors.go
package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced to clients and recorded on turns.
type ErrorKind string

// Admission rejections. Synchronous, never retried by the system.
const (
	KindPayloadTooLarge ErrorKind = "payload_too_large"
	KindAlreadyInFlight ErrorKind = "already_in_flight"
	KindRateLimited     ErrorKind = "rate_limited"
	KindOverCapacity    ErrorKind = "over_capacity"
	KindInvalidRequest  ErrorKind = "invalid_request"
	KindSessionNotFound ErrorKind = "session_not_found"
	KindUnauthorized    ErrorKind = "unauthorized"
)

// Provider and turn failures.
const (
	KindProviderTransient ErrorKind = "provider_transient"
	KindRetriesExhausted  ErrorKind = "retries_exhausted"
	KindProviderFatal     ErrorKind = "provider_fatal"
	KindTurnTimeout       ErrorKind = "turn_timeout"
	KindLeaseExpired      ErrorKind = "lease_expired"
	KindCancelled         ErrorKind = "cancelled"
	KindInternal          ErrorKind = "internal"
)

// Process-level conditions.
const (
	KindResourceExhausted ErrorKind = "resource_exhausted"
	KindConnectionLost    ErrorKind = "connection_lost"
)

// Admission reports whether k belongs to the admission-rejected family.
func (k ErrorKind) Admission() bool {
	switch k {
	case KindPayloadTooLarge, KindAlreadyInFlight, KindRateLimited,
		KindOverCapacity, KindInvalidRequest, KindSessionNotFound, KindUnauthorized:
		return true
	}
	return false
}

// Error is a classified error carrying a client-facing kind.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// NewError returns an Error with the given kind and message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError classifies err under kind.
func WrapError(kind ErrorKind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Message == "" {
			return fmt.Sprintf("%s: %v", e.Kind, e.Err)
		}
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind so callers can use errors.Is with a
// template such as &Error{Kind: KindRateLimited}.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Object returns the wire form sent to clients.
func (e *Error) Object() ErrorObject {
	msg := e.Message
	if msg == "" {
		msg = e.Error()
	}
	return ErrorObject{Kind: e.Kind, Message: msg}
}

// KindOf extracts the kind from err, or KindInternal when err is unclassified.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInternal
}

// ErrorObject is the synchronous rejection body {kind, message}.
type ErrorObject struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}
