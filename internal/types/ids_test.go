// internal/types/ids_test.go
package types

import (
	"testing"
)

func TestNewSessionID(t *testing.T) {
	id := NewSessionID()
	if id == "" {
		t.Error("expected non-empty SessionID")
	}
	if len(string(id)) != 36 {
		t.Errorf("expected UUID format, got %s", id)
	}
}

func TestNewTurnIDUnique(t *testing.T) {
	if NewTurnID() == NewTurnID() {
		t.Error("expected distinct turn ids")
	}
}

func TestAnonymousUser(t *testing.T) {
	u := AnonymousUser()
	if !IsAnonymous(u) {
		t.Errorf("expected %s to be anonymous", u)
	}
	if IsAnonymous("alice") {
		t.Error("named user reported as anonymous")
	}
}
