package config

import (
	"reflect"
	"strings"
	"testing"
)

func TestKnownKeys(t *testing.T) {
	tests := []struct {
		key    string
		kind   valueKind
		secret bool
	}{
		{"log_level", kindString, false},
		{"gateway.max_connections", kindInt, false},
		{"gateway.allowed_origins", kindList, false},
		{"queue.lease_ttl", kindDuration, false},
		{"guardrail.memory_threshold_bytes", kindInt, false},
		{"guardrail.retire_on_pressure", kindBool, false},
		{"retry.multiplier", kindFloat, false},
		{"llm.api_key", kindString, true},
		{"auth.jwt_secret", kindString, true},
		{"store.redis_password", kindString, true},
	}
	keys := knownKeys()
	for _, tt := range tests {
		info, ok := keys[tt.key]
		if !ok {
			t.Errorf("%s: not a known key", tt.key)
			continue
		}
		if info.kind != tt.kind || info.secret != tt.secret {
			t.Errorf("%s: got kind=%d secret=%v, want kind=%d secret=%v", tt.key, info.kind, info.secret, tt.kind, tt.secret)
		}
	}
	if _, ok := keys["gateway"]; ok {
		t.Error("sections are not leaf keys")
	}
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		key, raw string
		want     any
	}{
		{"llm.model", "4", "4"},
		{"worker.pool_size", "8", int64(8)},
		{"admission.requests_per_minute", "1.5", 1.5},
		{"auth.allow_anonymous", "false", false},
		{"retry.delay", "250ms", "250ms"},
		{"gateway.allowed_origins", "a.example, b.example,", []string{"a.example", "b.example"}},
		{"gateway.allowed_origins", "", []string{}},
		{"custom.count", "3", float64(3)},
		{"custom.name", "plain", "plain"},
	}
	for _, tt := range tests {
		got, err := parseValue(tt.key, tt.raw)
		if err != nil {
			t.Errorf("parseValue(%s, %q): %v", tt.key, tt.raw, err)
			continue
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("parseValue(%s, %q) = %#v, want %#v", tt.key, tt.raw, got, tt.want)
		}
	}

	for _, bad := range [][2]string{
		{"worker.pool_size", "8.5"},
		{"auth.allow_anonymous", "sometimes"},
		{"retry.delay", "soon"},
		{"retry.multiplier", "x2"},
	} {
		if _, err := parseValue(bad[0], bad[1]); err == nil {
			t.Errorf("parseValue(%s, %q): expected error", bad[0], bad[1])
		}
	}
}

func TestFlattenUnflattenRoundTrip(t *testing.T) {
	nested := map[string]any{
		"log_level": "info",
		"store": map[string]any{
			"driver": "redis",
			"redis":  map[string]any{"db": 2.0},
		},
		"empty": map[string]any{},
	}
	flat := Flatten(nested)
	want := map[string]any{"log_level": "info", "store.driver": "redis", "store.redis.db": 2.0}
	if !reflect.DeepEqual(flat, want) {
		t.Fatalf("Flatten = %v, want %v", flat, want)
	}
	back := Unflatten(flat)
	delete(nested, "empty")
	if !reflect.DeepEqual(back, nested) {
		t.Errorf("Unflatten = %v, want %v", back, nested)
	}
}

func TestUnflattenSectionWins(t *testing.T) {
	got := Unflatten(map[string]any{"store": "x", "store.driver": "sqlite"})
	section, ok := got["store"].(map[string]any)
	if !ok {
		t.Fatalf("expected store to be a section, got %v", got["store"])
	}
	if section["driver"] != "sqlite" {
		t.Errorf("expected store.driver=sqlite, got %v", section["driver"])
	}
}

func TestMaskSecrets(t *testing.T) {
	flat := map[string]any{
		"llm.api_key":          "sk-abcdef",
		"auth.jwt_secret":      "abc",
		"store.redis_password": "",
		"store.redis_addr":     "localhost:6379",
	}
	got := MaskSecrets(flat)
	checks := map[string]any{
		"llm.api_key":          "***cdef",
		"auth.jwt_secret":      "***abc",
		"store.redis_password": "",
		"store.redis_addr":     "localhost:6379",
	}
	for k, want := range checks {
		if got[k] != want {
			t.Errorf("%s: got %v, want %v", k, got[k], want)
		}
	}
	if flat["llm.api_key"] != "sk-abcdef" {
		t.Error("input map must not be modified")
	}
}

func TestListValues_RendersListsAndDurations(t *testing.T) {
	cfg := Defaults()
	cfg.Gateway.AllowedOrigins = []string{"a.example", "b.example"}

	flat, err := ListValues(cfg, true)
	if err != nil {
		t.Fatalf("ListValues failed: %v", err)
	}
	if flat["gateway.allowed_origins"] != "a.example,b.example" {
		t.Errorf("expected comma-separated origins, got %v", flat["gateway.allowed_origins"])
	}
	if s, ok := flat["queue.lease_ttl"].(string); !ok || !strings.HasSuffix(s, "s") {
		t.Errorf("expected lease_ttl as duration string, got %v", flat["queue.lease_ttl"])
	}

	cfg.Gateway.AllowedOrigins = nil
	flat, err = ListValues(cfg, false)
	if err != nil {
		t.Fatalf("ListValues failed: %v", err)
	}
	if flat["gateway.allowed_origins"] != "" {
		t.Errorf("expected empty origins, got %v", flat["gateway.allowed_origins"])
	}
}

func TestSetValue_List(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, Defaults())

	if err := SetValue(path, "gateway.allowed_origins", "a.example,b.example"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !reflect.DeepEqual(cfg.Gateway.AllowedOrigins, []string{"a.example", "b.example"}) {
		t.Errorf("unexpected origins: %v", cfg.Gateway.AllowedOrigins)
	}
}
