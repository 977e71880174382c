package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func tempConfigPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "config.json")
}

func writeTestConfig(t *testing.T, path string, cfg *Config) {
	t.Helper()
	if err := Save(path, cfg); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoad_CreatesDefaults(t *testing.T) {
	path := tempConfigPath(t)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("Load should write the default file: %v", err)
	}
	if cfg.Store.SQLitePath != filepath.Join(cfg.DataDir, "turnstile.db") {
		t.Errorf("expected sqlite path under data dir, got %q", cfg.Store.SQLitePath)
	}
}

func TestSave_ReloadRoundTrip(t *testing.T) {
	path := tempConfigPath(t)

	original := Defaults()
	original.DataDir = "/tmp/test-data"
	original.LogLevel = "debug"
	original.Worker.GlobalConcurrency = 4
	original.Queue.LeaseTTL = Duration(45 * time.Second)
	original.Retry.Strategy = "fixed"
	original.LLM.APIKey = "sk-test-round-trip"
	original.LLM.Temperature = 0.5
	original.Auth.JWTSecret = "jwt-secret"

	if err := Save(path, original); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.DataDir != original.DataDir {
		t.Errorf("DataDir mismatch: %v != %v", loaded.DataDir, original.DataDir)
	}
	if loaded.LogLevel != original.LogLevel {
		t.Errorf("LogLevel mismatch: %v != %v", loaded.LogLevel, original.LogLevel)
	}
	if loaded.Worker.GlobalConcurrency != 4 {
		t.Errorf("Worker.GlobalConcurrency mismatch: %v", loaded.Worker.GlobalConcurrency)
	}
	if loaded.Queue.LeaseTTL.D() != 45*time.Second {
		t.Errorf("Queue.LeaseTTL mismatch: %v", loaded.Queue.LeaseTTL)
	}
	if loaded.Retry.Strategy != "fixed" {
		t.Errorf("Retry.Strategy mismatch: %v", loaded.Retry.Strategy)
	}
	if loaded.LLM.Temperature != original.LLM.Temperature {
		t.Errorf("LLM.Temperature mismatch: %v != %v", loaded.LLM.Temperature, original.LLM.Temperature)
	}
	if loaded.Auth.JWTSecret != original.Auth.JWTSecret {
		t.Errorf("Auth.JWTSecret mismatch: %v != %v", loaded.Auth.JWTSecret, original.Auth.JWTSecret)
	}
}

func TestSave_DurationsAreStrings(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, Defaults())

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), `"lease_ttl": "30s"`) {
		t.Errorf("expected lease_ttl as a duration string, got:\n%s", data)
	}
}

func TestLoad_YAML(t *testing.T) {
	t.Setenv("TEST_TURNSTILE_SECRET", "from-env")
	path := writeFile(t, "config.yaml", `
log_level: warn
worker:
  global_concurrency: 3
  min_user_spacing: 2s
queue:
  lease_ttl: 1m
auth:
  jwt_secret: ${TEST_TURNSTILE_SECRET}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("expected log_level=warn, got %q", cfg.LogLevel)
	}
	if cfg.Worker.GlobalConcurrency != 3 {
		t.Errorf("expected global_concurrency=3, got %d", cfg.Worker.GlobalConcurrency)
	}
	if cfg.Worker.MinUserSpacing.D() != 2*time.Second {
		t.Errorf("expected min_user_spacing=2s, got %v", cfg.Worker.MinUserSpacing)
	}
	if cfg.Queue.LeaseTTL.D() != time.Minute {
		t.Errorf("expected lease_ttl=1m, got %v", cfg.Queue.LeaseTTL)
	}
	if cfg.Auth.JWTSecret != "from-env" {
		t.Errorf("expected expanded jwt_secret, got %q", cfg.Auth.JWTSecret)
	}
	// Unset fields keep their defaults.
	if cfg.Worker.PoolSize != Defaults().Worker.PoolSize {
		t.Errorf("expected default pool_size, got %d", cfg.Worker.PoolSize)
	}
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "config.toml", `
log_format = "json"

[retry]
max_retries = 5
delay = "250ms"

[admission]
requests_per_minute = 30.0
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("expected log_format=json, got %q", cfg.LogFormat)
	}
	if cfg.Retry.MaxRetries != 5 {
		t.Errorf("expected max_retries=5, got %d", cfg.Retry.MaxRetries)
	}
	if cfg.Retry.Delay.D() != 250*time.Millisecond {
		t.Errorf("expected delay=250ms, got %v", cfg.Retry.Delay)
	}
	if cfg.Admission.RequestsPerMinute != 30 {
		t.Errorf("expected requests_per_minute=30, got %v", cfg.Admission.RequestsPerMinute)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeFile(t, "config.json", `{"queue": {"lease_ttl": "soon"}}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TURNSTILE_STORE_DRIVER", "redis")
	t.Setenv("TURNSTILE_REDIS_ADDR", "redis:6380")
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("TURNSTILE_LISTEN", ":9999")

	cfg, err := Load(tempConfigPath(t))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Store.Driver != "redis" || cfg.Store.RedisAddr != "redis:6380" {
		t.Errorf("store env overrides not applied: %+v", cfg.Store)
	}
	if cfg.LLM.APIKey != "sk-env" {
		t.Errorf("expected api key from env, got %q", cfg.LLM.APIKey)
	}
	if cfg.Gateway.Listen != ":9999" {
		t.Errorf("expected listen from env, got %q", cfg.Gateway.Listen)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero concurrency", func(c *Config) { c.Worker.GlobalConcurrency = 0 }, "worker.global_concurrency"},
		{"bad unit", func(c *Config) { c.Worker.ResponseLengthUnit = "words" }, "worker.response_length_unit"},
		{"bad strategy", func(c *Config) { c.Retry.Strategy = "random" }, "retry.strategy"},
		{"bad store", func(c *Config) { c.Store.Driver = "postgres" }, "store.driver"},
		{"openai without key", func(c *Config) { c.LLM.Provider = "openai" }, "llm.api_key"},
		{"tiny history", func(c *Config) { c.Session.MaxMessages = 1 }, "session.max_messages"},
		{"closed without secret", func(c *Config) { c.Auth.AllowAnonymous = false }, "auth.jwt_secret"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestSave_AtomicWrite(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{LogLevel: "info"}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Verify no temp file left behind
	tmpPath := path + ".tmp"
	if _, err := os.Stat(tmpPath); !os.IsNotExist(err) {
		t.Errorf("temp file should not exist after successful save")
	}

	// Verify the file is valid JSON
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read saved config: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Errorf("saved file is not valid JSON: %v", err)
	}
}

func TestSave_YAMLRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	cfg := Defaults()
	cfg.Gateway.MaxConnections = 77
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Gateway.MaxConnections != 77 {
		t.Errorf("expected max_connections=77, got %d", loaded.Gateway.MaxConnections)
	}
	if loaded.Session.IdleTimeout != cfg.Session.IdleTimeout {
		t.Errorf("idle timeout mismatch: %v != %v", loaded.Session.IdleTimeout, cfg.Session.IdleTimeout)
	}
}

func TestToMap(t *testing.T) {
	cfg := &Config{
		DataDir:  "/tmp/test",
		LogLevel: "debug",
	}
	cfg.LLM.Provider = "openai"
	cfg.LLM.Model = "gpt-4"
	cfg.LLM.MaxTokens = 2000

	m, err := ToMap(cfg)
	if err != nil {
		t.Fatalf("ToMap failed: %v", err)
	}

	if m["data_dir"] != "/tmp/test" {
		t.Errorf("expected data_dir=/tmp/test, got %v", m["data_dir"])
	}
	if m["log_level"] != "debug" {
		t.Errorf("expected log_level=debug, got %v", m["log_level"])
	}

	llm, ok := m["llm"].(map[string]any)
	if !ok {
		t.Fatalf("expected llm to be map, got %T", m["llm"])
	}
	if llm["provider"] != "openai" {
		t.Errorf("expected llm.provider=openai, got %v", llm["provider"])
	}
	// JSON numbers are float64
	if llm["max_tokens"] != float64(2000) {
		t.Errorf("expected llm.max_tokens=2000, got %v", llm["max_tokens"])
	}
}

func TestListValues_Mask(t *testing.T) {
	cfg := &Config{LogLevel: "info"}
	cfg.LLM.APIKey = "sk-secret-key-1234"
	cfg.Auth.JWTSecret = "jwt-secret-5678"
	cfg.Store.RedisPassword = "redis-pass-abcd"

	flat, err := ListValues(cfg, false)
	if err != nil {
		t.Fatalf("ListValues failed: %v", err)
	}
	if flat["llm.api_key"] != "sk-secret-key-1234" {
		t.Errorf("expected unmasked llm.api_key, got %v", flat["llm.api_key"])
	}

	flat, err = ListValues(cfg, true)
	if err != nil {
		t.Fatalf("ListValues failed: %v", err)
	}
	if flat["llm.api_key"] != "***1234" {
		t.Errorf("expected masked llm.api_key=***1234, got %v", flat["llm.api_key"])
	}
	if flat["auth.jwt_secret"] != "***5678" {
		t.Errorf("expected masked auth.jwt_secret=***5678, got %v", flat["auth.jwt_secret"])
	}
	if flat["store.redis_password"] != "***abcd" {
		t.Errorf("expected masked store.redis_password=***abcd, got %v", flat["store.redis_password"])
	}
	if flat["queue.lease_ttl"] != "0s" {
		t.Errorf("expected queue.lease_ttl=0s, got %v", flat["queue.lease_ttl"])
	}
	if flat["log_level"] != "info" {
		t.Errorf("expected log_level=info, got %v", flat["log_level"])
	}
}

func TestGetValue_ExistingKey(t *testing.T) {
	path := tempConfigPath(t)

	cfg := Defaults()
	cfg.LogLevel = "debug"
	cfg.Worker.PoolSize = 8
	writeTestConfig(t, path, cfg)

	v, err := GetValue(path, "log_level")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "debug" {
		t.Errorf("expected log_level=debug, got %v", v)
	}

	v, err = GetValue(path, "worker.pool_size")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	// JSON numbers are float64
	if v != float64(8) {
		t.Errorf("expected worker.pool_size=8, got %v (%T)", v, v)
	}
}

func TestGetValue_UnknownKey(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, &Config{LogLevel: "info"})

	_, err := GetValue(path, "nonexistent.key")
	if err == nil {
		t.Fatal("expected error for unknown key, got nil")
	}
	expected := "unknown config key: nonexistent.key"
	if err.Error() != expected {
		t.Errorf("expected error %q, got %q", expected, err.Error())
	}
}

func TestGetValue_NonexistentFile(t *testing.T) {
	// File doesn't exist yet; GetValue creates it with defaults.
	path := tempConfigPath(t)

	v, err := GetValue(path, "log_level")
	if err != nil {
		t.Fatalf("GetValue on new config failed: %v", err)
	}
	if v != "info" {
		t.Errorf("expected default log_level=info, got %v", v)
	}
}

func TestSetValue(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, Defaults())

	tests := []struct {
		key, raw string
		want     any
	}{
		{"log_level", "debug", "debug"},
		{"worker.global_concurrency", "16", float64(16)},
		{"guardrail.retire_on_pressure", "true", true},
		{"llm.temperature", "0.3", 0.3},
		{"queue.lease_ttl", "90s", "90s"},
		{"custom.setting", "value", "value"},
	}
	for _, tt := range tests {
		if err := SetValue(path, tt.key, tt.raw); err != nil {
			t.Fatalf("SetValue(%s) failed: %v", tt.key, err)
		}
		v, err := GetValue(path, tt.key)
		if err != nil {
			t.Fatalf("GetValue(%s) failed: %v", tt.key, err)
		}
		if v != tt.want {
			t.Errorf("expected %s=%v, got %v (%T)", tt.key, tt.want, v, v)
		}
	}

	// Other values are preserved.
	v, err := GetValue(path, "store.driver")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "sqlite" {
		t.Errorf("expected store.driver=sqlite (preserved), got %v", v)
	}
}

func TestSetValue_RejectsWrongType(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, Defaults())

	if err := SetValue(path, "worker.pool_size", "many"); err == nil {
		t.Fatal("expected error for non-numeric pool size")
	}
	if err := SetValue(path, "queue.lease_ttl", "whenever"); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestSetValue_NonexistentFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist", "config.json")
	err := SetValue(path, "log_level", "debug")
	if err == nil {
		t.Fatal("expected error for nonexistent file, got nil")
	}
}

func TestSave_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "subdir", "config.json")

	cfg := &Config{LogLevel: "warn"}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save should create parent directory, got: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Errorf("config file should exist: %v", err)
	}
}
