package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

type Config struct {
	DataDir   string `json:"data_dir"`
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`

	Gateway struct {
		Listen         string   `json:"listen"`
		MaxConnections int      `json:"max_connections"`
		IdleTimeout    Duration `json:"idle_timeout"`
		MaxLifetime    Duration `json:"max_lifetime"`
		MaxMessages    int      `json:"max_messages"`
		ReadLimit      int64    `json:"read_limit"`
		SendBuffer     int      `json:"send_buffer"`
		AllowedOrigins []string `json:"allowed_origins"`
	} `json:"gateway"`

	Session struct {
		MaxMessages     int      `json:"max_messages"`
		MaxBytes        int      `json:"max_bytes"`
		IdleTimeout     Duration `json:"idle_timeout"`
		MaxLifetime     Duration `json:"max_lifetime"`
		ResultRetention Duration `json:"result_retention"`
		BufferSize      int      `json:"buffer_size"`
	} `json:"session"`

	Admission struct {
		MaxPayloadBytes   int     `json:"max_payload_bytes"`
		RequestsPerMinute float64 `json:"requests_per_minute"`
		Burst             float64 `json:"burst"`
	} `json:"admission"`

	Queue struct {
		MaxBacklog      int      `json:"max_backlog"`
		LeaseTTL        Duration `json:"lease_ttl"`
		ReapInterval    Duration `json:"reap_interval"`
		ResultRetention Duration `json:"result_retention"`
	} `json:"queue"`

	Worker struct {
		Enabled            bool     `json:"enabled"`
		PoolSize           int      `json:"pool_size"`
		GlobalConcurrency  int      `json:"global_concurrency"`
		PollInterval       Duration `json:"poll_interval"`
		MinUserSpacing     Duration `json:"min_user_spacing"`
		MaxTurnDuration    Duration `json:"max_turn_duration"`
		MaxResponseLength  int      `json:"max_response_length"`
		ResponseLengthUnit string   `json:"response_length_unit"`
	} `json:"worker"`

	Retry struct {
		MaxRetries int      `json:"max_retries"`
		Delay      Duration `json:"delay"`
		Strategy   string   `json:"strategy"`
		Multiplier float64  `json:"multiplier"`
		MaxDelay   Duration `json:"max_delay"`
	} `json:"retry"`

	Guardrail struct {
		SweepInterval        Duration `json:"sweep_interval"`
		MemoryThresholdBytes uint64   `json:"memory_threshold_bytes"`
		RecoveryRatio        float64  `json:"recovery_ratio"`
		RetireOnPressure     bool     `json:"retire_on_pressure"`
		RetireAfter          int      `json:"retire_after"`
	} `json:"guardrail"`

	Store struct {
		Driver        string `json:"driver"`
		SQLitePath    string `json:"sqlite_path"`
		RedisAddr     string `json:"redis_addr"`
		RedisPassword string `json:"redis_password" secret:"true"`
		RedisDB       int    `json:"redis_db"`
		RedisPrefix   string `json:"redis_prefix"`
	} `json:"store"`

	Delivery struct {
		Driver string `json:"driver"`
	} `json:"delivery"`

	LLM struct {
		Provider         string   `json:"provider"`
		BaseURL          string   `json:"base_url"`
		APIKey           string   `json:"api_key" secret:"true"`
		Model            string   `json:"model"`
		MaxTokens        int      `json:"max_tokens"`
		Temperature      float32  `json:"temperature"`
		MaxContextTokens int      `json:"max_context_tokens"`
		OutputReserve    int      `json:"output_reserve"`
		SystemPrompt     string   `json:"system_prompt"`
		TokenDelay       Duration `json:"token_delay"`
	} `json:"llm"`

	Retrieval struct {
		CorpusPath string `json:"corpus_path"`
		Limit      int    `json:"limit"`
	} `json:"retrieval"`

	Auth struct {
		JWTSecret      string   `json:"jwt_secret" secret:"true"`
		AllowAnonymous bool     `json:"allow_anonymous"`
		TokenTTL       Duration `json:"token_ttl"`
	} `json:"auth"`

	Health struct {
		GRPCAddr string `json:"grpc_addr"`
	} `json:"health"`
}

// DefaultPath is where the CLI looks for a config file.
func DefaultPath() string {
	return filepath.Join(os.Getenv("HOME"), ".turnstile", "config.json")
}

// Defaults returns a configuration that runs a single process against a
// local SQLite store with the scripted provider.
func Defaults() *Config {
	cfg := &Config{
		DataDir:   filepath.Join(os.Getenv("HOME"), ".turnstile"),
		LogLevel:  "info",
		LogFormat: "text",
	}
	cfg.Gateway.Listen = "127.0.0.1:8080"
	cfg.Gateway.MaxConnections = 1000
	cfg.Gateway.IdleTimeout = Duration(5 * time.Minute)
	cfg.Gateway.MaxLifetime = Duration(2 * time.Hour)
	cfg.Gateway.MaxMessages = 1000
	cfg.Gateway.ReadLimit = 64 << 10
	cfg.Gateway.SendBuffer = 256

	cfg.Session.MaxMessages = 40
	cfg.Session.MaxBytes = 64 << 10
	cfg.Session.IdleTimeout = Duration(15 * time.Minute)
	cfg.Session.MaxLifetime = Duration(24 * time.Hour)
	cfg.Session.ResultRetention = Duration(5 * time.Minute)
	cfg.Session.BufferSize = 512

	cfg.Admission.MaxPayloadBytes = 16 << 10
	cfg.Admission.RequestsPerMinute = 20
	cfg.Admission.Burst = 5

	cfg.Queue.MaxBacklog = 1000
	cfg.Queue.LeaseTTL = Duration(30 * time.Second)
	cfg.Queue.ReapInterval = Duration(5 * time.Second)
	cfg.Queue.ResultRetention = Duration(24 * time.Hour)

	cfg.Worker.Enabled = true
	cfg.Worker.PoolSize = 8
	cfg.Worker.GlobalConcurrency = 8
	cfg.Worker.PollInterval = Duration(200 * time.Millisecond)
	cfg.Worker.MaxTurnDuration = Duration(2 * time.Minute)
	cfg.Worker.MaxResponseLength = 8000
	cfg.Worker.ResponseLengthUnit = "characters"

	cfg.Retry.MaxRetries = 2
	cfg.Retry.Delay = Duration(time.Second)
	cfg.Retry.Strategy = "exponential"
	cfg.Retry.Multiplier = 2
	cfg.Retry.MaxDelay = Duration(30 * time.Second)

	cfg.Guardrail.SweepInterval = Duration(30 * time.Second)
	cfg.Guardrail.RecoveryRatio = 0.9
	cfg.Guardrail.RetireAfter = 3

	cfg.Store.Driver = "sqlite"
	cfg.Store.RedisAddr = "127.0.0.1:6379"
	cfg.Store.RedisPrefix = "turnstile:"
	cfg.Delivery.Driver = "memory"

	cfg.LLM.Provider = "scripted"
	cfg.LLM.BaseURL = "https://api.openai.com/v1"
	cfg.LLM.Model = "gpt-4o-mini"
	cfg.LLM.MaxTokens = 1024
	cfg.LLM.Temperature = 0.2
	cfg.LLM.MaxContextTokens = 128000
	cfg.LLM.OutputReserve = 4096
	cfg.LLM.TokenDelay = Duration(20 * time.Millisecond)

	cfg.Retrieval.Limit = 4
	cfg.Auth.AllowAnonymous = true
	cfg.Auth.TokenTTL = Duration(24 * time.Hour)
	return cfg
}

// Load applies defaults, then the file at path (JSON, YAML or TOML by
// extension), then environment overrides. A missing JSON file is created
// with the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := os.Stat(path); err == nil {
		m, err := readMap(path)
		if err != nil {
			return nil, err
		}
		if err := fromMap(m, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if formatOf(path) == formatJSON {
			if err := Save(path, cfg); err != nil {
				return nil, err
			}
		}
	} else {
		return nil, err
	}

	applyEnv(cfg)
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = filepath.Join(cfg.DataDir, "turnstile.db")
	}
	return cfg, nil
}

// Override from env (highest precedence).
func applyEnv(cfg *Config) {
	set := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	set("TURNSTILE_LISTEN", &cfg.Gateway.Listen)
	set("TURNSTILE_STORE_DRIVER", &cfg.Store.Driver)
	set("TURNSTILE_SQLITE_PATH", &cfg.Store.SQLitePath)
	set("TURNSTILE_REDIS_ADDR", &cfg.Store.RedisAddr)
	set("TURNSTILE_REDIS_PASSWORD", &cfg.Store.RedisPassword)
	set("TURNSTILE_DELIVERY_DRIVER", &cfg.Delivery.Driver)
	set("TURNSTILE_JWT_SECRET", &cfg.Auth.JWTSecret)
	set("TURNSTILE_LOG_LEVEL", &cfg.LogLevel)
	set("TURNSTILE_LLM_PROVIDER", &cfg.LLM.Provider)
	set("OPENAI_API_KEY", &cfg.LLM.APIKey)
	set("OPENAI_BASE_URL", &cfg.LLM.BaseURL)
}

// Validate checks that the configuration is usable. Returns an error
// describing the first validation failure encountered.
func (c *Config) Validate() error {
	var first error
	check := func(ok bool, format string, args ...any) {
		if !ok && first == nil {
			first = fmt.Errorf(format, args...)
		}
	}

	check(c.Gateway.Listen != "", "gateway.listen is required")
	check(c.Gateway.MaxConnections > 0, "gateway.max_connections must be positive")
	check(c.Session.MaxMessages >= 2, "session.max_messages must hold at least one exchange")
	check(c.Session.MaxBytes > 0, "session.max_bytes must be positive")
	check(c.Admission.MaxPayloadBytes > 0, "admission.max_payload_bytes must be positive")
	check(c.Admission.RequestsPerMinute >= 0, "admission.requests_per_minute must not be negative")
	check(c.Queue.MaxBacklog >= 0, "queue.max_backlog must not be negative")
	check(c.Queue.LeaseTTL.D() >= 3*time.Millisecond, "queue.lease_ttl is too short")
	check(c.Worker.PoolSize > 0, "worker.pool_size must be positive")
	check(c.Worker.GlobalConcurrency > 0, "worker.global_concurrency must be positive")
	check(c.Worker.ResponseLengthUnit == "characters" || c.Worker.ResponseLengthUnit == "tokens",
		"worker.response_length_unit must be characters or tokens, got %q", c.Worker.ResponseLengthUnit)
	check(c.Retry.MaxRetries >= 0, "retry.max_retries must not be negative")
	check(c.Retry.Strategy == "fixed" || c.Retry.Strategy == "exponential",
		"retry.strategy must be fixed or exponential, got %q", c.Retry.Strategy)
	check(c.Guardrail.RecoveryRatio > 0 && c.Guardrail.RecoveryRatio <= 1, "guardrail.recovery_ratio must be in (0, 1]")
	check(c.Store.Driver == "sqlite" || c.Store.Driver == "redis", "store.driver must be sqlite or redis, got %q", c.Store.Driver)
	check(c.Delivery.Driver == "memory" || c.Delivery.Driver == "redis",
		"delivery.driver must be memory or redis, got %q", c.Delivery.Driver)
	check(c.LLM.Provider == "openai" || c.LLM.Provider == "scripted",
		"llm.provider must be openai or scripted, got %q", c.LLM.Provider)
	check(c.LLM.Provider != "openai" || c.LLM.APIKey != "", "llm.api_key is required for the openai provider")
	check(c.Auth.JWTSecret != "" || c.Auth.AllowAnonymous, "auth.jwt_secret is required when anonymous access is disabled")

	return first
}

func fromMap(m map[string]any, cfg *Config) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, cfg)
}

// ToMap converts the config to a nested map via its JSON form.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListValues flattens the config into dot-separated keys, masking secrets
// when mask is set. Lists are shown comma-separated.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := render(Flatten(m))
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue reads one dot-separated key from the file at path, creating the
// file with defaults first when it does not exist.
func GetValue(path, key string) (any, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if _, err := Load(path); err != nil {
			return nil, err
		}
	}
	m, err := readMap(path)
	if err != nil {
		return nil, err
	}
	v, ok := Flatten(m)[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue writes one dot-separated key into the file at path. The value is
// parsed according to the field it sets.
func SetValue(path, key, raw string) error {
	m, err := readMap(path)
	if err != nil {
		return err
	}
	v, err := parseValue(key, raw)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	flat := Flatten(m)
	flat[key] = v

	// Reject values that no longer decode into a Config.
	nested := Unflatten(flat)
	if err := fromMap(nested, Defaults()); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return writeMap(path, nested)
}

// Save writes cfg to path in the format implied by its extension.
func Save(path string, cfg *Config) error {
	m, err := ToMap(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeMap(path, m)
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to "".
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}
