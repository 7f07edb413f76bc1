// Package config loads runtime configuration from an optional YAML file
// with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config holds the runtime core configuration.
type Config struct {
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`

	// WALPath is the SQLite database path for the durable log; empty means
	// an in-memory log (dev only, not crash-safe).
	WALPath string `yaml:"wal_path" env:"WAL_PATH"`

	RedisAddr     string `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"REDIS_DB"`

	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout" env:"SESSION_IDLE_TIMEOUT"`
	ContractPendingTTL time.Duration `yaml:"contract_pending_ttl" env:"CONTRACT_PENDING_TTL"`
	SweepInterval      time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`

	StepTimeout      time.Duration `yaml:"step_timeout" env:"STEP_TIMEOUT"`
	StepMaxAttempts  int           `yaml:"step_max_attempts" env:"STEP_MAX_ATTEMPTS"`
	StepBackoffBase  time.Duration `yaml:"step_backoff_base" env:"STEP_BACKOFF_BASE"`
	StepBackoffMax   time.Duration `yaml:"step_backoff_max" env:"STEP_BACKOFF_MAX"`
	StepJitterMax    time.Duration `yaml:"step_jitter_max" env:"STEP_JITTER_MAX"`
	ExecutionWorkers int           `yaml:"execution_workers" env:"EXECUTION_WORKERS"`

	IntentRatePerSecond float64 `yaml:"intent_rate_per_second" env:"INTENT_RATE_PER_SECOND"`
	IntentBurst         int     `yaml:"intent_burst" env:"INTENT_BURST"`

	TokenIssuer string `yaml:"token_issuer" env:"TOKEN_ISSUER"`
	TokenSecret string `yaml:"token_secret" env:"TOKEN_SECRET"`

	OTLPEndpoint     string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	TelemetryEnabled bool   `yaml:"telemetry_enabled" env:"TELEMETRY_ENABLED"`
}

// Default returns the development defaults.
func Default() *Config {
	return &Config{
		LogLevel:            "INFO",
		SessionIdleTimeout:  30 * time.Minute,
		ContractPendingTTL:  15 * time.Minute,
		SweepInterval:       time.Minute,
		StepTimeout:         30 * time.Second,
		StepMaxAttempts:     3,
		StepBackoffBase:     100 * time.Millisecond,
		StepBackoffMax:      5 * time.Second,
		StepJitterMax:       250 * time.Millisecond,
		ExecutionWorkers:    16,
		IntentRatePerSecond: 50,
		IntentBurst:         100,
		OTLPEndpoint:        "localhost:4317",
	}
}

// Load reads the YAML file at path (when non-empty) over the defaults, then
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env overrides: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.StepMaxAttempts <= 0 {
		return fmt.Errorf("step_max_attempts must be positive")
	}
	if c.ExecutionWorkers <= 0 {
		return fmt.Errorf("execution_workers must be positive")
	}
	if c.ContractPendingTTL <= 0 {
		return fmt.Errorf("contract_pending_ttl must be positive")
	}
	return nil
}
