// Package config loads process configuration from the environment,
// following the caarlos0/env + godotenv pattern the rest of this stack
// uses for its server processes.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every tunable of the broker process. Tags:
//
//	env: environment variable name
//	envDefault: value applied when the variable is unset
type Config struct {
	// Listener
	Addr          string `env:"QIO_ADDR" envDefault:":8080"`
	PublicAddress string `env:"QIO_PUBLIC_ADDRESS" envDefault:""` // empty disables HTTP surrogate/iframe

	// NATS ingest (external publish adapter, internal/bus)
	NatsURL     string `env:"QIO_NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	NatsSubject string `env:"QIO_NATS_SUBJECT" envDefault:"qio.broadcast.>"`

	// Fairness policy (spec.md §4.3 admission)
	MaxSubsTotal int     `env:"QIO_MAX_SUBS_TOTAL" envDefault:"1000000"`
	Fairness     float64 `env:"QIO_FAIRNESS" envDefault:"0"`
	MaxClients   int     `env:"QIO_MAX_CLIENTS" envDefault:"100000"`

	// Timing (spec.md §4.8 heartbeat sweep)
	ClientTimeout    time.Duration `env:"QIO_CLIENT_TIMEOUT" envDefault:"65s"`
	PeriodicInterval time.Duration `env:"QIO_PERIODIC_INTERVAL" envDefault:"5s"`
	CallbackMaxAge   time.Duration `env:"QIO_CALLBACK_MAX_AGE" envDefault:"5m"`

	// Broadcast pipeline fan-out (spec.md §4.7)
	BroadcastShards int `env:"QIO_BROADCAST_SHARDS" envDefault:"8"`

	// Resource limits (from container, internal/platform + internal/limits)
	CPULimit           float64 `env:"QIO_CPU_LIMIT" envDefault:"1.0"`
	CPURejectThreshold float64 `env:"QIO_CPU_REJECT_THRESHOLD" envDefault:"75.0"`
	CPUPauseThreshold  float64 `env:"QIO_CPU_PAUSE_THRESHOLD" envDefault:"85.0"`
	MaxConnRatePerIP   float64 `env:"QIO_MAX_CONN_RATE_PER_IP" envDefault:"20"`

	// Monitoring
	MetricsAddr     string        `env:"QIO_METRICS_ADDR" envDefault:":9090"`
	MetricsInterval time.Duration `env:"QIO_METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"QIO_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"QIO_LOG_FORMAT" envDefault:"json"`

	Environment string `env:"QIO_ENVIRONMENT" envDefault:"development"`
}

// Load reads .env (if present) then the environment, validating the
// result. logger may be nil during the bootstrap phase before a logger
// exists.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations the broker cannot safely run with.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("QIO_ADDR is required")
	}
	if c.MaxClients < 1 {
		return fmt.Errorf("QIO_MAX_CLIENTS must be > 0, got %d", c.MaxClients)
	}
	if c.Fairness < 0 || c.Fairness > 100 {
		return fmt.Errorf("QIO_FAIRNESS must be 0-100, got %.1f", c.Fairness)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("QIO_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.CPUPauseThreshold < c.CPURejectThreshold {
		return fmt.Errorf("QIO_CPU_PAUSE_THRESHOLD (%.1f) must be >= QIO_CPU_REJECT_THRESHOLD (%.1f)",
			c.CPUPauseThreshold, c.CPURejectThreshold)
	}
	if c.BroadcastShards < 1 {
		return fmt.Errorf("QIO_BROADCAST_SHARDS must be > 0, got %d", c.BroadcastShards)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("QIO_LOG_LEVEL must be one of debug,info,warn,error (got %q)", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("QIO_LOG_FORMAT must be one of json,pretty (got %q)", c.LogFormat)
	}
	return nil
}

// Log emits the resolved configuration as one structured line.
func (c *Config) Log(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("public_address", c.PublicAddress).
		Str("nats_url", c.NatsURL).
		Int("max_subs_total", c.MaxSubsTotal).
		Float64("fairness", c.Fairness).
		Int("max_clients", c.MaxClients).
		Dur("client_timeout", c.ClientTimeout).
		Dur("periodic_interval", c.PeriodicInterval).
		Int("broadcast_shards", c.BroadcastShards).
		Float64("cpu_limit", c.CPULimit).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Float64("cpu_pause_threshold", c.CPUPauseThreshold).
		Str("log_level", c.LogLevel).
		Msg("configuration loaded")
}
