// Package config holds per-command configuration loaded from PILOT_*
// environment variables via the internal/env loader.
package config

import (
	"fmt"
	"time"

	"github.com/valethq/pilot/internal/env"
)

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL             string        `env:"PILOT_DATABASE_URL" required:"true"`
	MaxOpenConns    int           `env:"PILOT_DB_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `env:"PILOT_DB_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `env:"PILOT_DB_CONN_MAX_LIFETIME"`
}

// ObservabilityConfig controls OTLP export. Standard OTEL_* variables
// configure the endpoint and headers.
type ObservabilityConfig struct {
	Enabled     bool   `env:"PILOT_OTEL_ENABLED"`
	ServiceName string `env:"PILOT_OTEL_SERVICE_NAME"`
}

// WorkerConfig holds all configuration for the worker command.
type WorkerConfig struct {
	Database      DatabaseConfig
	Observability ObservabilityConfig

	WorkerID          string        `env:"PILOT_WORKER_ID"`
	EC2IP             string        `env:"PILOT_EC2_IP"`
	PollInterval      time.Duration `env:"PILOT_POLL_INTERVAL"`
	HeartbeatInterval time.Duration `env:"PILOT_HEARTBEAT_INTERVAL"`
	LeaseWindow       time.Duration `env:"PILOT_LEASE_WINDOW"`
	DrainTimeout      time.Duration `env:"PILOT_DRAIN_TIMEOUT"`
	HITLTimeout       time.Duration `env:"PILOT_HITL_TIMEOUT"`

	SessionTTL      time.Duration `env:"PILOT_SESSION_TTL"`
	EncryptionKey   string        `env:"PILOT_ENCRYPTION_KEY"`
	EncryptionKeyID string        `env:"PILOT_ENCRYPTION_KEY_ID"`

	CallbackTimeout     time.Duration `env:"PILOT_CALLBACK_TIMEOUT"`
	CallbackMaxAttempts int           `env:"PILOT_CALLBACK_MAX_ATTEMPTS"`
	CallbackRate        float64       `env:"PILOT_CALLBACK_RATE"`
}

// Validate checks interval relationships that would break leasing.
func (c *WorkerConfig) Validate() error {
	if c.HeartbeatInterval >= c.LeaseWindow {
		return fmt.Errorf("heartbeat interval (%s) must be shorter than lease window (%s)",
			c.HeartbeatInterval, c.LeaseWindow)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	return nil
}

// LoadWorkerConfig loads worker configuration with safe defaults.
func LoadWorkerConfig() (*WorkerConfig, error) {
	cfg := &WorkerConfig{
		PollInterval:        5 * time.Second,
		HeartbeatInterval:   30 * time.Second,
		LeaseWindow:         120 * time.Second,
		DrainTimeout:        60 * time.Second,
		HITLTimeout:         300 * time.Second,
		SessionTTL:          720 * time.Hour,
		CallbackTimeout:     10 * time.Second,
		CallbackMaxAttempts: 3,
		CallbackRate:        20,
	}
	cfg.Observability.ServiceName = "pilot-worker"

	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load worker config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// StatusAPIConfig holds configuration for the status-api command.
type StatusAPIConfig struct {
	Database      DatabaseConfig
	Observability ObservabilityConfig

	ListenAddr string `env:"PILOT_STATUS_ADDR"`
}

// LoadStatusAPIConfig loads status API configuration with defaults.
func LoadStatusAPIConfig() (*StatusAPIConfig, error) {
	cfg := &StatusAPIConfig{ListenAddr: ":8090"}
	cfg.Observability.ServiceName = "pilot-status-api"

	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load status API config: %w", err)
	}
	return cfg, nil
}

// MigrateConfig holds configuration for the migrate and release-stuck commands.
type MigrateConfig struct {
	Database DatabaseConfig

	LeaseWindow time.Duration `env:"PILOT_LEASE_WINDOW"`
}

// LoadMigrateConfig loads maintenance-command configuration with defaults.
func LoadMigrateConfig() (*MigrateConfig, error) {
	cfg := &MigrateConfig{LeaseWindow: 120 * time.Second}

	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}
