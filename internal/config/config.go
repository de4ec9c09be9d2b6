// Perdura - Durable, Idempotent, Resumable Execution Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/perdura

// Package config loads runtime configuration from layered sources with
// clear precedence: environment variables over an optional YAML file over
// built-in defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/tomtom215/perdura/retry"
)

// DefaultConfigPaths lists where config files are searched, in order. The
// first file found wins.
var DefaultConfigPaths = []string{
	"perdura.yaml",
	"perdura.yml",
	"/etc/perdura/config.yaml",
	"/etc/perdura/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "PERDURA_CONFIG_PATH"

// EnvPrefix namespaces all environment overrides, e.g.
// PERDURA_LEDGER_BACKEND=badger sets ledger.backend.
const EnvPrefix = "PERDURA_"

// Config is the full runtime configuration.
type Config struct {
	Logging LoggingConfig `koanf:"logging"`
	Ledger  LedgerConfig  `koanf:"ledger"`
	WAL     WALConfig     `koanf:"wal"`
	Bulk    BulkConfig    `koanf:"bulk"`
	Retry   RetryConfig   `koanf:"retry"`
	Breaker BreakerConfig `koanf:"breaker"`
	Events  EventsConfig  `koanf:"events"`
	Ops     OpsConfig     `koanf:"ops"`
}

// LoggingConfig controls the global logger.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal panic"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// LedgerConfig selects and tunes the idempotency/progress store.
type LedgerConfig struct {
	// Backend is memory, badger, or duckdb.
	Backend string `koanf:"backend" validate:"oneof=memory badger duckdb"`

	// Path is the data directory (badger) or database file (duckdb).
	Path string `koanf:"path" validate:"required_unless=Backend memory"`

	// RecordTTL expires idempotency records in the badger backend. Zero
	// keeps them forever; retention is otherwise an external policy.
	RecordTTL time.Duration `koanf:"record_ttl" validate:"gte=0"`
}

// WALConfig tunes the write-ahead log.
type WALConfig struct {
	Dir string `koanf:"dir" validate:"required"`

	// SyncWrites forces an fsync before every append acknowledges.
	// Disabling trades durability for throughput.
	SyncWrites bool `koanf:"sync_writes"`

	// CompactionInterval is how often value-log garbage collection runs.
	CompactionInterval time.Duration `koanf:"compaction_interval" validate:"gt=0"`
}

// BulkConfig holds engine-wide defaults; requests may override batch
// shape per run.
type BulkConfig struct {
	DefaultBatchSize   int `koanf:"default_batch_size" validate:"gt=0"`
	DefaultMaxParallel int `koanf:"default_max_parallel" validate:"gt=0"`

	// TenantRatePerSecond throttles batch starts per tenant. Zero
	// disables throttling.
	TenantRatePerSecond float64 `koanf:"tenant_rate_per_second" validate:"gte=0"`
	TenantRateBurst     int     `koanf:"tenant_rate_burst" validate:"gte=0"`
}

// RetryConfig builds the policy registry.
type RetryConfig struct {
	// Default is the fallback policy for unknown kinds.
	Default retry.Policy `koanf:"default"`

	// Kinds maps retry kind names to their policies.
	Kinds map[string]retry.Policy `koanf:"kinds"`
}

// BreakerConfig holds the engine-wide circuit breaker settings.
type BreakerConfig struct {
	Enabled          bool          `koanf:"enabled"`
	FailureThreshold uint32        `koanf:"failure_threshold" validate:"required_if=Enabled true,gte=0"`
	Timeout          time.Duration `koanf:"timeout" validate:"gte=0"`
	MaxRequests      uint32        `koanf:"max_requests" validate:"gte=0"`
}

// EventsConfig selects the event transport.
type EventsConfig struct {
	Enabled bool `koanf:"enabled"`

	// Backend is gochannel (in-process) or nats.
	Backend string `koanf:"backend" validate:"oneof=gochannel nats"`

	NATSURL             string        `koanf:"nats_url" validate:"required_if=Backend nats"`
	NATSMaxReconnects   int           `koanf:"nats_max_reconnects"`
	NATSReconnectWait   time.Duration `koanf:"nats_reconnect_wait" validate:"gte=0"`
	NATSReconnectBuffer int           `koanf:"nats_reconnect_buffer" validate:"gte=0"`
	NATSTrackMsgID      bool          `koanf:"nats_track_msg_id"`
}

// OpsConfig controls the operational HTTP server (health, metrics).
type OpsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr" validate:"required_if=Enabled true"`

	ReadTimeout     time.Duration `koanf:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `koanf:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gte=0"`
}

// defaultConfig returns the built-in defaults, applied before file and
// environment layers.
func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		Ledger: LedgerConfig{
			Backend:   "badger",
			Path:      "/data/perdura/ledger",
			RecordTTL: 0, // Keep records forever
		},
		WAL: WALConfig{
			Dir:                "/data/perdura/wal",
			SyncWrites:         true,
			CompactionInterval: 5 * time.Minute,
		},
		Bulk: BulkConfig{
			DefaultBatchSize:    100,
			DefaultMaxParallel:  8,
			TenantRatePerSecond: 0, // Unlimited
			TenantRateBurst:     1,
		},
		Retry: RetryConfig{
			Default: retry.DefaultPolicy(),
			Kinds:   map[string]retry.Policy{},
		},
		Breaker: BreakerConfig{
			Enabled:          false,
			FailureThreshold: 5,
			Timeout:          30 * time.Second,
			MaxRequests:      1,
		},
		Events: EventsConfig{
			Enabled:             true,
			Backend:             "gochannel",
			NATSURL:             "nats://127.0.0.1:4222",
			NATSMaxReconnects:   -1,
			NATSReconnectWait:   2 * time.Second,
			NATSReconnectBuffer: 8 << 20,
			NATSTrackMsgID:      true,
		},
		Ops: OpsConfig{
			Enabled:         true,
			Addr:            ":9090",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
	}
}

// Validate checks the assembled configuration.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	for kind, p := range c.Retry.Kinds {
		if p.MaxAttempts < 0 {
			return fmt.Errorf("retry kind %q: max attempts cannot be negative", kind)
		}
	}
	return nil
}

// findConfigFile returns the first existing config file, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransform maps PERDURA_LEDGER_BACKEND to ledger.backend. Only the
// first underscore becomes a separator; the rest stay part of the key so
// multi-word fields like default_batch_size survive.
func envTransform(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}
