// Perdura - Durable, Idempotent, Resumable Execution Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/perdura

package retry

import (
	"sync"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/perdura/internal/logging"
)

// BreakerConfig tunes the per-kind circuit breaker.
type BreakerConfig struct {
	// Enabled turns breaker protection on for this kind.
	Enabled bool `koanf:"enabled"`

	// FailureThreshold is the number of consecutive failures that open
	// the breaker. Default: 5
	FailureThreshold uint32 `koanf:"failure_threshold"`

	// Timeout is how long the breaker stays open before probing.
	// Default: 30s
	Timeout time.Duration `koanf:"timeout"`

	// MaxRequests is the number of probe requests allowed half-open.
	// Default: 1
	MaxRequests uint32 `koanf:"max_requests"`
}

// DefaultBreakerConfig returns the breaker defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:          false,
		FailureThreshold: 5,
		Timeout:          30 * time.Second,
		MaxRequests:      1,
	}
}

// Breakers holds one circuit breaker per operation kind. An open breaker
// fails item attempts fast; the engine counts those as ordinary attempt
// failures, so the retry policy still bounds total work.
type Breakers struct {
	mu       sync.Mutex
	config   BreakerConfig
	perKind  map[string]*gobreaker.CircuitBreaker[json.RawMessage]
	override map[string]BreakerConfig
}

// NewBreakers creates a breaker set with the given default configuration.
func NewBreakers(cfg BreakerConfig) *Breakers {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
	return &Breakers{
		config:   cfg,
		perKind:  make(map[string]*gobreaker.CircuitBreaker[json.RawMessage]),
		override: make(map[string]BreakerConfig),
	}
}

// Configure sets a per-kind override, replacing any existing breaker for
// that kind.
func (b *Breakers) Configure(kind string, cfg BreakerConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.override[kind] = cfg
	delete(b.perKind, kind)
}

// For returns the breaker for a kind, creating it on first use.
// Returns nil when breaker protection is disabled for the kind, or on a
// nil Breakers set.
func (b *Breakers) For(kind string) *gobreaker.CircuitBreaker[json.RawMessage] {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.perKind[kind]; ok {
		return cb
	}

	cfg := b.config
	if o, ok := b.override[kind]; ok {
		cfg = o
	}
	if !cfg.Enabled {
		return nil
	}

	cb := gobreaker.NewCircuitBreaker[json.RawMessage](gobreaker.Settings{
		Name:        "item-op:" + kind,
		MaxRequests: cfg.MaxRequests,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state change")
		},
	})
	b.perKind[kind] = cb
	return cb
}
