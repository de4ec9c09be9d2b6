// Perdura - Durable, Idempotent, Resumable Execution Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/perdura

// Package retry maps operation kinds to backoff policies.
//
// A kind is a short string such as "ingest.pdf" or "export.excel"; each kind
// resolves to a Policy once at registration time, so the hot path never
// branches on strings. Unknown kinds fall back to a conservative default.
package retry

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Policy describes the retry behavior for one operation kind.
type Policy struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int `koanf:"max_attempts"`

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration `koanf:"base_delay"`

	// Multiplier grows the delay between successive retries.
	Multiplier float64 `koanf:"multiplier"`

	// MaxDelay caps the grown delay.
	MaxDelay time.Duration `koanf:"max_delay"`

	// JitterFraction randomizes each delay by ±fraction, spreading
	// retries from correlated failures. 0.1 means ±10%.
	JitterFraction float64 `koanf:"jitter_fraction"`
}

// DefaultPolicy is the conservative fallback for unknown kinds.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		BaseDelay:      500 * time.Millisecond,
		Multiplier:     2.0,
		MaxDelay:       10 * time.Second,
		JitterFraction: 0.1,
	}
}

// Delay returns the backoff before retry attempt a (1-indexed):
// min(base * multiplier^(a-1), max) * (1 ± jitter).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	base := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	capped := float64(p.MaxDelay)
	if capped > 0 && (base > capped || base < 0) {
		// A negative value means the exponent overflowed.
		base = capped
	}

	if p.JitterFraction > 0 {
		// Uniform in [1-j, 1+j)
		base *= 1 + p.JitterFraction*(2*rand.Float64()-1)
	}

	return time.Duration(base)
}

// Registry maps operation kinds to policies. The zero value is not usable;
// construct with NewRegistry.
type Registry struct {
	mu       sync.RWMutex
	policies map[string]Policy
	fallback Policy
}

// NewRegistry creates a registry with the conservative default fallback.
func NewRegistry() *Registry {
	return &Registry{
		policies: make(map[string]Policy),
		fallback: DefaultPolicy(),
	}
}

// NewRegistryFromPolicies creates a registry pre-populated from a kind map,
// typically unmarshaled from configuration.
func NewRegistryFromPolicies(kinds map[string]Policy) *Registry {
	r := NewRegistry()
	for kind, p := range kinds {
		r.Register(kind, p)
	}
	return r
}

// Register binds a kind to a policy, normalizing zero fields to the
// fallback's values so partial configuration stays safe.
func (r *Registry) Register(kind string, p Policy) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = r.fallback.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = r.fallback.BaseDelay
	}
	if p.Multiplier <= 0 {
		p.Multiplier = r.fallback.Multiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = r.fallback.MaxDelay
	}
	if p.JitterFraction < 0 {
		p.JitterFraction = 0
	}

	r.mu.Lock()
	r.policies[kind] = p
	r.mu.Unlock()
}

// SetFallback replaces the policy returned for unknown kinds.
func (r *Registry) SetFallback(p Policy) {
	r.mu.Lock()
	r.fallback = p
	r.mu.Unlock()
}

// PolicyFor returns the policy registered for kind, or the fallback.
func (r *Registry) PolicyFor(kind string) Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.policies[kind]; ok {
		return p
	}
	return r.fallback
}

// Kinds returns the registered kind names, for diagnostics.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.policies))
	for k := range r.policies {
		kinds = append(kinds, k)
	}
	return kinds
}
