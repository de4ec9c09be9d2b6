// Perdura - Durable, Idempotent, Resumable Execution Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/perdura

package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
)

func TestDelayProgression(t *testing.T) {
	t.Parallel()

	p := Policy{
		MaxAttempts:    10,
		BaseDelay:      100 * time.Millisecond,
		Multiplier:     2.0,
		MaxDelay:       time.Second,
		JitterFraction: 0, // Deterministic for the progression check
	}

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestDelayJitterBounds(t *testing.T) {
	t.Parallel()

	p := Policy{
		MaxAttempts:    3,
		BaseDelay:      100 * time.Millisecond,
		Multiplier:     2.0,
		MaxDelay:       time.Second,
		JitterFraction: 0.1,
	}

	base := float64(100 * time.Millisecond)
	lo := time.Duration(base * 0.9)
	hi := time.Duration(base * 1.1)
	for i := 0; i < 100; i++ {
		d := p.Delay(1)
		if d < lo || d > hi {
			t.Fatalf("Delay(1) = %v outside jitter bounds [%v, %v]", d, lo, hi)
		}
	}
}

func TestDelayOverflowCapsAtMax(t *testing.T) {
	t.Parallel()

	p := Policy{
		MaxAttempts:    1000,
		BaseDelay:      time.Second,
		Multiplier:     2.0,
		MaxDelay:       5 * time.Minute,
		JitterFraction: 0,
	}

	// Attempt counts large enough to overflow the exponent must still
	// return the cap, never a negative duration.
	for _, attempt := range []int{60, 100, 500} {
		if got := p.Delay(attempt); got != 5*time.Minute {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, 5*time.Minute)
		}
	}
}

func TestRegistryFallback(t *testing.T) {
	t.Parallel()

	r := NewRegistry()

	got := r.PolicyFor("never-registered")
	want := DefaultPolicy()
	if got != want {
		t.Errorf("PolicyFor(unknown) = %+v, want default %+v", got, want)
	}
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register("ingest.pdf", Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		Multiplier:  3.0,
		MaxDelay:    time.Minute,
	})

	p := r.PolicyFor("ingest.pdf")
	if p.MaxAttempts != 5 || p.Multiplier != 3.0 {
		t.Errorf("PolicyFor(ingest.pdf) = %+v", p)
	}
}

func TestRegisterNormalizesZeroFields(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register("sparse", Policy{MaxAttempts: 7})

	p := r.PolicyFor("sparse")
	if p.MaxAttempts != 7 {
		t.Errorf("MaxAttempts = %d, want 7", p.MaxAttempts)
	}
	def := DefaultPolicy()
	if p.BaseDelay != def.BaseDelay || p.Multiplier != def.Multiplier || p.MaxDelay != def.MaxDelay {
		t.Errorf("zero fields not normalized: %+v", p)
	}
}

func TestRegistryFromPolicies(t *testing.T) {
	t.Parallel()

	r := NewRegistryFromPolicies(map[string]Policy{
		"a": {MaxAttempts: 1},
		"b": {MaxAttempts: 2},
	})

	if got := r.PolicyFor("a").MaxAttempts; got != 1 {
		t.Errorf("PolicyFor(a).MaxAttempts = %d, want 1", got)
	}
	if got := r.PolicyFor("b").MaxAttempts; got != 2 {
		t.Errorf("PolicyFor(b).MaxAttempts = %d, want 2", got)
	}
	if len(r.Kinds()) != 2 {
		t.Errorf("Kinds() = %v, want 2 entries", r.Kinds())
	}
}

func TestBreakersDisabledByDefault(t *testing.T) {
	t.Parallel()

	b := NewBreakers(DefaultBreakerConfig())
	if cb := b.For("any"); cb != nil {
		t.Error("expected nil breaker when disabled")
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	cfg := DefaultBreakerConfig()
	cfg.Enabled = true
	cfg.FailureThreshold = 3
	b := NewBreakers(cfg)

	cb := b.For("flaky")
	if cb == nil {
		t.Fatal("expected breaker when enabled")
	}

	fail := func() (json.RawMessage, error) { return nil, errors.New("down") }
	for i := 0; i < 3; i++ {
		if _, err := cb.Execute(fail); err == nil {
			t.Fatal("expected failure")
		}
	}

	// Breaker should now be open and fail fast
	_, err := cb.Execute(func() (json.RawMessage, error) { return json.RawMessage(`1`), nil })
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("expected open-state error, got %v", err)
	}

	// Same kind resolves to the same breaker instance
	if b.For("flaky") != cb {
		t.Error("For should return the cached breaker")
	}
}
