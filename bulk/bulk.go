// Perdura - Durable, Idempotent, Resumable Execution Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/perdura

// Package bulk runs N work items in fixed-size batches with bounded
// concurrency, per-kind retry, and durable progress checkpoints.
//
// Batches run strictly sequentially; items within a batch run concurrently
// up to the request's parallelism bound. Progress is checkpointed to the
// ledger after every batch, so a crashed run can resume without repeating
// completed batches. An optional idempotency key makes the whole run
// at-most-once: a completed run returns its stored result on replay
// without re-processing any item.
package bulk

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/tomtom215/perdura/ledger"
)

// Errors
var (
	// ErrConfiguration is returned for invalid requests (non-positive
	// batch size or parallelism, missing fields). Nothing is persisted.
	ErrConfiguration = errors.New("bulk: invalid configuration")

	// ErrCachedResult wraps decode failures of a stored idempotent
	// result; the stored bytes were written by a different version.
	ErrCachedResult = errors.New("bulk: cached result is not decodable")
)

// Request describes one bulk run. The type parameter is the work item.
type Request[T any] struct {
	// OperationID identifies the run for progress tracking and resume.
	// Required.
	OperationID string

	// TenantID scopes the ledger records. Required.
	TenantID string

	// Items is the full input list, in a stable order. Batch numbering
	// and item indexes derive from this order, so resumed runs must pass
	// the identical list.
	Items []T

	// Op processes one item. The index is the item's position in Items.
	// Op is called from multiple goroutines and must be safe for
	// concurrent use. Required.
	Op func(ctx context.Context, item T, index int) (json.RawMessage, error)

	// BatchSize is the number of items per batch; the last batch may be
	// short. Must be positive.
	BatchSize int

	// MaxParallel bounds in-flight Op calls within a batch. Must be
	// positive.
	MaxParallel int

	// Kind selects the retry policy for items. Empty uses the registry
	// fallback.
	Kind string

	// KindOf, when set, overrides Kind per item. Returning "" keeps the
	// request-level kind.
	KindOf func(item T) string

	// ResumeFromBatch skips batches numbered <= its value and seeds
	// results from the stored progress record. Zero runs from the start.
	ResumeFromBatch int

	// IdempotencyKey, when non-empty, makes the whole run at-most-once:
	// a completed record short-circuits to the stored result, and the
	// final result is persisted under the key.
	IdempotencyKey string
}

// Result is the terminal outcome of a bulk run.
type Result struct {
	OperationID string `json:"operation_id"`
	Total       int    `json:"total"`
	Succeeded   int    `json:"succeeded"`
	Failed      int    `json:"failed"`

	// Results and Errors partition the items by outcome, each ordered by
	// original input index.
	Results []ledger.ItemResult `json:"results,omitempty"`
	Errors  []ledger.ItemResult `json:"errors,omitempty"`
}

// ItemError is the terminal failure of one item after its retry policy
// was exhausted. It is recorded in the run's errors, never propagated out
// of the batch loop.
type ItemError struct {
	Index    int
	Kind     string
	Attempts int
	Err      error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("item %d failed after %d attempts: %v", e.Index, e.Attempts, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

// validate rejects a malformed request before anything is persisted.
func (r *Request[T]) validate() error {
	switch {
	case r.OperationID == "":
		return fmt.Errorf("%w: operation id is required", ErrConfiguration)
	case r.TenantID == "":
		return fmt.Errorf("%w: tenant id is required", ErrConfiguration)
	case r.Op == nil:
		return fmt.Errorf("%w: op is required", ErrConfiguration)
	case r.BatchSize <= 0:
		return fmt.Errorf("%w: batch size must be positive, got %d", ErrConfiguration, r.BatchSize)
	case r.MaxParallel <= 0:
		return fmt.Errorf("%w: max parallel must be positive, got %d", ErrConfiguration, r.MaxParallel)
	case r.ResumeFromBatch < 0:
		return fmt.Errorf("%w: resume batch cannot be negative, got %d", ErrConfiguration, r.ResumeFromBatch)
	}
	return nil
}

// numBatches is the 1-based count of batches for n items.
func numBatches(n, batchSize int) int {
	return (n + batchSize - 1) / batchSize
}

// batchBounds returns the [start, end) item indexes of 1-based batch b.
func batchBounds(b, batchSize, n int) (int, int) {
	start := (b - 1) * batchSize
	end := start + batchSize
	if end > n {
		end = n
	}
	return start, end
}
