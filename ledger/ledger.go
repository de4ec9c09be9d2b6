// Perdura - Durable, Idempotent, Resumable Execution Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/perdura

// Package ledger defines the tenant-scoped persistence surface the execution
// engine checkpoints into: idempotency records keyed by derived operation
// identity, and progress records keyed by operation ID.
//
// The package ships three interchangeable adapters:
//
//   - memory: in-process map store for tests and embedding
//   - badger: durable BadgerDB store (production default)
//   - duck (subpackage): relational DuckDB store for deployments that
//     already carry an analytical database
//
// No cross-record transactionality is provided between idempotency and
// progress records; each is updated independently. Progress updates may run
// slightly ahead of the final idempotency commit (at-least-once
// checkpointing).
package ledger

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
)

// IdempotencyStatus is the lifecycle state of an idempotency record.
type IdempotencyStatus string

const (
	// IdempotencyPending marks a record written optimistically before work
	// starts. It signals an in-flight operation to concurrent submitters.
	IdempotencyPending IdempotencyStatus = "pending"

	// IdempotencyCompleted marks a record carrying the final result.
	// Completed records are immutable.
	IdempotencyCompleted IdempotencyStatus = "completed"
)

// IdempotencyRecord is the identity of one logical operation.
// At most one record exists per (tenant, key).
type IdempotencyRecord struct {
	Key         string            `json:"key"`
	TenantID    string            `json:"tenant_id"`
	Status      IdempotencyStatus `json:"status"`
	Result      json.RawMessage   `json:"result,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// ProgressStatus is the lifecycle state of a progress record.
type ProgressStatus string

const (
	// ProgressRunning marks an operation still producing checkpoints.
	ProgressRunning ProgressStatus = "running"

	// ProgressCompleted marks an operation that finished all batches.
	ProgressCompleted ProgressStatus = "completed"

	// ProgressFailed marks an operation abandoned before completion.
	ProgressFailed ProgressStatus = "failed"
)

// ItemResult records the outcome of one work item. Index is the position in
// the original input list, used to correlate output to input even though
// processing order within a batch is non-deterministic.
type ItemResult struct {
	Index   int             `json:"index"`
	Success bool            `json:"success"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ProgressRecord is the resumable checkpoint state of one bulk operation.
//
// Invariants maintained by the engine: Processed == Succeeded + Failed at
// every observation point, and CurrentBatch >= LastSuccessfulBatch.
// LastSuccessfulBatch only advances when every item in that batch resolved
// to success.
type ProgressRecord struct {
	OperationID string         `json:"operation_id"`
	TenantID    string         `json:"tenant_id"`
	Status      ProgressStatus `json:"status"`

	Total     int `json:"total"`
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`

	// Batch numbering is 1-based and stable across resumes.
	CurrentBatch        int `json:"current_batch"`
	LastSuccessfulBatch int `json:"last_successful_batch"`

	// Results and Errors are ordered by original input index.
	Results []ItemResult `json:"results,omitempty"`
	Errors  []ItemResult `json:"errors,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the record. The engine hands clones to the
// store so later mutations never alias persisted state.
func (p *ProgressRecord) Clone() *ProgressRecord {
	cp := *p
	cp.Results = append([]ItemResult(nil), p.Results...)
	cp.Errors = append([]ItemResult(nil), p.Errors...)
	return &cp
}

// Store is the narrow persistence contract the execution engine depends on.
// All lookups are tenant-scoped; a record written for one tenant is never
// visible to another.
type Store interface {
	// CheckIdempotency returns the record for (tenant, key), or ErrNotFound.
	CheckIdempotency(ctx context.Context, tenantID, key string) (*IdempotencyRecord, error)

	// MarkIdempotencyPending writes a pending record optimistically before
	// work starts. Returns ErrDuplicateOperation if any record already
	// exists for (tenant, key), whether pending or completed.
	MarkIdempotencyPending(ctx context.Context, tenantID, key string) error

	// StoreIdempotencyResult transitions the record to completed with the
	// final result. Returns ErrConflict if a completed record already
	// exists with a different result.
	StoreIdempotencyResult(ctx context.Context, tenantID, key string, result json.RawMessage) error

	// GetOperationProgress returns the progress record for (tenant,
	// operation), or ErrNotFound.
	GetOperationProgress(ctx context.Context, tenantID, operationID string) (*ProgressRecord, error)

	// TrackOperationProgress upserts the progress record. Last-writer-wins
	// is acceptable: only the owning engine instance writes a given
	// operation ID.
	TrackOperationProgress(ctx context.Context, tenantID, operationID string, progress *ProgressRecord) error
}

// Errors
var (
	// ErrNotFound is returned when no record exists for the lookup.
	ErrNotFound = errors.New("ledger: record not found")

	// ErrDuplicateOperation is returned when an idempotency record already
	// exists, signalling an in-flight or completed duplicate submission.
	ErrDuplicateOperation = errors.New("ledger: duplicate operation")

	// ErrConflict is returned when a completed idempotency record exists
	// with a different result than the one being stored.
	ErrConflict = errors.New("ledger: conflicting idempotency result")

	// ErrEmptyTenant is returned when the tenant ID is empty.
	ErrEmptyTenant = errors.New("ledger: tenant ID cannot be empty")

	// ErrEmptyKey is returned when the record key is empty.
	ErrEmptyKey = errors.New("ledger: key cannot be empty")

	// ErrStoreClosed is returned when the store has been closed.
	ErrStoreClosed = errors.New("ledger: store is closed")
)

// sameResult reports whether two serialized results are byte-identical.
// Completed records are immutable, so equality is the only permitted
// re-store.
func sameResult(a, b json.RawMessage) bool {
	return bytes.Equal(a, b)
}

// validateScope rejects empty tenant or key before any store I/O.
func validateScope(tenantID, key string) error {
	if tenantID == "" {
		return ErrEmptyTenant
	}
	if key == "" {
		return ErrEmptyKey
	}
	return nil
}
