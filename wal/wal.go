// Perdura - Durable, Idempotent, Resumable Execution Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/perdura

// Package wal provides a durable write-ahead log keyed by execution ID.
//
// The saga coordinator appends a record before and after every step side
// effect; a crash after Append returns nil cannot lose that record (the
// durable write precedes acknowledgment). Records for one execution are
// replayable in append order. No ordering guarantee exists across
// executions.
package wal

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
)

// Phase is the lifecycle phase a WAL record captures.
type Phase string

const (
	// PhasePending is written before a step's forward action runs.
	PhasePending Phase = "pending"

	// PhaseApplied is written after a forward action committed.
	PhaseApplied Phase = "applied"

	// PhaseFailed is written when a forward action failed.
	PhaseFailed Phase = "failed"

	// PhaseCompensated is written after a compensating action ran
	// (successfully or not; see Record.Payload for the outcome).
	PhaseCompensated Phase = "compensated"
)

// Record is one durable entry in an execution's log.
type Record struct {
	// StepName identifies the saga step this record belongs to.
	StepName string `json:"step_name"`

	// Phase is the lifecycle phase being recorded.
	Phase Phase `json:"phase"`

	// Payload carries the step outcome or error detail, opaque to the log.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Timestamp is when the record was appended.
	Timestamp time.Time `json:"timestamp"`
}

// Log is the durability contract the saga coordinator depends on.
type Log interface {
	// Append durably writes a record for the execution and returns its
	// offset (0-based, dense, per execution). The record is on disk
	// before Append returns nil.
	Append(ctx context.Context, executionID string, rec Record) (uint64, error)

	// Replay returns all records for the execution in append order.
	// An unknown execution yields an empty slice, not an error.
	Replay(ctx context.Context, executionID string) ([]Record, error)

	// Truncate removes all records for the execution once it is fully
	// committed or fully compensated.
	Truncate(ctx context.Context, executionID string) error

	// Close releases the underlying storage.
	Close() error
}

// Errors
var (
	// ErrLogClosed is returned when the log has been closed.
	ErrLogClosed = errors.New("wal: log is closed")

	// ErrEmptyExecutionID is returned when the execution ID is empty.
	ErrEmptyExecutionID = errors.New("wal: execution ID cannot be empty")

	// ErrEmptyStepName is returned when a record has no step name.
	ErrEmptyStepName = errors.New("wal: step name cannot be empty")
)
