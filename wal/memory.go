// Perdura - Durable, Idempotent, Resumable Execution Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/perdura

package wal

import (
	"context"
	"sync"
	"time"
)

// MemoryLog is an in-process Log for tests and embedding. It honors the
// ordering contract but, being memory-backed, offers no crash durability.
type MemoryLog struct {
	mu      sync.RWMutex
	records map[string][]Record
	closed  bool
}

// NewMemoryLog creates an empty in-process log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{records: make(map[string][]Record)}
}

// Append stores a record and returns its offset.
func (l *MemoryLog) Append(ctx context.Context, executionID string, rec Record) (uint64, error) {
	if executionID == "" {
		return 0, ErrEmptyExecutionID
	}
	if rec.StepName == "" {
		return 0, ErrEmptyStepName
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrLogClosed
	}

	offset := uint64(len(l.records[executionID]))
	l.records[executionID] = append(l.records[executionID], rec)
	return offset, nil
}

// Replay returns all records for the execution in append order.
func (l *MemoryLog) Replay(ctx context.Context, executionID string) ([]Record, error) {
	if executionID == "" {
		return nil, ErrEmptyExecutionID
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrLogClosed
	}

	return append([]Record(nil), l.records[executionID]...), nil
}

// Truncate removes all records for the execution.
func (l *MemoryLog) Truncate(ctx context.Context, executionID string) error {
	if executionID == "" {
		return ErrEmptyExecutionID
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLogClosed
	}

	delete(l.records, executionID)
	return nil
}

// Close marks the log closed.
func (l *MemoryLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}
