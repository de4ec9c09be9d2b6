// Perdura - Durable, Idempotent, Resumable Execution Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/perdura

package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// MemoryStore is an in-process Store backed by maps. It is safe for
// concurrent use and shares the full Store contract with the durable
// adapters, so tests and embedding applications exercise the same code
// paths as production.
type MemoryStore struct {
	mu          sync.RWMutex
	idempotency map[string]*IdempotencyRecord // key: tenant + "\x00" + key
	progress    map[string]*ProgressRecord    // key: tenant + "\x00" + operationID
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		idempotency: make(map[string]*IdempotencyRecord),
		progress:    make(map[string]*ProgressRecord),
	}
}

// scopedKey joins tenant and key with a separator that cannot appear in
// either, keeping tenants isolated in the flat map.
func scopedKey(tenantID, key string) string {
	return tenantID + "\x00" + key
}

// CheckIdempotency returns the record for (tenant, key), or ErrNotFound.
func (s *MemoryStore) CheckIdempotency(ctx context.Context, tenantID, key string) (*IdempotencyRecord, error) {
	if err := validateScope(tenantID, key); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.idempotency[scopedKey(tenantID, key)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// MarkIdempotencyPending writes a pending record unless one already exists.
func (s *MemoryStore) MarkIdempotencyPending(ctx context.Context, tenantID, key string) error {
	if err := validateScope(tenantID, key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sk := scopedKey(tenantID, key)
	if _, ok := s.idempotency[sk]; ok {
		return ErrDuplicateOperation
	}
	s.idempotency[sk] = &IdempotencyRecord{
		Key:       key,
		TenantID:  tenantID,
		Status:    IdempotencyPending,
		CreatedAt: time.Now().UTC(),
	}
	return nil
}

// StoreIdempotencyResult transitions the record to completed. A missing
// record is created directly in the completed state, covering callers that
// skip the optimistic pending write.
func (s *MemoryStore) StoreIdempotencyResult(ctx context.Context, tenantID, key string, result json.RawMessage) error {
	if err := validateScope(tenantID, key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sk := scopedKey(tenantID, key)
	now := time.Now().UTC()

	if existing, ok := s.idempotency[sk]; ok {
		if existing.Status == IdempotencyCompleted {
			if !sameResult(existing.Result, result) {
				return ErrConflict
			}
			return nil
		}
		existing.Status = IdempotencyCompleted
		existing.Result = append(json.RawMessage(nil), result...)
		existing.CompletedAt = &now
		return nil
	}

	s.idempotency[sk] = &IdempotencyRecord{
		Key:         key,
		TenantID:    tenantID,
		Status:      IdempotencyCompleted,
		Result:      append(json.RawMessage(nil), result...),
		CreatedAt:   now,
		CompletedAt: &now,
	}
	return nil
}

// GetOperationProgress returns the progress record, or ErrNotFound.
func (s *MemoryStore) GetOperationProgress(ctx context.Context, tenantID, operationID string) (*ProgressRecord, error) {
	if err := validateScope(tenantID, operationID); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.progress[scopedKey(tenantID, operationID)]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// TrackOperationProgress upserts the progress record (last-writer-wins).
func (s *MemoryStore) TrackOperationProgress(ctx context.Context, tenantID, operationID string, progress *ProgressRecord) error {
	if err := validateScope(tenantID, operationID); err != nil {
		return err
	}

	cp := progress.Clone()
	cp.OperationID = operationID
	cp.TenantID = tenantID
	cp.UpdatedAt = time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress[scopedKey(tenantID, operationID)] = cp
	return nil
}
