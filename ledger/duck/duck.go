// Perdura - Durable, Idempotent, Resumable Execution Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/perdura

// Package duck provides a relational ledger.Store backed by DuckDB.
// It targets deployments that already run an analytical database and want
// idempotency and progress records queryable with SQL, at the cost of the
// CGO-based driver.
package duck

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/goccy/go-json"

	"github.com/tomtom215/perdura/internal/logging"
	"github.com/tomtom215/perdura/ledger"
)

// Store implements ledger.Store over DuckDB.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a DuckDB-backed ledger at the given path and
// ensures the schema exists. Use ":memory:" for an ephemeral store.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("duck: path cannot be empty")
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open DuckDB: %w", err)
	}

	s := &Store{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	logging.Info().Str("path", path).Msg("DuckDB ledger opened")
	return s, nil
}

// NewWithDB wraps an existing database handle, for embedders that share one
// DuckDB instance across components. The schema is created if missing.
func NewWithDB(ctx context.Context, db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.createTables(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// createTables creates the ledger schema if it doesn't exist.
// Statements execute separately (DuckDB doesn't support multi-statement).
func (s *Store) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS idempotency_records (
			tenant_id TEXT NOT NULL,
			key TEXT NOT NULL,
			status TEXT NOT NULL,
			result TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ,
			PRIMARY KEY (tenant_id, key)
		)`,
		`CREATE TABLE IF NOT EXISTS progress_records (
			tenant_id TEXT NOT NULL,
			operation_id TEXT NOT NULL,
			status TEXT NOT NULL,
			total INTEGER NOT NULL,
			processed INTEGER NOT NULL,
			succeeded INTEGER NOT NULL,
			failed INTEGER NOT NULL,
			current_batch INTEGER NOT NULL,
			last_successful_batch INTEGER NOT NULL,
			results TEXT,
			errors TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (tenant_id, operation_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_progress_status ON progress_records(status)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ledger schema: %w", err)
		}
	}
	return nil
}

// CheckIdempotency returns the record for (tenant, key), or ledger.ErrNotFound.
func (s *Store) CheckIdempotency(ctx context.Context, tenantID, key string) (*ledger.IdempotencyRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT status, result, created_at, completed_at
		 FROM idempotency_records WHERE tenant_id = ? AND key = ?`,
		tenantID, key)

	rec := ledger.IdempotencyRecord{Key: key, TenantID: tenantID}
	var result sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(&rec.Status, &result, &rec.CreatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query idempotency record: %w", err)
	}
	if result.Valid {
		rec.Result = json.RawMessage(result.String)
	}
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	return &rec, nil
}

// MarkIdempotencyPending inserts a pending record; the primary key makes a
// duplicate submission fail the insert.
func (s *Store) MarkIdempotencyPending(ctx context.Context, tenantID, key string) error {
	if _, err := s.CheckIdempotency(ctx, tenantID, key); err == nil {
		return ledger.ErrDuplicateOperation
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_records (tenant_id, key, status, created_at)
		 VALUES (?, ?, ?, ?)`,
		tenantID, key, string(ledger.IdempotencyPending), time.Now().UTC())
	if err != nil {
		// A concurrent insert between check and write lands here.
		return ledger.ErrDuplicateOperation
	}
	return nil
}

// StoreIdempotencyResult transitions the record to completed.
func (s *Store) StoreIdempotencyResult(ctx context.Context, tenantID, key string, result json.RawMessage) error {
	existing, err := s.CheckIdempotency(ctx, tenantID, key)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return err
	}
	if existing != nil && existing.Status == ledger.IdempotencyCompleted {
		if string(existing.Result) != string(result) {
			return ledger.ErrConflict
		}
		return nil
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO idempotency_records (tenant_id, key, status, result, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, key) DO UPDATE SET
			status = EXCLUDED.status,
			result = EXCLUDED.result,
			completed_at = EXCLUDED.completed_at`,
		tenantID, key, string(ledger.IdempotencyCompleted), string(result), now, now)
	if err != nil {
		return fmt.Errorf("store idempotency result: %w", err)
	}
	return nil
}

// GetOperationProgress returns the progress record, or ledger.ErrNotFound.
func (s *Store) GetOperationProgress(ctx context.Context, tenantID, operationID string) (*ledger.ProgressRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT status, total, processed, succeeded, failed,
			current_batch, last_successful_batch, results, errors,
			created_at, updated_at
		 FROM progress_records WHERE tenant_id = ? AND operation_id = ?`,
		tenantID, operationID)

	rec := ledger.ProgressRecord{OperationID: operationID, TenantID: tenantID}
	var results, errs sql.NullString
	err := row.Scan(&rec.Status, &rec.Total, &rec.Processed, &rec.Succeeded,
		&rec.Failed, &rec.CurrentBatch, &rec.LastSuccessfulBatch,
		&results, &errs, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query progress record: %w", err)
	}

	if results.Valid && results.String != "" {
		if err := json.Unmarshal([]byte(results.String), &rec.Results); err != nil {
			return nil, fmt.Errorf("unmarshal progress results: %w", err)
		}
	}
	if errs.Valid && errs.String != "" {
		if err := json.Unmarshal([]byte(errs.String), &rec.Errors); err != nil {
			return nil, fmt.Errorf("unmarshal progress errors: %w", err)
		}
	}
	return &rec, nil
}

// TrackOperationProgress upserts the progress record.
func (s *Store) TrackOperationProgress(ctx context.Context, tenantID, operationID string, progress *ledger.ProgressRecord) error {
	results, err := json.Marshal(progress.Results)
	if err != nil {
		return fmt.Errorf("marshal progress results: %w", err)
	}
	errs, err := json.Marshal(progress.Errors)
	if err != nil {
		return fmt.Errorf("marshal progress errors: %w", err)
	}

	now := time.Now().UTC()
	createdAt := progress.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO progress_records (
			tenant_id, operation_id, status, total, processed, succeeded,
			failed, current_batch, last_successful_batch, results, errors,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, operation_id) DO UPDATE SET
			status = EXCLUDED.status,
			processed = EXCLUDED.processed,
			succeeded = EXCLUDED.succeeded,
			failed = EXCLUDED.failed,
			current_batch = EXCLUDED.current_batch,
			last_successful_batch = EXCLUDED.last_successful_batch,
			results = EXCLUDED.results,
			errors = EXCLUDED.errors,
			updated_at = EXCLUDED.updated_at`,
		tenantID, operationID, string(progress.Status), progress.Total,
		progress.Processed, progress.Succeeded, progress.Failed,
		progress.CurrentBatch, progress.LastSuccessfulBatch,
		string(results), string(errs), createdAt, now)
	if err != nil {
		return fmt.Errorf("track progress record: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
