// Perdura - Durable, Idempotent, Resumable Execution Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/perdura

package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/goccy/go-json"

	"github.com/tomtom215/perdura/internal/logging"
)

// Key prefixes for the two record kinds. The tenant ID is part of every key,
// so lookups are tenant-scoped by construction.
const (
	prefixIdempotency = "idem:"
	prefixProgress    = "prog:"
)

// BadgerConfig holds BadgerStore configuration.
type BadgerConfig struct {
	// Path is the directory where BadgerDB stores its files.
	// Should be on a durable filesystem (not tmpfs).
	Path string

	// SyncWrites forces fsync after every write. Set to false for higher
	// throughput but risk of losing the most recent checkpoints on power
	// failure.
	SyncWrites bool

	// RecordTTL is an optional time-to-live applied to every record.
	// Zero means records are kept until an external retention policy
	// removes them; this store never deletes records on its own.
	RecordTTL time.Duration

	// BadgerDB tuning options.
	MemTableSize     int64
	ValueLogFileSize int64
	NumCompactors    int

	// Compression enables Snappy compression for stored records.
	Compression bool

	// CloseTimeout is the maximum time to wait for graceful shutdown.
	// Default: 30s
	CloseTimeout time.Duration
}

// DefaultBadgerConfig returns production defaults.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:             path,
		SyncWrites:       true,
		MemTableSize:     16 << 20,
		ValueLogFileSize: 64 << 20,
		NumCompactors:    2,
		Compression:      true,
		CloseTimeout:     30 * time.Second,
	}
}

// Validate checks the configuration for obvious misconfiguration.
func (c *BadgerConfig) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("ledger: badger path cannot be empty")
	}
	if c.NumCompactors < 2 {
		return fmt.Errorf("ledger: badger requires at least 2 compactors, got %d", c.NumCompactors)
	}
	return nil
}

// BadgerStore implements Store using BadgerDB for durable storage.
// Checkpoints survive process crashes: a TrackOperationProgress call that
// returned nil is readable after restart.
type BadgerStore struct {
	db     *badger.DB
	config BadgerConfig

	mu     sync.RWMutex
	closed bool
}

// OpenBadger opens (or creates) a BadgerStore at the configured path.
func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ledger config: %w", err)
	}

	opts := badger.DefaultOptions(cfg.Path)
	opts.SyncWrites = cfg.SyncWrites
	if cfg.MemTableSize > 0 {
		opts.MemTableSize = cfg.MemTableSize
	}
	if cfg.ValueLogFileSize > 0 {
		opts.ValueLogFileSize = cfg.ValueLogFileSize
	}
	opts.NumCompactors = cfg.NumCompactors
	if cfg.Compression {
		opts.Compression = options.Snappy
	}

	// Reduce logging verbosity
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB: %w", err)
	}

	logging.Info().
		Str("path", cfg.Path).
		Bool("sync_writes", cfg.SyncWrites).
		Msg("Ledger store opened")

	return &BadgerStore{db: db, config: cfg}, nil
}

func (s *BadgerStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// The tenant and key are joined with a separator that cannot appear in
// either, the same scheme MemoryStore uses. A printable separator like
// ":" would let tenant "a:b" key "c" alias tenant "a" key "b:c".
func idempotencyKey(tenantID, key string) []byte {
	return []byte(prefixIdempotency + tenantID + "\x00" + key)
}

func progressKey(tenantID, operationID string) []byte {
	return []byte(prefixProgress + tenantID + "\x00" + operationID)
}

// CheckIdempotency returns the record for (tenant, key), or ErrNotFound.
func (s *BadgerStore) CheckIdempotency(ctx context.Context, tenantID, key string) (*IdempotencyRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := validateScope(tenantID, key); err != nil {
		return nil, err
	}

	var rec IdempotencyRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(idempotencyKey(tenantID, key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get idempotency record: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return nil, err
	}

	recordIdempotencyCheck()
	return &rec, nil
}

// MarkIdempotencyPending writes a pending record unless one already exists.
// The existence check and the write share one transaction, so two concurrent
// submissions of the same key cannot both succeed.
func (s *BadgerStore) MarkIdempotencyPending(ctx context.Context, tenantID, key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := validateScope(tenantID, key); err != nil {
		return err
	}

	bk := idempotencyKey(tenantID, key)
	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(bk)
		if err == nil {
			return ErrDuplicateOperation
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("get idempotency record: %w", err)
		}

		rec := IdempotencyRecord{
			Key:       key,
			TenantID:  tenantID,
			Status:    IdempotencyPending,
			CreatedAt: time.Now().UTC(),
		}
		data, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("marshal idempotency record: %w", err)
		}
		return s.setEntry(txn, bk, data)
	})
}

// StoreIdempotencyResult transitions the record to completed with the final
// result. A missing record is created directly in the completed state.
func (s *BadgerStore) StoreIdempotencyResult(ctx context.Context, tenantID, key string, result json.RawMessage) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := validateScope(tenantID, key); err != nil {
		return err
	}

	bk := idempotencyKey(tenantID, key)
	err := s.db.Update(func(txn *badger.Txn) error {
		now := time.Now().UTC()
		rec := IdempotencyRecord{
			Key:       key,
			TenantID:  tenantID,
			CreatedAt: now,
		}

		item, err := txn.Get(bk)
		switch {
		case err == nil:
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("unmarshal idempotency record: %w", err)
			}
			if rec.Status == IdempotencyCompleted {
				if !sameResult(rec.Result, result) {
					return ErrConflict
				}
				return nil
			}
		case errors.Is(err, badger.ErrKeyNotFound):
			// First write for this key
		default:
			return fmt.Errorf("get idempotency record: %w", err)
		}

		rec.Status = IdempotencyCompleted
		rec.Result = result
		rec.CompletedAt = &now

		data, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("marshal idempotency record: %w", err)
		}
		return s.setEntry(txn, bk, data)
	})
	if err != nil {
		return err
	}

	recordIdempotencyCommit()
	return nil
}

// GetOperationProgress returns the progress record, or ErrNotFound.
func (s *BadgerStore) GetOperationProgress(ctx context.Context, tenantID, operationID string) (*ProgressRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := validateScope(tenantID, operationID); err != nil {
		return nil, err
	}

	var rec ProgressRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(progressKey(tenantID, operationID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get progress record: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// TrackOperationProgress upserts the progress record. The write is durable
// before return when SyncWrites is enabled, which is what makes the record a
// checkpoint rather than a hint.
func (s *BadgerStore) TrackOperationProgress(ctx context.Context, tenantID, operationID string, progress *ProgressRecord) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := validateScope(tenantID, operationID); err != nil {
		return err
	}

	start := time.Now()
	defer func() {
		recordProgressWriteLatency(time.Since(start).Seconds())
	}()

	cp := progress.Clone()
	cp.OperationID = operationID
	cp.TenantID = tenantID
	cp.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal progress record: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return s.setEntry(txn, progressKey(tenantID, operationID), data)
	})
	if err != nil {
		return fmt.Errorf("write progress record: %w", err)
	}

	recordProgressWrite()
	return nil
}

// setEntry writes a key with the configured TTL applied.
func (s *BadgerStore) setEntry(txn *badger.Txn, key, data []byte) error {
	e := badger.NewEntry(key, data)
	if s.config.RecordTTL > 0 {
		e = e.WithTTL(s.config.RecordTTL)
	}
	return txn.SetEntry(e)
}

// Close gracefully shuts down the store with a configurable timeout.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	timeout := s.config.CloseTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	s.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- s.db.Close()
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("close BadgerDB: %w", err)
		}
		logging.Info().Msg("Ledger store closed")
		return nil
	case <-time.After(timeout):
		logging.Warn().Dur("timeout", timeout).Msg("Ledger store close timed out")
		return fmt.Errorf("badgerdb close timeout after %v", timeout)
	}
}
