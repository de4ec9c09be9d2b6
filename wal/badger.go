// Perdura - Durable, Idempotent, Resumable Execution Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/perdura

package wal

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/goccy/go-json"

	"github.com/tomtom215/perdura/internal/logging"
)

// Key layout. Record keys zero-pad the offset so BadgerDB's lexicographic
// iteration order equals append order.
const (
	prefixRecord  = "rec:"
	prefixCounter = "seq:"
	offsetDigits  = 20
)

// Config holds BadgerLog configuration.
type Config struct {
	// Path is the directory where BadgerDB stores its files.
	// Should be on a durable filesystem (not tmpfs).
	Path string

	// SyncWrites forces fsync after every append. Disabling it trades the
	// durable-before-acknowledge guarantee for throughput; leave it on
	// anywhere a crash matters.
	SyncWrites bool

	// CompactInterval is the time between value-log GC runs performed by
	// the Compactor service. Default: 1h
	CompactInterval time.Duration

	// GCRatio is the ratio for value log garbage collection.
	// Default: 0.5
	GCRatio float64

	// CloseTimeout is the maximum time to wait for graceful shutdown.
	// Default: 30s
	CloseTimeout time.Duration

	// BadgerDB tuning options.
	MemTableSize     int64
	ValueLogFileSize int64
	NumCompactors    int
	Compression      bool
}

// DefaultConfig returns production defaults rooted at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:             path,
		SyncWrites:       true,
		CompactInterval:  time.Hour,
		GCRatio:          0.5,
		CloseTimeout:     30 * time.Second,
		MemTableSize:     16 << 20,
		ValueLogFileSize: 64 << 20,
		NumCompactors:    2,
		Compression:      true,
	}
}

// Validate checks the configuration for obvious misconfiguration.
func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("wal: path cannot be empty")
	}
	if c.NumCompactors < 2 {
		return fmt.Errorf("wal: badger requires at least 2 compactors, got %d", c.NumCompactors)
	}
	if c.GCRatio <= 0 || c.GCRatio > 1 {
		return fmt.Errorf("wal: GC ratio must be in (0, 1], got %f", c.GCRatio)
	}
	return nil
}

// BadgerLog implements Log using BadgerDB. Each execution owns a dense
// offset sequence; the counter and the record are written in the same
// transaction, so offsets never skip or repeat even across crashes.
type BadgerLog struct {
	db     *badger.DB
	config Config

	mu     sync.RWMutex
	closed bool
}

// Open opens (or creates) a BadgerLog at the configured path.
func Open(cfg Config) (*BadgerLog, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid WAL config: %w", err)
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
		Msg("WAL opened")

	return &BadgerLog{db: db, config: cfg}, nil
}

func (l *BadgerLog) checkOpen() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrLogClosed
	}
	return nil
}

// The execution ID and offset are joined with a separator that cannot
// appear in an ID, so replaying execution "a" never sweeps up records
// belonging to execution "a:b".
func recordKey(executionID string, offset uint64) []byte {
	return fmt.Appendf(nil, "%s%s\x00%0*d", prefixRecord, executionID, offsetDigits, offset)
}

func recordPrefix(executionID string) []byte {
	return []byte(prefixRecord + executionID + "\x00")
}

func counterKey(executionID string) []byte {
	return []byte(prefixCounter + executionID)
}

// Append durably writes a record and returns its offset.
func (l *BadgerLog) Append(ctx context.Context, executionID string, rec Record) (uint64, error) {
	if err := l.checkOpen(); err != nil {
		return 0, err
	}
	if executionID == "" {
		return 0, ErrEmptyExecutionID
	}
	if rec.StepName == "" {
		return 0, ErrEmptyStepName
	}

	start := time.Now()
	defer func() {
		recordAppendLatency(time.Since(start).Seconds())
	}()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(&rec)
	if err != nil {
		return 0, fmt.Errorf("marshal WAL record: %w", err)
	}

	var offset uint64
	err = l.db.Update(func(txn *badger.Txn) error {
		// Read-increment-write the per-execution counter inside the same
		// transaction as the record, keeping offsets dense.
		ck := counterKey(executionID)
		item, err := txn.Get(ck)
		switch {
		case err == nil:
			if err := item.Value(func(val []byte) error {
				if len(val) != 8 {
					return fmt.Errorf("corrupt WAL counter for %s", executionID)
				}
				offset = binary.BigEndian.Uint64(val)
				return nil
			}); err != nil {
				return err
			}
		case errors.Is(err, badger.ErrKeyNotFound):
			offset = 0
		default:
			return fmt.Errorf("get WAL counter: %w", err)
		}

		var next [8]byte
		binary.BigEndian.PutUint64(next[:], offset+1)
		if err := txn.Set(ck, next[:]); err != nil {
			return fmt.Errorf("set WAL counter: %w", err)
		}
		if err := txn.Set(recordKey(executionID, offset), data); err != nil {
			return fmt.Errorf("set WAL record: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	recordAppend(string(rec.Phase))
	return offset, nil
}

// Replay returns all records for the execution in append order.
//
// BadgerDB's View() transaction provides snapshot isolation, so the
// returned sequence is a consistent point-in-time view even under
// concurrent appends to other executions.
func (l *BadgerLog) Replay(ctx context.Context, executionID string) ([]Record, error) {
	if err := l.checkOpen(); err != nil {
		return nil, err
	}
	if executionID == "" {
		return nil, ErrEmptyExecutionID
	}

	var records []Record
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := recordPrefix(executionID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			var rec Record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("unmarshal WAL record %s: %w", it.Item().Key(), err)
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("replay execution %s: %w", executionID, err)
	}

	recordReplay(len(records))
	return records, nil
}

// Truncate removes all records and the counter for the execution.
func (l *BadgerLog) Truncate(ctx context.Context, executionID string) error {
	if err := l.checkOpen(); err != nil {
		return err
	}
	if executionID == "" {
		return ErrEmptyExecutionID
	}

	// Collect keys under a read transaction, then delete in batches.
	var keys [][]byte
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := recordPrefix(executionID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("collect records for truncate: %w", err)
	}
	keys = append(keys, counterKey(executionID))

	wb := l.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return fmt.Errorf("delete WAL key: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush truncate batch: %w", err)
	}

	recordTruncate()
	logging.Debug().
		Str("execution_id", executionID).
		Int("records", len(keys)-1).
		Msg("WAL execution truncated")
	return nil
}

// Executions lists execution IDs that still have records, for recovery
// sweeps on startup.
func (l *BadgerLog) Executions(ctx context.Context) ([]string, error) {
	if err := l.checkOpen(); err != nil {
		return nil, err
	}

	var ids []string
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixCounter)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			ids = append(ids, string(it.Item().Key()[len(prefixCounter):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return ids, nil
}

// RunGC triggers BadgerDB value-log garbage collection.
// Called periodically by the Compactor service.
func (l *BadgerLog) RunGC() error {
	if err := l.checkOpen(); err != nil {
		return err
	}

	start := time.Now()
	defer func() {
		recordGCLatency(time.Since(start).Seconds())
	}()

	// Run GC until no more cleanup is possible
	for {
		err := l.db.RunValueLogGC(l.config.GCRatio)
		if errors.Is(err, badger.ErrNoRewrite) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("run GC: %w", err)
		}
	}
}

// Close gracefully shuts down the log with a configurable timeout.
func (l *BadgerLog) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	timeout := l.config.CloseTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	l.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- l.db.Close()
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("close BadgerDB: %w", err)
		}
		logging.Info().Msg("WAL closed")
		return nil
	case <-time.After(timeout):
		logging.Warn().Dur("timeout", timeout).Msg("WAL close timed out")
		return fmt.Errorf("badgerdb close timeout after %v", timeout)
	}
}
