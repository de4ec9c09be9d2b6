// Perdura - Durable, Idempotent, Resumable Execution Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/perdura

package wal

import (
	"context"
	"time"

	"github.com/tomtom215/perdura/internal/logging"
)

// Compactor periodically triggers BadgerDB value-log garbage collection so
// truncated executions actually release disk space. It implements
// suture.Service and is run under the runtime's supervisor tree.
type Compactor struct {
	log      *BadgerLog
	interval time.Duration
}

// NewCompactor creates a compaction service for the log.
func NewCompactor(log *BadgerLog) *Compactor {
	interval := log.config.CompactInterval
	if interval <= 0 {
		interval = time.Hour
	}
	return &Compactor{log: log, interval: interval}
}

// Serve runs the compaction loop until the context is canceled.
func (c *Compactor) Serve(ctx context.Context) error {
	logging.Info().Dur("interval", c.interval).Msg("WAL compactor started")

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Info().Msg("WAL compactor stopped")
			return ctx.Err()
		case <-ticker.C:
			c.compactOnce()
		}
	}
}

// compactOnce runs one GC pass; failures are logged, never fatal.
func (c *Compactor) compactOnce() {
	start := time.Now()
	if err := c.log.RunGC(); err != nil {
		logging.Warn().Err(err).Msg("WAL compaction failed")
		return
	}
	recordCompaction()
	logging.Debug().Dur("elapsed", time.Since(start)).Msg("WAL compaction complete")
}

// String names the service in supervisor logs.
func (c *Compactor) String() string {
	return "wal-compactor"
}
