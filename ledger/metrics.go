// Perdura - Durable, Idempotent, Resumable Execution Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/perdura

package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for ledger operations
var (
	// idempotencyChecksTotal counts idempotency lookups that found a record.
	idempotencyChecksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_idempotency_checks_total",
		Help: "Total number of idempotency lookups that found a record",
	})

	// idempotencyCommitsTotal counts completed idempotency results stored.
	idempotencyCommitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_idempotency_commits_total",
		Help: "Total number of completed idempotency results stored",
	})

	// progressWritesTotal counts progress checkpoint writes.
	progressWritesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_progress_writes_total",
		Help: "Total number of progress checkpoint writes",
	})

	// progressWriteLatency measures checkpoint write latency.
	progressWriteLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_progress_write_latency_seconds",
		Help:    "Progress checkpoint write latency in seconds",
		Buckets: prometheus.DefBuckets,
	})
)

func recordIdempotencyCheck()                { idempotencyChecksTotal.Inc() }
func recordIdempotencyCommit()               { idempotencyCommitsTotal.Inc() }
func recordProgressWrite()                   { progressWritesTotal.Inc() }
func recordProgressWriteLatency(sec float64) { progressWriteLatency.Observe(sec) }
