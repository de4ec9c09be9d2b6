// Perdura - Durable, Idempotent, Resumable Execution Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/perdura

package wal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for WAL operations
var (
	// walAppendsTotal counts appends by record phase.
	walAppendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wal_appends_total",
		Help: "Total number of WAL append operations by phase",
	}, []string{"phase"})

	// walAppendLatency measures append latency.
	walAppendLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wal_append_latency_seconds",
		Help:    "WAL append latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// walReplaysTotal counts replay operations.
	walReplaysTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wal_replays_total",
		Help: "Total number of WAL replay operations",
	})

	// walReplayedRecords counts records returned by replays.
	walReplayedRecords = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wal_replayed_records_total",
		Help: "Total number of records returned by WAL replays",
	})

	// walTruncatesTotal counts execution truncations.
	walTruncatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wal_truncates_total",
		Help: "Total number of WAL execution truncations",
	})

	// walCompactionsTotal counts compaction runs.
	walCompactionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wal_compactions_total",
		Help: "Total number of WAL compaction runs",
	})

	// walGCLatency measures garbage collection latency.
	walGCLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wal_gc_latency_seconds",
		Help:    "WAL garbage collection latency in seconds",
		Buckets: prometheus.DefBuckets,
	})
)

func recordAppend(phase string)        { walAppendsTotal.WithLabelValues(phase).Inc() }
func recordAppendLatency(sec float64)  { walAppendLatency.Observe(sec) }
func recordTruncate()                  { walTruncatesTotal.Inc() }
func recordCompaction()                { walCompactionsTotal.Inc() }
func recordGCLatency(sec float64)      { walGCLatency.Observe(sec) }

func recordReplay(records int) {
	walReplaysTotal.Inc()
	walReplayedRecords.Add(float64(records))
}
