// Perdura - Durable, Idempotent, Resumable Execution Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/perdura

package bulk

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bulk_runs_total",
		Help: "Bulk runs by terminal status",
	}, []string{"status"})

	itemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bulk_items_total",
		Help: "Settled items by outcome",
	}, []string{"outcome"})

	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bulk_item_attempts_total",
		Help: "Item operation attempts by retry kind",
	}, []string{"kind"})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bulk_batch_duration_seconds",
		Help:    "Wall time per batch including retries",
		Buckets: prometheus.DefBuckets,
	})
)

func recordRun(status string) {
	runsTotal.WithLabelValues(status).Inc()
}

func recordItem(outcome string) {
	itemsTotal.WithLabelValues(outcome).Inc()
}

func recordAttempt(kind string) {
	attemptsTotal.WithLabelValues(kind).Inc()
}

func observeBatchDuration(d time.Duration) {
	batchDuration.Observe(d.Seconds())
}
