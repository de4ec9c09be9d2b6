// Perdura - Durable, Idempotent, Resumable Execution Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/perdura

package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var publishesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "events_publishes_total",
	Help: "Event publishes by topic and result",
}, []string{"topic", "result"})

func recordPublish(topic, result string) {
	publishesTotal.WithLabelValues(topic, result).Inc()
}
