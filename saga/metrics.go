// Perdura - Durable, Idempotent, Resumable Execution Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/perdura

package saga

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	executionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_executions_total",
		Help: "Terminal saga executions by status",
	}, []string{"status"})

	stepFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_step_failures_total",
		Help: "Forward step failures by step name",
	}, []string{"step"})

	compensationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_compensations_total",
		Help: "Compensating actions run, by result",
	}, []string{"result"})

	recoveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_recoveries_total",
		Help: "Executions recovered from the WAL, by direction",
	}, []string{"direction"})
)

func recordExecution(status string) {
	executionsTotal.WithLabelValues(status).Inc()
}

func recordStepFailure(step string) {
	stepFailuresTotal.WithLabelValues(step).Inc()
}

func recordCompensation(result string) {
	compensationsTotal.WithLabelValues(result).Inc()
}

func recordRecovery(direction string) {
	recoveriesTotal.WithLabelValues(direction).Inc()
}
