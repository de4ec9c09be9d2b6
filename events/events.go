// Perdura - Durable, Idempotent, Resumable Execution Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/perdura

// Package events publishes runtime lifecycle events over Watermill so
// callers can observe progress without polling the ledger.
package events

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// SchemaVersion is the current event schema version. Increment on
// breaking changes to the event payloads.
const SchemaVersion = 1

// Topics. One topic per event family; consumers subscribe selectively.
const (
	TopicProgress   = "perdura.progress"
	TopicOperations = "perdura.operations"
	TopicSagas      = "perdura.sagas"
)

// ProgressEvent is emitted after every durable batch checkpoint.
type ProgressEvent struct {
	SchemaVersion int    `json:"schema_version"`
	EventID       string `json:"event_id"`
	TenantID      string `json:"tenant_id"`
	OperationID   string `json:"operation_id"`

	Status              string    `json:"status"`
	Total               int       `json:"total"`
	Processed           int       `json:"processed"`
	Succeeded           int       `json:"succeeded"`
	Failed              int       `json:"failed"`
	CurrentBatch        int       `json:"current_batch"`
	LastSuccessfulBatch int       `json:"last_successful_batch"`
	Timestamp           time.Time `json:"timestamp"`
}

// OperationEvent is emitted once per completed bulk run.
type OperationEvent struct {
	SchemaVersion int    `json:"schema_version"`
	EventID       string `json:"event_id"`
	TenantID      string `json:"tenant_id"`
	OperationID   string `json:"operation_id"`

	Total     int       `json:"total"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Timestamp time.Time `json:"timestamp"`
}

// SagaEvent is emitted once per terminal saga execution.
type SagaEvent struct {
	SchemaVersion int    `json:"schema_version"`
	EventID       string `json:"event_id"`
	ExecutionID   string `json:"execution_id"`

	Status      string    `json:"status"`
	FailedStep  string    `json:"failed_step,omitempty"`
	Error       string    `json:"error,omitempty"`
	Compensated bool      `json:"compensated"`
	Timestamp   time.Time `json:"timestamp"`
}

// newEventID returns a fresh message identifier, also used as the
// broker-level deduplication ID.
func newEventID() string {
	return uuid.New().String()
}

// marshalEvent serializes an event payload for the wire.
func marshalEvent(v any) ([]byte, error) {
	return json.Marshal(v)
}
