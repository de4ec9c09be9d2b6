// Perdura - Durable, Idempotent, Resumable Execution Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/perdura

package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/tomtom215/perdura/bulk"
	"github.com/tomtom215/perdura/internal/logging"
	"github.com/tomtom215/perdura/ledger"
	"github.com/tomtom215/perdura/saga"
)

// Bus publishes runtime events through a Watermill publisher. It
// implements the notifier contracts of the bulk engine and the saga
// coordinator.
//
// Publish failures are logged and dropped: event delivery is advisory and
// must never fail or stall the durable execution path.
type Bus struct {
	publisher message.Publisher

	mu     sync.Mutex
	closed bool
}

// static checks that Bus satisfies the notifier contracts.
var (
	_ bulk.Notifier = (*Bus)(nil)
	_ saga.Notifier = (*Bus)(nil)
)

// NewBus wraps an existing publisher.
func NewBus(pub message.Publisher) *Bus {
	return &Bus{publisher: pub}
}

// NewInProcessBus creates a bus backed by a GoChannel pub/sub and returns
// both so callers can subscribe to the same channel.
func NewInProcessBus() (*Bus, *gochannel.GoChannel) {
	ch := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 256,
	}, NewWatermillLogger())
	return NewBus(ch), ch
}

// ProgressUpdated publishes a checkpoint event.
func (b *Bus) ProgressUpdated(ctx context.Context, tenantID string, progress *ledger.ProgressRecord) {
	b.publish(ctx, TopicProgress, &ProgressEvent{
		SchemaVersion:       SchemaVersion,
		EventID:             newEventID(),
		TenantID:            tenantID,
		OperationID:         progress.OperationID,
		Status:              string(progress.Status),
		Total:               progress.Total,
		Processed:           progress.Processed,
		Succeeded:           progress.Succeeded,
		Failed:              progress.Failed,
		CurrentBatch:        progress.CurrentBatch,
		LastSuccessfulBatch: progress.LastSuccessfulBatch,
		Timestamp:           time.Now().UTC(),
	})
}

// OperationCompleted publishes a terminal bulk-run event.
func (b *Bus) OperationCompleted(ctx context.Context, tenantID string, result *bulk.Result) {
	b.publish(ctx, TopicOperations, &OperationEvent{
		SchemaVersion: SchemaVersion,
		EventID:       newEventID(),
		TenantID:      tenantID,
		OperationID:   result.OperationID,
		Total:         result.Total,
		Succeeded:     result.Succeeded,
		Failed:        result.Failed,
		Timestamp:     time.Now().UTC(),
	})
}

// SagaFinished publishes a terminal saga event.
func (b *Bus) SagaFinished(ctx context.Context, outcome *saga.Outcome) {
	event := &SagaEvent{
		SchemaVersion: SchemaVersion,
		EventID:       newEventID(),
		ExecutionID:   outcome.ExecutionID,
		Status:        string(outcome.Status),
		FailedStep:    outcome.FailedStep,
		Compensated:   outcome.Compensated,
		Timestamp:     time.Now().UTC(),
	}
	if outcome.Err != nil {
		event.Error = outcome.Err.Error()
	}
	b.publish(ctx, TopicSagas, event)
}

// publish serializes and sends one event, logging failures.
func (b *Bus) publish(ctx context.Context, topic string, event any) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	data, err := marshalEvent(event)
	if err != nil {
		logging.Error().Err(err).Str("topic", topic).Msg("Failed to serialize event")
		recordPublish(topic, "error")
		return
	}

	msg := message.NewMessage(eventID(event), data)
	msg.SetContext(ctx)

	if err := b.publisher.Publish(topic, msg); err != nil {
		logging.Error().Err(err).Str("topic", topic).Msg("Failed to publish event")
		recordPublish(topic, "error")
		return
	}
	recordPublish(topic, "ok")
}

// eventID extracts the message UUID from a typed event.
func eventID(event any) string {
	switch e := event.(type) {
	case *ProgressEvent:
		return e.EventID
	case *OperationEvent:
		return e.EventID
	case *SagaEvent:
		return e.EventID
	default:
		return newEventID()
	}
}

// Close stops the bus. Further publishes are silently dropped.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if err := b.publisher.Close(); err != nil {
		return fmt.Errorf("close publisher: %w", err)
	}
	return nil
}
