// Perdura - Durable, Idempotent, Resumable Execution Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/perdura

package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/perdura/bulk"
	"github.com/tomtom215/perdura/ledger"
	"github.com/tomtom215/perdura/saga"
)

func TestBusPublishesProgressEvents(t *testing.T) {
	t.Parallel()

	bus, ch := NewInProcessBus()
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msgs, err := ch.Subscribe(ctx, TopicProgress)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	bus.ProgressUpdated(ctx, "acme", &ledger.ProgressRecord{
		OperationID:         "op-1",
		TenantID:            "acme",
		Status:              ledger.ProgressRunning,
		Total:               10,
		Processed:           4,
		Succeeded:           3,
		Failed:              1,
		CurrentBatch:        2,
		LastSuccessfulBatch: 1,
	})

	select {
	case msg := <-msgs:
		msg.Ack()
		var event ProgressEvent
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			t.Fatalf("decoding event: %v", err)
		}
		if event.OperationID != "op-1" || event.TenantID != "acme" {
			t.Errorf("event = %+v, want op-1/acme", event)
		}
		if event.Processed != 4 || event.CurrentBatch != 2 {
			t.Errorf("event counters = %+v, want processed 4 batch 2", event)
		}
		if event.SchemaVersion != SchemaVersion {
			t.Errorf("schema version = %d, want %d", event.SchemaVersion, SchemaVersion)
		}
		if event.EventID == "" {
			t.Error("event id must be set")
		}
	case <-ctx.Done():
		t.Fatal("no progress event received")
	}
}

func TestBusPublishesSagaEvents(t *testing.T) {
	t.Parallel()

	bus, ch := NewInProcessBus()
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msgs, err := ch.Subscribe(ctx, TopicSagas)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	bus.SagaFinished(ctx, &saga.Outcome{
		ExecutionID: "exec-1",
		Status:      saga.StatusFailed,
		FailedStep:  "charge",
		Err:         errors.New("card declined"),
		Compensated: true,
	})

	select {
	case msg := <-msgs:
		msg.Ack()
		var event SagaEvent
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			t.Fatalf("decoding event: %v", err)
		}
		if event.ExecutionID != "exec-1" || event.Status != string(saga.StatusFailed) {
			t.Errorf("event = %+v, want failed exec-1", event)
		}
		if event.FailedStep != "charge" || event.Error != "card declined" {
			t.Errorf("failure detail = %+v, want charge/card declined", event)
		}
		if !event.Compensated {
			t.Error("event must carry the compensation flag")
		}
	case <-ctx.Done():
		t.Fatal("no saga event received")
	}
}

func TestBusPublishesOperationEvents(t *testing.T) {
	t.Parallel()

	bus, ch := NewInProcessBus()
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msgs, err := ch.Subscribe(ctx, TopicOperations)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	bus.OperationCompleted(ctx, "acme", &bulk.Result{
		OperationID: "op-2",
		Total:       5,
		Succeeded:   4,
		Failed:      1,
	})

	select {
	case msg := <-msgs:
		msg.Ack()
		var event OperationEvent
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			t.Fatalf("decoding event: %v", err)
		}
		if event.OperationID != "op-2" || event.Succeeded != 4 || event.Failed != 1 {
			t.Errorf("event = %+v, want op-2 4/1", event)
		}
	case <-ctx.Done():
		t.Fatal("no operation event received")
	}
}

func TestBusClosePreventsPublish(t *testing.T) {
	t.Parallel()

	bus, _ := NewInProcessBus()
	if err := bus.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}

	// Publishing after close must not panic; events are dropped.
	bus.OperationCompleted(context.Background(), "acme", &bulk.Result{OperationID: "op-late"})
}
