// Perdura - Durable, Idempotent, Resumable Execution Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/perdura

// Package saga executes ordered multi-step operations with compensating
// actions in place of a single atomic transaction.
//
// Each step has a forward action and an optional compensating action. On a
// forward failure the coordinator unwinds the applied steps in strict
// reverse order, best effort. Every phase transition is appended to the
// write-ahead log before the next side effect runs, so a crashed execution
// can be recovered by replaying its log.
package saga

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/tomtom215/perdura/internal/logging"
	"github.com/tomtom215/perdura/wal"
)

// Step is one unit of a saga execution.
type Step struct {
	// Name identifies the step in the WAL and in outcomes. Names must be
	// unique within one execution.
	Name string

	// Forward performs the step's side effect and returns an opaque
	// result recorded in the WAL.
	Forward func(ctx context.Context) (json.RawMessage, error)

	// Compensate undoes a committed Forward. Nil means the step needs no
	// compensation. Compensations must be idempotent: recovery may run
	// them again after a crash mid-unwind.
	Compensate func(ctx context.Context) error
}

// Status is the terminal state of an execution.
type Status string

const (
	// StatusCompleted means every step's forward action committed.
	StatusCompleted Status = "completed"

	// StatusFailed means a forward action failed and the applied steps
	// were compensated (see Outcome.Compensated for whether cleanly).
	StatusFailed Status = "failed"
)

// Outcome reports the terminal state of one execution.
type Outcome struct {
	ExecutionID string
	Status      Status

	// Results holds each applied step's forward output, in step order.
	Results map[string]json.RawMessage

	// FailedStep and Err are set when Status is StatusFailed. Err is the
	// forward action's error, the primary cause.
	FailedStep string
	Err        error

	// Compensated is true when every applied step's compensation ran
	// cleanly. False flags that manual cleanup may be needed; the
	// individual failures are in CompensationErrs.
	Compensated      bool
	CompensationErrs []error
}

// Errors
var (
	// ErrNoSteps is returned when an execution has no steps.
	ErrNoSteps = errors.New("saga: execution requires at least one step")

	// ErrDuplicateStepName is returned when two steps share a name.
	ErrDuplicateStepName = errors.New("saga: step names must be unique")

	// ErrNilForward is returned when a step has no forward action.
	ErrNilForward = errors.New("saga: step forward action cannot be nil")
)

// Notifier receives terminal execution notifications. The events package
// provides a Watermill-backed implementation; a nil Notifier disables
// notification.
type Notifier interface {
	SagaFinished(ctx context.Context, outcome *Outcome)
}

// Coordinator drives saga executions against a write-ahead log.
// One coordinator may drive many executions concurrently, but each
// execution ID must be driven by exactly one goroutine at a time.
type Coordinator struct {
	wal      wal.Log
	notifier Notifier
}

// NewCoordinator creates a coordinator writing to the given log.
func NewCoordinator(log wal.Log) *Coordinator {
	return &Coordinator{wal: log}
}

// SetNotifier attaches a terminal-outcome notifier.
func (c *Coordinator) SetNotifier(n Notifier) {
	c.notifier = n
}

// Execute runs the steps in order for one logical execution.
//
// The returned error is non-nil only for infrastructure failures (invalid
// steps, WAL I/O); a forward-action failure is a domain outcome and is
// reported through Outcome.Status, Outcome.Err, and Outcome.Compensated.
func (c *Coordinator) Execute(ctx context.Context, executionID string, steps []Step) (*Outcome, error) {
	if executionID == "" {
		return nil, wal.ErrEmptyExecutionID
	}
	if err := validateSteps(steps); err != nil {
		return nil, err
	}

	return c.run(ctx, executionID, steps, 0, nil)
}

// run executes steps starting at startIdx; applied carries the indexes of
// steps already committed (by a prior run being recovered).
func (c *Coordinator) run(ctx context.Context, executionID string, steps []Step, startIdx int, applied []int) (*Outcome, error) {
	logger := logging.Ctx(logging.ContextWithExecutionID(ctx, executionID))

	outcome := &Outcome{
		ExecutionID: executionID,
		Results:     make(map[string]json.RawMessage, len(steps)),
	}

	for i := startIdx; i < len(steps); i++ {
		step := steps[i]

		if _, err := c.wal.Append(ctx, executionID, wal.Record{
			StepName: step.Name,
			Phase:    wal.PhasePending,
		}); err != nil {
			return nil, fmt.Errorf("append pending record for %q: %w", step.Name, err)
		}

		result, err := step.Forward(ctx)
		if err != nil {
			logger.Warn().
				Str("step", step.Name).
				Err(err).
				Msg("Saga step failed, compensating")
			recordStepFailure(step.Name)

			if _, walErr := c.wal.Append(ctx, executionID, wal.Record{
				StepName: step.Name,
				Phase:    wal.PhaseFailed,
				Payload:  errorPayload(err),
			}); walErr != nil {
				return nil, fmt.Errorf("append failed record for %q: %w", step.Name, walErr)
			}

			outcome.Status = StatusFailed
			outcome.FailedStep = step.Name
			outcome.Err = err
			c.compensate(ctx, executionID, steps, applied, outcome)
			c.finish(ctx, executionID, outcome)
			return outcome, nil
		}

		if _, err := c.wal.Append(ctx, executionID, wal.Record{
			StepName: step.Name,
			Phase:    wal.PhaseApplied,
			Payload:  result,
		}); err != nil {
			return nil, fmt.Errorf("append applied record for %q: %w", step.Name, err)
		}

		applied = append(applied, i)
		outcome.Results[step.Name] = result
	}

	outcome.Status = StatusCompleted
	outcome.Compensated = true // Nothing to compensate
	recordExecution(string(StatusCompleted))
	c.finish(ctx, executionID, outcome)
	return outcome, nil
}

// compensate unwinds the applied steps in strict reverse order. A
// compensation failure is logged and recorded but never aborts the
// remaining compensations.
func (c *Coordinator) compensate(ctx context.Context, executionID string, steps []Step, applied []int, outcome *Outcome) {
	logger := logging.Ctx(logging.ContextWithExecutionID(ctx, executionID))

	for i := len(applied) - 1; i >= 0; i-- {
		step := steps[applied[i]]
		if step.Compensate == nil {
			continue
		}

		err := step.Compensate(ctx)
		if err != nil {
			logger.Error().
				Str("step", step.Name).
				Err(err).
				Msg("Saga compensation failed, manual cleanup may be needed")
			outcome.CompensationErrs = append(outcome.CompensationErrs,
				fmt.Errorf("compensate %q: %w", step.Name, err))
			recordCompensation("failed")
		} else {
			recordCompensation("ok")
		}

		if _, walErr := c.wal.Append(ctx, executionID, wal.Record{
			StepName: step.Name,
			Phase:    wal.PhaseCompensated,
			Payload:  compensationPayload(err),
		}); walErr != nil {
			logger.Error().
				Str("step", step.Name).
				Err(walErr).
				Msg("Failed to record compensation")
			outcome.CompensationErrs = append(outcome.CompensationErrs,
				fmt.Errorf("record compensation of %q: %w", step.Name, walErr))
		}
	}

	outcome.Compensated = len(outcome.CompensationErrs) == 0
	recordExecution(string(StatusFailed))
}

// finish truncates the WAL for terminal executions and notifies.
// A dirty compensation keeps its log so operators can inspect it.
func (c *Coordinator) finish(ctx context.Context, executionID string, outcome *Outcome) {
	if outcome.Status == StatusCompleted || outcome.Compensated {
		if err := c.wal.Truncate(ctx, executionID); err != nil {
			logging.Warn().
				Str("execution_id", executionID).
				Err(err).
				Msg("Failed to truncate WAL for finished execution")
		}
	}

	if c.notifier != nil {
		c.notifier.SagaFinished(ctx, outcome)
	}
}

// validateSteps rejects empty, unnamed, duplicate-named, or forward-less
// step lists before any WAL write.
func validateSteps(steps []Step) error {
	if len(steps) == 0 {
		return ErrNoSteps
	}
	seen := make(map[string]struct{}, len(steps))
	for _, s := range steps {
		if s.Name == "" {
			return wal.ErrEmptyStepName
		}
		if s.Forward == nil {
			return fmt.Errorf("%w: step %q", ErrNilForward, s.Name)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateStepName, s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	return nil
}

// errorPayload serializes a forward error for the WAL.
func errorPayload(err error) json.RawMessage {
	data, mErr := json.Marshal(map[string]string{"error": err.Error()})
	if mErr != nil {
		return json.RawMessage(`{"error":"unserializable"}`)
	}
	return data
}

// compensationPayload records whether the compensation ran cleanly.
func compensationPayload(err error) json.RawMessage {
	payload := map[string]any{"ok": err == nil}
	if err != nil {
		payload["error"] = err.Error()
	}
	data, mErr := json.Marshal(payload)
	if mErr != nil {
		return json.RawMessage(`{"ok":false}`)
	}
	return data
}
