// Perdura - Durable, Idempotent, Resumable Execution Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/perdura

package saga

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/tomtom215/perdura/internal/logging"
	"github.com/tomtom215/perdura/wal"
)

// ErrNoRecords is returned by Recover when the execution has no WAL
// records, meaning there is nothing to recover.
var ErrNoRecords = errors.New("saga: no records for execution")

// ErrUnknownStep is returned when the WAL names a step absent from the
// step list, which indicates the caller supplied a different saga
// definition than the one that crashed.
var ErrUnknownStep = errors.New("saga: log references unknown step")

// Recover resumes a crashed execution from its write-ahead log.
//
// The steps must be the same definition the crashed execution ran with.
// If the log shows the execution was still moving forward, Recover
// re-runs the first uncommitted step and continues to completion. A step
// left Pending is re-run, so forward actions get at-least-once semantics
// across crashes. If the log shows a failure or a partial unwind, Recover
// finishes compensating the applied-but-uncompensated steps in reverse
// order.
func (c *Coordinator) Recover(ctx context.Context, executionID string, steps []Step) (*Outcome, error) {
	if executionID == "" {
		return nil, wal.ErrEmptyExecutionID
	}
	if err := validateSteps(steps); err != nil {
		return nil, err
	}

	records, err := c.wal.Replay(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("replay execution %q: %w", executionID, err)
	}
	if len(records) == 0 {
		return nil, ErrNoRecords
	}

	index := make(map[string]int, len(steps))
	for i, s := range steps {
		index[s.Name] = i
	}

	state, err := foldRecords(records, index)
	if err != nil {
		return nil, err
	}

	logger := logging.Ctx(logging.ContextWithExecutionID(ctx, executionID))

	if state.failedStep == "" && !state.unwinding {
		// Forward actions commit strictly in order, so the applied
		// records form a prefix of the step list.
		startIdx := len(state.applied)
		logger.Info().
			Int("applied_steps", startIdx).
			Int("total_steps", len(steps)).
			Msg("Recovering execution forward")
		recordRecovery("forward")

		outcome, err := c.run(ctx, executionID, steps, startIdx, state.applied)
		if err != nil {
			return nil, err
		}
		seedResults(outcome, steps, state)
		return outcome, nil
	}

	logger.Info().
		Str("failed_step", state.failedStep).
		Int("applied_steps", len(state.applied)).
		Msg("Recovering execution by finishing compensation")
	recordRecovery("compensate")

	outcome := &Outcome{
		ExecutionID: executionID,
		Status:      StatusFailed,
		Results:     make(map[string]json.RawMessage, len(state.applied)),
		FailedStep:  state.failedStep,
		Err:         state.failureErr,
	}
	seedResults(outcome, steps, state)
	c.compensate(ctx, executionID, steps, state.applied, outcome)
	c.finish(ctx, executionID, outcome)
	return outcome, nil
}

// replayState is the per-execution summary folded out of a WAL replay.
type replayState struct {
	// applied holds step indexes that reached PhaseApplied but not
	// PhaseCompensated, in forward order.
	applied []int

	// results holds forward payloads of applied steps, by step index.
	results map[int]json.RawMessage

	failedStep string
	failureErr error

	// unwinding is true when any compensation record exists, even if no
	// failed record survived (crash between the two appends).
	unwinding bool
}

// foldRecords reduces an ordered replay to the execution's current state.
func foldRecords(records []wal.Record, index map[string]int) (*replayState, error) {
	state := &replayState{results: make(map[int]json.RawMessage)}
	compensated := make(map[int]struct{})

	for _, rec := range records {
		idx, ok := index[rec.StepName]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownStep, rec.StepName)
		}

		switch rec.Phase {
		case wal.PhasePending:
			// No commitment yet; nothing to fold.
		case wal.PhaseApplied:
			state.applied = append(state.applied, idx)
			state.results[idx] = rec.Payload
		case wal.PhaseFailed:
			state.failedStep = rec.StepName
			state.failureErr = decodeFailure(rec.Payload)
		case wal.PhaseCompensated:
			compensated[idx] = struct{}{}
			state.unwinding = true
		}
	}

	if len(compensated) > 0 {
		remaining := state.applied[:0]
		for _, idx := range state.applied {
			if _, done := compensated[idx]; !done {
				remaining = append(remaining, idx)
			}
		}
		state.applied = remaining
	}

	return state, nil
}

// seedResults copies forward payloads recovered from the log into the
// outcome so callers see the full execution, not just the resumed tail.
func seedResults(outcome *Outcome, steps []Step, state *replayState) {
	for idx, payload := range state.results {
		name := steps[idx].Name
		if _, present := outcome.Results[name]; !present {
			outcome.Results[name] = payload
		}
	}
}

// decodeFailure reconstructs the forward error recorded at failure time.
func decodeFailure(payload json.RawMessage) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err != nil || body.Error == "" {
		return errors.New("step failed before crash")
	}
	return errors.New(body.Error)
}
