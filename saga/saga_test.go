// Perdura - Durable, Idempotent, Resumable Execution Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/perdura

package saga

import (
	"context"
	"errors"
	"testing"

	"github.com/goccy/go-json"

	"github.com/tomtom215/perdura/wal"
)

func okStep(name string, trace *[]string) Step {
	return Step{
		Name: name,
		Forward: func(_ context.Context) (json.RawMessage, error) {
			*trace = append(*trace, "forward:"+name)
			return json.RawMessage(`{"step":"` + name + `"}`), nil
		},
		Compensate: func(_ context.Context) error {
			*trace = append(*trace, "compensate:"+name)
			return nil
		},
	}
}

func TestExecuteAllStepsSucceed(t *testing.T) {
	t.Parallel()

	log := wal.NewMemoryLog()
	coord := NewCoordinator(log)

	var trace []string
	steps := []Step{okStep("reserve", &trace), okStep("charge", &trace), okStep("ship", &trace)}

	outcome, err := coord.Execute(context.Background(), "exec-1", steps)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if outcome.Status != StatusCompleted {
		t.Errorf("status = %q, want %q", outcome.Status, StatusCompleted)
	}
	if !outcome.Compensated {
		t.Error("completed outcome should report Compensated = true")
	}
	if len(outcome.Results) != 3 {
		t.Errorf("results = %d, want 3", len(outcome.Results))
	}
	want := []string{"forward:reserve", "forward:charge", "forward:ship"}
	assertTrace(t, trace, want)

	records, err := log.Replay(context.Background(), "exec-1")
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("completed execution should truncate its log, got %d records", len(records))
	}
}

func TestExecuteFailureCompensatesInReverseOrder(t *testing.T) {
	t.Parallel()

	log := wal.NewMemoryLog()
	coord := NewCoordinator(log)

	var trace []string
	boom := errors.New("insufficient funds")
	steps := []Step{
		okStep("reserve", &trace),
		okStep("charge", &trace),
		{
			Name: "ship",
			Forward: func(_ context.Context) (json.RawMessage, error) {
				trace = append(trace, "forward:ship")
				return nil, boom
			},
			Compensate: func(_ context.Context) error {
				trace = append(trace, "compensate:ship")
				return nil
			},
		},
	}

	outcome, err := coord.Execute(context.Background(), "exec-2", steps)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if outcome.Status != StatusFailed {
		t.Errorf("status = %q, want %q", outcome.Status, StatusFailed)
	}
	if outcome.FailedStep != "ship" {
		t.Errorf("failed step = %q, want %q", outcome.FailedStep, "ship")
	}
	if !errors.Is(outcome.Err, boom) {
		t.Errorf("outcome error = %v, want %v", outcome.Err, boom)
	}
	if !outcome.Compensated {
		t.Errorf("clean unwind should report Compensated = true, errs: %v", outcome.CompensationErrs)
	}

	// Applied steps unwind in strict reverse order; the failed step never
	// committed so its compensation must not run.
	want := []string{
		"forward:reserve", "forward:charge", "forward:ship",
		"compensate:charge", "compensate:reserve",
	}
	assertTrace(t, trace, want)

	records, err := log.Replay(context.Background(), "exec-2")
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("cleanly compensated execution should truncate its log, got %d records", len(records))
	}
}

func TestExecuteCompensationFailureFlagged(t *testing.T) {
	t.Parallel()

	log := wal.NewMemoryLog()
	coord := NewCoordinator(log)

	compErr := errors.New("refund endpoint down")
	steps := []Step{
		{
			Name: "charge",
			Forward: func(_ context.Context) (json.RawMessage, error) {
				return json.RawMessage(`{}`), nil
			},
			Compensate: func(_ context.Context) error { return compErr },
		},
		{
			Name: "ship",
			Forward: func(_ context.Context) (json.RawMessage, error) {
				return nil, errors.New("no capacity")
			},
		},
	}

	outcome, err := coord.Execute(context.Background(), "exec-3", steps)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if outcome.Compensated {
		t.Error("failed compensation should report Compensated = false")
	}
	if len(outcome.CompensationErrs) != 1 {
		t.Fatalf("compensation errors = %d, want 1", len(outcome.CompensationErrs))
	}
	if !errors.Is(outcome.CompensationErrs[0], compErr) {
		t.Errorf("compensation error = %v, want wrapped %v", outcome.CompensationErrs[0], compErr)
	}

	// A dirty unwind keeps its log for operators.
	records, err := log.Replay(context.Background(), "exec-3")
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if len(records) == 0 {
		t.Error("dirty compensation should retain its log")
	}
}

func TestExecuteSkipsNilCompensations(t *testing.T) {
	t.Parallel()

	coord := NewCoordinator(wal.NewMemoryLog())

	var compensated bool
	steps := []Step{
		{
			Name: "record",
			Forward: func(_ context.Context) (json.RawMessage, error) {
				return json.RawMessage(`{}`), nil
			},
			// Append-only step, nothing to undo.
		},
		{
			Name: "notify",
			Forward: func(_ context.Context) (json.RawMessage, error) {
				return json.RawMessage(`{}`), nil
			},
			Compensate: func(_ context.Context) error {
				compensated = true
				return nil
			},
		},
		{
			Name: "finalize",
			Forward: func(_ context.Context) (json.RawMessage, error) {
				return nil, errors.New("finalize failed")
			},
		},
	}

	outcome, err := coord.Execute(context.Background(), "exec-4", steps)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !outcome.Compensated {
		t.Error("skipping nil compensations should still count as clean")
	}
	if !compensated {
		t.Error("the step with a compensation should have run it")
	}
}

func TestExecuteValidation(t *testing.T) {
	t.Parallel()

	coord := NewCoordinator(wal.NewMemoryLog())
	ctx := context.Background()

	forward := func(_ context.Context) (json.RawMessage, error) { return nil, nil }

	tests := []struct {
		name    string
		execID  string
		steps   []Step
		wantErr error
	}{
		{"empty execution id", "", []Step{{Name: "a", Forward: forward}}, wal.ErrEmptyExecutionID},
		{"no steps", "e", nil, ErrNoSteps},
		{"empty step name", "e", []Step{{Forward: forward}}, wal.ErrEmptyStepName},
		{"nil forward", "e", []Step{{Name: "a"}}, ErrNilForward},
		{"duplicate names", "e", []Step{{Name: "a", Forward: forward}, {Name: "a", Forward: forward}}, ErrDuplicateStepName},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := coord.Execute(ctx, tt.execID, tt.steps)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Execute error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func assertTrace(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("trace = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("trace[%d] = %q, want %q (full trace %v)", i, got[i], want[i], got)
		}
	}
}
