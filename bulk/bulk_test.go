// Perdura - Durable, Idempotent, Resumable Execution Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/perdura

package bulk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/perdura/ledger"
	"github.com/tomtom215/perdura/retry"
)

// fastRegistry keeps retry delays out of test wall time.
func fastRegistry() *retry.Registry {
	r := retry.NewRegistry()
	r.SetFallback(retry.Policy{
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		Multiplier:  1,
		MaxDelay:    time.Millisecond,
	})
	return r
}

func upperOp(_ context.Context, item string, _ int) (json.RawMessage, error) {
	return json.Marshal(strings.ToUpper(item))
}

type captureNotifier struct {
	mu        sync.Mutex
	batches   []int
	statuses  []ledger.ProgressStatus
	completed int
}

func (c *captureNotifier) ProgressUpdated(_ context.Context, _ string, p *ledger.ProgressRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, p.CurrentBatch)
	c.statuses = append(c.statuses, p.Status)
}

func (c *captureNotifier) OperationCompleted(_ context.Context, _ string, _ *Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed++
}

func TestRunUppercasesInBatches(t *testing.T) {
	t.Parallel()

	notifier := &captureNotifier{}
	engine := NewEngine(ledger.NewMemoryStore(), fastRegistry(), WithNotifier(notifier))

	result, err := Run(context.Background(), engine, Request[string]{
		OperationID: "op-upper",
		TenantID:    "acme",
		Items:       []string{"a", "b", "c", "d", "e"},
		Op:          upperOp,
		BatchSize:   2,
		MaxParallel: 2,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.Total != 5 || result.Succeeded != 5 || result.Failed != 0 {
		t.Errorf("result = %d/%d/%d, want 5/5/0", result.Total, result.Succeeded, result.Failed)
	}

	want := []string{`"A"`, `"B"`, `"C"`, `"D"`, `"E"`}
	for i, r := range result.Results {
		if r.Index != i {
			t.Errorf("results[%d].Index = %d, results must be ordered by input index", i, r.Index)
		}
		if string(r.Payload) != want[i] {
			t.Errorf("results[%d] = %s, want %s", i, r.Payload, want[i])
		}
	}

	// Three batch checkpoints ([a,b], [c,d], [e]) plus the final
	// completed write.
	wantBatches := []int{1, 2, 3, 3}
	if len(notifier.batches) != len(wantBatches) {
		t.Fatalf("checkpoints = %v, want batches %v", notifier.batches, wantBatches)
	}
	for i, b := range wantBatches {
		if notifier.batches[i] != b {
			t.Errorf("checkpoint %d at batch %d, want %d", i, notifier.batches[i], b)
		}
	}
	if notifier.statuses[len(notifier.statuses)-1] != ledger.ProgressCompleted {
		t.Errorf("final checkpoint status = %q, want completed", notifier.statuses[len(notifier.statuses)-1])
	}
	if notifier.completed != 1 {
		t.Errorf("completion notifications = %d, want 1", notifier.completed)
	}
}

func TestRunEmptyItems(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	engine := NewEngine(store, fastRegistry())

	result, err := Run(context.Background(), engine, Request[string]{
		OperationID:    "op-empty",
		TenantID:       "acme",
		Op:             upperOp,
		BatchSize:      10,
		MaxParallel:    2,
		IdempotencyKey: "key-empty",
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Total != 0 || result.Succeeded != 0 || result.Failed != 0 {
		t.Errorf("empty run = %d/%d/%d, want all zero", result.Total, result.Succeeded, result.Failed)
	}

	progress, err := store.GetOperationProgress(context.Background(), "acme", "op-empty")
	if err != nil {
		t.Fatalf("GetOperationProgress failed: %v", err)
	}
	if progress.Status != ledger.ProgressCompleted {
		t.Errorf("progress status = %q, want completed", progress.Status)
	}

	rec, err := store.CheckIdempotency(context.Background(), "acme", "key-empty")
	if err != nil {
		t.Fatalf("CheckIdempotency failed: %v", err)
	}
	if rec.Status != ledger.IdempotencyCompleted {
		t.Errorf("idempotency status = %q, want completed", rec.Status)
	}
}

func TestRunConfigurationErrors(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	engine := NewEngine(store, fastRegistry())
	ctx := context.Background()

	base := Request[string]{
		OperationID: "op-cfg",
		TenantID:    "acme",
		Items:       []string{"a"},
		Op:          upperOp,
		BatchSize:   1,
		MaxParallel: 1,
	}

	tests := []struct {
		name   string
		mutate func(*Request[string])
	}{
		{"zero batch size", func(r *Request[string]) { r.BatchSize = 0 }},
		{"negative batch size", func(r *Request[string]) { r.BatchSize = -3 }},
		{"zero parallelism", func(r *Request[string]) { r.MaxParallel = 0 }},
		{"missing operation id", func(r *Request[string]) { r.OperationID = "" }},
		{"missing tenant", func(r *Request[string]) { r.TenantID = "" }},
		{"nil op", func(r *Request[string]) { r.Op = nil }},
		{"negative resume batch", func(r *Request[string]) { r.ResumeFromBatch = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			tt.mutate(&req)
			_, err := Run(ctx, engine, req)
			if !errors.Is(err, ErrConfiguration) {
				t.Errorf("Run error = %v, want ErrConfiguration", err)
			}
		})
	}

	// Validation failures must not persist anything.
	if _, err := store.GetOperationProgress(ctx, "acme", "op-cfg"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("progress after rejected runs = %v, want ErrNotFound", err)
	}
}

func TestRunItemFailureRecordedNotRaised(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	engine := NewEngine(store, fastRegistry())

	var attempts atomic.Int32
	op := func(_ context.Context, item string, index int) (json.RawMessage, error) {
		if index == 2 {
			attempts.Add(1)
			return nil, errors.New("downstream rejected the item")
		}
		return upperOp(nil, item, index)
	}

	result, err := Run(context.Background(), engine, Request[string]{
		OperationID: "op-partial",
		TenantID:    "acme",
		Items:       []string{"a", "b", "c", "d"},
		Op:          op,
		BatchSize:   2,
		MaxParallel: 2,
	})
	if err != nil {
		t.Fatalf("item failure must not fail the run: %v", err)
	}

	if result.Succeeded != 3 || result.Failed != 1 {
		t.Errorf("result = %d succeeded / %d failed, want 3/1", result.Succeeded, result.Failed)
	}
	if got := attempts.Load(); got != 2 {
		t.Errorf("failing item attempted %d times, want the policy's 2", got)
	}
	if len(result.Errors) != 1 || result.Errors[0].Index != 2 {
		t.Fatalf("errors = %+v, want exactly item 2", result.Errors)
	}
	if !strings.Contains(result.Errors[0].Error, "downstream rejected") {
		t.Errorf("error = %q, want the item's cause", result.Errors[0].Error)
	}

	progress, err := store.GetOperationProgress(context.Background(), "acme", "op-partial")
	if err != nil {
		t.Fatalf("GetOperationProgress failed: %v", err)
	}
	// Batch 2 contained the failure so the marker stays at batch 1.
	if progress.LastSuccessfulBatch != 1 {
		t.Errorf("last successful batch = %d, want 1", progress.LastSuccessfulBatch)
	}
	if progress.CurrentBatch != 2 {
		t.Errorf("current batch = %d, want 2", progress.CurrentBatch)
	}
	if progress.Processed != progress.Succeeded+progress.Failed {
		t.Errorf("processed %d != succeeded %d + failed %d",
			progress.Processed, progress.Succeeded, progress.Failed)
	}
}

func TestRunTwiceReturnsCachedResult(t *testing.T) {
	t.Parallel()

	engine := NewEngine(ledger.NewMemoryStore(), fastRegistry())

	var calls atomic.Int32
	op := func(_ context.Context, item string, index int) (json.RawMessage, error) {
		calls.Add(1)
		return upperOp(nil, item, index)
	}

	req := Request[string]{
		OperationID:    "op-once",
		TenantID:       "acme",
		Items:          []string{"a", "b", "c"},
		Op:             op,
		BatchSize:      2,
		MaxParallel:    2,
		IdempotencyKey: "key-once",
	}

	first, err := Run(context.Background(), engine, req)
	if err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("first run invoked op %d times, want 3", calls.Load())
	}

	req.OperationID = "op-once-replay"
	second, err := Run(context.Background(), engine, req)
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}

	if calls.Load() != 3 {
		t.Errorf("replay invoked op %d more times, want 0", calls.Load()-3)
	}
	if second.Succeeded != first.Succeeded || second.Total != first.Total {
		t.Errorf("replayed result = %+v, want the stored %+v", second, first)
	}
	if second.OperationID != first.OperationID {
		t.Errorf("replayed result belongs to %q, want the original %q",
			second.OperationID, first.OperationID)
	}
}

func TestRunPendingKeyRejected(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	engine := NewEngine(store, fastRegistry())
	ctx := context.Background()

	if err := store.MarkIdempotencyPending(ctx, "acme", "key-inflight"); err != nil {
		t.Fatalf("seeding pending record: %v", err)
	}

	_, err := Run(ctx, engine, Request[string]{
		OperationID:    "op-dupe",
		TenantID:       "acme",
		Items:          []string{"a"},
		Op:             upperOp,
		BatchSize:      1,
		MaxParallel:    1,
		IdempotencyKey: "key-inflight",
	})
	if !errors.Is(err, ledger.ErrDuplicateOperation) {
		t.Errorf("Run error = %v, want ErrDuplicateOperation", err)
	}
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	engine := NewEngine(store, fastRegistry())

	items := []string{"i0", "i1", "i2", "i3", "i4", "i5", "i6", "i7", "i8", "i9"}

	var mu sync.Mutex
	processed := make(map[int]int)
	record := func(index int) {
		mu.Lock()
		processed[index]++
		mu.Unlock()
	}

	// First run: cancel after batch 2 settles, simulating a crash between
	// batch 2's checkpoint and batch 3.
	ctx, cancel := context.WithCancel(context.Background())
	var seen atomic.Int32
	firstOp := func(_ context.Context, item string, index int) (json.RawMessage, error) {
		record(index)
		if seen.Add(1) == 6 {
			cancel()
		}
		return upperOp(nil, item, index)
	}

	_, err := Run(ctx, engine, Request[string]{
		OperationID: "op-resume",
		TenantID:    "acme",
		Items:       items,
		Op:          firstOp,
		BatchSize:   3,
		MaxParallel: 1,
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("interrupted run error = %v, want context.Canceled", err)
	}

	progress, err := store.GetOperationProgress(context.Background(), "acme", "op-resume")
	if err != nil {
		t.Fatalf("GetOperationProgress failed: %v", err)
	}
	if progress.LastSuccessfulBatch != 2 {
		t.Fatalf("checkpoint at batch %d, want 2", progress.LastSuccessfulBatch)
	}

	// Resume: only items 6..9 may be processed again.
	resumeOp := func(_ context.Context, item string, index int) (json.RawMessage, error) {
		record(index)
		if index < 6 {
			return nil, fmt.Errorf("item %d was already committed", index)
		}
		return upperOp(nil, item, index)
	}

	result, err := Run(context.Background(), engine, Request[string]{
		OperationID:     "op-resume",
		TenantID:        "acme",
		Items:           items,
		Op:              resumeOp,
		BatchSize:       3,
		MaxParallel:     1,
		ResumeFromBatch: 2,
	})
	if err != nil {
		t.Fatalf("resumed Run failed: %v", err)
	}

	// Totals match an uninterrupted single run.
	if result.Total != 10 || result.Succeeded != 10 || result.Failed != 0 {
		t.Errorf("resumed result = %d/%d/%d, want 10/10/0", result.Total, result.Succeeded, result.Failed)
	}
	for i := 0; i < 6; i++ {
		if processed[i] != 1 {
			t.Errorf("item %d processed %d times, want exactly once", i, processed[i])
		}
	}
	for i := 6; i < 10; i++ {
		if processed[i] != 1 {
			t.Errorf("item %d processed %d times, want exactly once across both runs", i, processed[i])
		}
	}
}

func TestRunResumeRetriesFailedItems(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	engine := NewEngine(store, fastRegistry())

	var mu sync.Mutex
	calls := make(map[int]int)
	count := func(index int) {
		mu.Lock()
		calls[index]++
		mu.Unlock()
	}

	req := Request[string]{
		OperationID: "op-retry-resume",
		TenantID:    "acme",
		Items:       []string{"a", "b", "c", "d"},
		Op: func(_ context.Context, item string, index int) (json.RawMessage, error) {
			count(index)
			if index == 2 {
				return nil, errors.New("downstream briefly unavailable")
			}
			return upperOp(nil, item, index)
		},
		BatchSize:   2,
		MaxParallel: 2,
	}

	first, err := Run(context.Background(), engine, req)
	if err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	if first.Succeeded != 3 || first.Failed != 1 {
		t.Fatalf("first result = %d succeeded / %d failed, want 3/1", first.Succeeded, first.Failed)
	}
	mu.Lock()
	firstAttempts := calls[2]
	mu.Unlock()

	// Resume from the last fully-successful batch. The failed item gets a
	// fresh attempt; everything that already succeeded stays settled, even
	// item 3 whose batch re-runs.
	req.Op = func(_ context.Context, item string, index int) (json.RawMessage, error) {
		count(index)
		if index != 2 {
			return nil, fmt.Errorf("item %d was already committed", index)
		}
		return upperOp(nil, item, index)
	}
	req.ResumeFromBatch = 1

	resumed, err := Run(context.Background(), engine, req)
	if err != nil {
		t.Fatalf("resumed Run failed: %v", err)
	}

	if resumed.Total != 4 || resumed.Succeeded != 4 || resumed.Failed != 0 {
		t.Errorf("resumed result = %d/%d/%d, want 4/4/0", resumed.Total, resumed.Succeeded, resumed.Failed)
	}
	mu.Lock()
	defer mu.Unlock()
	if got := calls[2] - firstAttempts; got != 1 {
		t.Errorf("failed item re-attempted %d times on resume, want 1", got)
	}
	for _, i := range []int{0, 1, 3} {
		if calls[i] != 1 {
			t.Errorf("item %d processed %d times, want exactly once across both runs", i, calls[i])
		}
	}

	progress, err := store.GetOperationProgress(context.Background(), "acme", "op-retry-resume")
	if err != nil {
		t.Fatalf("GetOperationProgress failed: %v", err)
	}
	if progress.Failed != 0 || progress.LastSuccessfulBatch != 2 {
		t.Errorf("final checkpoint = %d failed, marker %d, want 0 failed with marker 2",
			progress.Failed, progress.LastSuccessfulBatch)
	}
}

func TestRunResumeRetriesCancelledItems(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	engine := NewEngine(store, fastRegistry())
	items := []string{"a", "b", "c", "d"}

	// Cancelling mid-batch marks the batch's unstarted items failed so the
	// checkpoint still settles. Those markers must not stay terminal on a
	// later resume.
	ctx, cancel := context.WithCancel(context.Background())
	first, err := Run(ctx, engine, Request[string]{
		OperationID: "op-cancel-resume",
		TenantID:    "acme",
		Items:       items,
		Op: func(_ context.Context, item string, index int) (json.RawMessage, error) {
			if index == 2 {
				cancel()
			}
			return upperOp(nil, item, index)
		},
		BatchSize:   2,
		MaxParallel: 1,
	})
	if err != nil {
		t.Fatalf("interrupted Run failed: %v", err)
	}
	if first.Failed != 1 || first.Errors[0].Index != 3 {
		t.Fatalf("interrupted result = %+v, want exactly item 3 failed", first)
	}

	progress, err := store.GetOperationProgress(context.Background(), "acme", "op-cancel-resume")
	if err != nil {
		t.Fatalf("GetOperationProgress failed: %v", err)
	}
	if progress.LastSuccessfulBatch != 1 {
		t.Fatalf("checkpoint at batch %d, want 1", progress.LastSuccessfulBatch)
	}

	var reran atomic.Int32
	resumed, err := Run(context.Background(), engine, Request[string]{
		OperationID: "op-cancel-resume",
		TenantID:    "acme",
		Items:       items,
		Op: func(_ context.Context, item string, index int) (json.RawMessage, error) {
			if index != 3 {
				return nil, fmt.Errorf("item %d was already committed", index)
			}
			reran.Add(1)
			return upperOp(nil, item, index)
		},
		BatchSize:       2,
		MaxParallel:     1,
		ResumeFromBatch: 1,
	})
	if err != nil {
		t.Fatalf("resumed Run failed: %v", err)
	}
	if reran.Load() != 1 {
		t.Errorf("cancelled item re-attempted %d times, want 1", reran.Load())
	}
	if resumed.Total != 4 || resumed.Succeeded != 4 || resumed.Failed != 0 {
		t.Errorf("resumed result = %d/%d/%d, want 4/4/0", resumed.Total, resumed.Succeeded, resumed.Failed)
	}
}

func TestRunBoundedConcurrency(t *testing.T) {
	t.Parallel()

	engine := NewEngine(ledger.NewMemoryStore(), fastRegistry())

	var inflight, highWater atomic.Int32
	op := func(_ context.Context, item string, index int) (json.RawMessage, error) {
		cur := inflight.Add(1)
		for {
			hw := highWater.Load()
			if cur <= hw || highWater.CompareAndSwap(hw, cur) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inflight.Add(-1)
		return upperOp(nil, item, index)
	}

	items := make([]string, 20)
	for i := range items {
		items[i] = fmt.Sprintf("item-%d", i)
	}

	_, err := Run(context.Background(), engine, Request[string]{
		OperationID: "op-bounded",
		TenantID:    "acme",
		Items:       items,
		Op:          op,
		BatchSize:   20,
		MaxParallel: 2,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if hw := highWater.Load(); hw > 2 {
		t.Errorf("concurrency high-water mark = %d, must never exceed 2", hw)
	}
}

func TestRunPerItemKindOverride(t *testing.T) {
	t.Parallel()

	registry := fastRegistry()
	registry.Register("flaky", retry.Policy{
		MaxAttempts: 4,
		BaseDelay:   time.Millisecond,
		Multiplier:  1,
		MaxDelay:    time.Millisecond,
	})
	engine := NewEngine(ledger.NewMemoryStore(), registry)

	type job struct {
		name string
		kind string
	}

	attempts := make(map[string]*atomic.Int32)
	attempts["steady"] = &atomic.Int32{}
	attempts["flaky"] = &atomic.Int32{}

	op := func(_ context.Context, item job, _ int) (json.RawMessage, error) {
		attempts[item.name].Add(1)
		return nil, errors.New("always failing")
	}

	result, err := Run(context.Background(), engine, Request[job]{
		OperationID: "op-kinds",
		TenantID:    "acme",
		Items: []job{
			{name: "steady"},
			{name: "flaky", kind: "flaky"},
		},
		Op:          op,
		BatchSize:   2,
		MaxParallel: 2,
		KindOf:      func(j job) string { return j.kind },
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Failed != 2 {
		t.Fatalf("failed = %d, want 2", result.Failed)
	}

	// The fallback policy allows 2 attempts; the flaky kind allows 4.
	if got := attempts["steady"].Load(); got != 2 {
		t.Errorf("default-kind item attempted %d times, want 2", got)
	}
	if got := attempts["flaky"].Load(); got != 4 {
		t.Errorf("override-kind item attempted %d times, want 4", got)
	}
}

func TestNumBatches(t *testing.T) {
	t.Parallel()

	tests := []struct {
		n, size, want int
	}{
		{0, 3, 0},
		{1, 3, 1},
		{3, 3, 1},
		{4, 3, 2},
		{10, 3, 4},
		{5, 2, 3},
	}
	for _, tt := range tests {
		if got := numBatches(tt.n, tt.size); got != tt.want {
			t.Errorf("numBatches(%d, %d) = %d, want %d", tt.n, tt.size, got, tt.want)
		}
	}
}
