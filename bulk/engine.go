// Perdura - Durable, Idempotent, Resumable Execution Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/perdura

package bulk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/tomtom215/perdura/internal/logging"
	"github.com/tomtom215/perdura/ledger"
	"github.com/tomtom215/perdura/retry"
)

// Notifier receives checkpoint and completion notifications. The events
// package provides a Watermill-backed implementation; a nil Notifier
// disables notification.
type Notifier interface {
	ProgressUpdated(ctx context.Context, tenantID string, progress *ledger.ProgressRecord)
	OperationCompleted(ctx context.Context, tenantID string, result *Result)
}

// Engine executes bulk runs against a ledger store. One engine serves many
// concurrent runs, but each operation ID must be driven by exactly one
// caller at a time.
type Engine struct {
	store    ledger.Store
	policies *retry.Registry
	breakers *retry.Breakers
	notifier Notifier

	rateLimit rate.Limit
	rateBurst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// Option configures an Engine.
type Option func(*Engine)

// WithBreakers attaches per-kind circuit breakers to item operations.
func WithBreakers(b *retry.Breakers) Option {
	return func(e *Engine) { e.breakers = b }
}

// WithNotifier attaches a checkpoint/completion notifier.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithTenantRateLimit throttles batch starts per tenant. Zero limit
// disables throttling.
func WithTenantRateLimit(limit rate.Limit, burst int) Option {
	return func(e *Engine) {
		e.rateLimit = limit
		e.rateBurst = burst
	}
}

// NewEngine creates an engine. A nil registry uses default retry policies
// for every kind.
func NewEngine(store ledger.Store, policies *retry.Registry, opts ...Option) *Engine {
	if policies == nil {
		policies = retry.NewRegistry()
	}
	e := &Engine{
		store:    store,
		policies: policies,
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// limiterFor returns the tenant's rate limiter, creating it on first use.
// Returns nil when throttling is disabled.
func (e *Engine) limiterFor(tenantID string) *rate.Limiter {
	if e.rateLimit == 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	lim, ok := e.limiters[tenantID]
	if !ok {
		lim = rate.NewLimiter(e.rateLimit, e.rateBurst)
		e.limiters[tenantID] = lim
	}
	return lim
}

// Run executes a bulk request to completion.
//
// Item failures are recorded in the result, never returned as an error.
// The returned error is non-nil only for invalid requests, ledger I/O
// failures, an in-progress duplicate (ledger.ErrDuplicateOperation), or
// cancellation between batches. On cancellation the last checkpoint is
// already durable, so the run can resume.
func Run[T any](ctx context.Context, e *Engine, req Request[T]) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	logger := logging.Ctx(logging.ContextWithOperationID(
		logging.ContextWithTenantID(ctx, req.TenantID), req.OperationID))

	if req.IdempotencyKey != "" {
		cached, err := claimIdempotency(ctx, e, &req)
		if err != nil {
			return nil, err
		}
		if cached != nil {
			logger.Debug().Msg("Returning cached bulk result")
			recordRun("cached")
			return cached, nil
		}
	}

	total := len(req.Items)
	outcomes := make([]*ledger.ItemResult, total)
	progress := &ledger.ProgressRecord{
		OperationID: req.OperationID,
		TenantID:    req.TenantID,
		Status:      ledger.ProgressRunning,
		Total:       total,
	}

	if req.ResumeFromBatch > 0 {
		if err := seedFromCheckpoint(ctx, e, &req, progress, outcomes); err != nil {
			return nil, err
		}
	}

	batches := numBatches(total, req.BatchSize)
	logger.Info().
		Int("total_items", total).
		Int("batches", batches).
		Int("resume_from_batch", req.ResumeFromBatch).
		Int("max_parallel", req.MaxParallel).
		Msg("Starting bulk run")

	limiter := e.limiterFor(req.TenantID)

	for b := req.ResumeFromBatch + 1; b <= batches; b++ {
		// Cancellation is cooperative: checked between batches, never
		// mid-batch, so every checkpoint describes a settled batch.
		if err := ctx.Err(); err != nil {
			logger.Warn().Int("next_batch", b).Msg("Bulk run cancelled between batches")
			recordRun("cancelled")
			return nil, fmt.Errorf("bulk run cancelled before batch %d: %w", b, err)
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				recordRun("cancelled")
				return nil, fmt.Errorf("bulk run cancelled before batch %d: %w", b, err)
			}
		}

		start := time.Now()
		runBatch(ctx, e, &req, b, outcomes)
		observeBatchDuration(time.Since(start))

		allOK := tallyProgress(progress, outcomes, b, req.BatchSize)
		if err := e.checkpoint(ctx, progress); err != nil {
			recordRun("error")
			return nil, fmt.Errorf("checkpoint batch %d: %w", b, err)
		}
		logger.Debug().
			Int("batch", b).
			Bool("fully_successful", allOK).
			Int("processed", progress.Processed).
			Int("failed", progress.Failed).
			Msg("Batch checkpointed")
	}

	result := buildResult(req.OperationID, outcomes)
	result.Total = total

	progress.Status = ledger.ProgressCompleted
	if err := e.checkpoint(ctx, progress); err != nil {
		recordRun("error")
		return nil, fmt.Errorf("final checkpoint: %w", err)
	}

	if req.IdempotencyKey != "" {
		if err := commitIdempotency(ctx, e, &req, result); err != nil {
			recordRun("error")
			return nil, err
		}
	}

	if e.notifier != nil {
		e.notifier.OperationCompleted(ctx, req.TenantID, result)
	}

	logger.Info().
		Int("succeeded", result.Succeeded).
		Int("failed", result.Failed).
		Msg("Bulk run completed")
	recordRun("completed")
	return result, nil
}

// claimIdempotency short-circuits a completed run and otherwise marks the
// key pending. Returns the cached result when the run already completed.
//
// A resumed run owns its pending record, so the duplicate check is skipped
// when resuming.
func claimIdempotency[T any](ctx context.Context, e *Engine, req *Request[T]) (*Result, error) {
	rec, err := e.store.CheckIdempotency(ctx, req.TenantID, req.IdempotencyKey)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		if mErr := e.store.MarkIdempotencyPending(ctx, req.TenantID, req.IdempotencyKey); mErr != nil {
			return nil, fmt.Errorf("mark idempotency pending: %w", mErr)
		}
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("check idempotency: %w", err)
	}

	if rec.Status == ledger.IdempotencyCompleted {
		var cached Result
		if uErr := json.Unmarshal(rec.Result, &cached); uErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrCachedResult, uErr)
		}
		return &cached, nil
	}

	if req.ResumeFromBatch > 0 {
		return nil, nil
	}
	return nil, fmt.Errorf("operation with key %q is in progress: %w",
		req.IdempotencyKey, ledger.ErrDuplicateOperation)
}

// commitIdempotency persists the final result under the run's key.
func commitIdempotency[T any](ctx context.Context, e *Engine, req *Request[T], result *Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if err := e.store.StoreIdempotencyResult(ctx, req.TenantID, req.IdempotencyKey, data); err != nil {
		return fmt.Errorf("store idempotency result: %w", err)
	}
	return nil
}

// seedFromCheckpoint loads the prior progress record and replays its
// per-item outcomes into the working set. Failures recorded past the
// resume point are dropped so those items get a fresh attempt; successes
// stay settled everywhere. A missing record degrades to a fresh run.
func seedFromCheckpoint[T any](ctx context.Context, e *Engine, req *Request[T], progress *ledger.ProgressRecord, outcomes []*ledger.ItemResult) error {
	prior, err := e.store.GetOperationProgress(ctx, req.TenantID, req.OperationID)
	if errors.Is(err, ledger.ErrNotFound) {
		logging.Warn().
			Str("operation_id", req.OperationID).
			Int("resume_from_batch", req.ResumeFromBatch).
			Msg("No checkpoint found, running from the start")
		req.ResumeFromBatch = 0
		return nil
	}
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}

	for _, r := range append(append([]ledger.ItemResult{}, prior.Results...), prior.Errors...) {
		if r.Index < 0 || r.Index >= len(outcomes) {
			return fmt.Errorf("%w: checkpoint references item %d outside %d items",
				ErrConfiguration, r.Index, len(outcomes))
		}
		if !r.Success && r.Index/req.BatchSize+1 > req.ResumeFromBatch {
			// The item's batch re-runs, so its old failure must not keep
			// it settled.
			continue
		}
		r := r
		outcomes[r.Index] = &r
	}

	progress.LastSuccessfulBatch = prior.LastSuccessfulBatch
	progress.CurrentBatch = prior.CurrentBatch
	return nil
}

// runBatch processes one batch's items concurrently, bounded by the
// request's parallelism. It blocks until every item in the batch settled.
func runBatch[T any](ctx context.Context, e *Engine, req *Request[T], batch int, outcomes []*ledger.ItemResult) {
	start, end := batchBounds(batch, req.BatchSize, len(req.Items))
	sem := semaphore.NewWeighted(int64(req.MaxParallel))
	var wg sync.WaitGroup

	for i := start; i < end; i++ {
		if outcomes[i] != nil {
			// Already settled by a prior run being resumed.
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			// Cancelled mid-batch: record the unstarted item as failed
			// so the batch still settles and checkpoints consistently.
			outcomes[i] = &ledger.ItemResult{Index: i, Error: err.Error()}
			recordItem("failed")
			continue
		}
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			defer sem.Release(1)
			outcomes[idx] = processItem(ctx, e, req, idx)
		}(i)
	}
	wg.Wait()
}

// processItem runs one item through its retry policy. The returned result
// is always terminal: success, or failure with retries exhausted.
func processItem[T any](ctx context.Context, e *Engine, req *Request[T], idx int) *ledger.ItemResult {
	item := req.Items[idx]
	kind := req.Kind
	if req.KindOf != nil {
		if k := req.KindOf(item); k != "" {
			kind = k
		}
	}

	policy := e.policies.PolicyFor(kind)
	breaker := e.breakers.For(kind)

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		recordAttempt(kind)

		var payload json.RawMessage
		var err error
		op := func() (json.RawMessage, error) { return req.Op(ctx, item, idx) }
		if breaker != nil {
			payload, err = breaker.Execute(op)
		} else {
			payload, err = op()
		}
		if err == nil {
			recordItem("succeeded")
			return &ledger.ItemResult{Index: idx, Success: true, Payload: payload}
		}
		lastErr = err

		if attempt < policy.MaxAttempts {
			if !sleepCtx(ctx, policy.Delay(attempt)) {
				break
			}
		}
	}

	itemErr := &ItemError{Index: idx, Kind: kind, Attempts: policy.MaxAttempts, Err: lastErr}
	logger := logging.Ctx(ctx)
	logger.Debug().
		Int("index", idx).
		Str("kind", kind).
		Err(lastErr).
		Msg("Item exhausted its retry policy")
	recordItem("failed")
	return &ledger.ItemResult{Index: idx, Error: itemErr.Error()}
}

// tallyProgress recomputes the progress counters from the settled
// outcomes and advances the batch markers. Returns whether the batch was
// fully successful.
//
// Counters derive from the full outcome set rather than incrementing:
// when a resume re-runs a partially-failed batch (seeding dropped its
// old failures), the fresh outcomes replace the old ones in the tally
// instead of double counting.
func tallyProgress(progress *ledger.ProgressRecord, outcomes []*ledger.ItemResult, batch, batchSize int) bool {
	var processed, succeeded, failed int
	results := make([]ledger.ItemResult, 0, len(outcomes))
	errs := make([]ledger.ItemResult, 0)
	for _, o := range outcomes {
		if o == nil {
			continue
		}
		processed++
		if o.Success {
			succeeded++
			results = append(results, *o)
		} else {
			failed++
			errs = append(errs, *o)
		}
	}
	progress.Processed = processed
	progress.Succeeded = succeeded
	progress.Failed = failed
	progress.Results = results
	progress.Errors = errs
	progress.CurrentBatch = batch

	allOK := true
	start, end := batchBounds(batch, batchSize, len(outcomes))
	for i := start; i < end; i++ {
		if outcomes[i] == nil || !outcomes[i].Success {
			allOK = false
			break
		}
	}
	if allOK {
		progress.LastSuccessfulBatch = batch
	}
	return allOK
}

// checkpoint persists progress and notifies.
func (e *Engine) checkpoint(ctx context.Context, progress *ledger.ProgressRecord) error {
	if err := e.store.TrackOperationProgress(ctx, progress.TenantID, progress.OperationID, progress); err != nil {
		return err
	}
	if e.notifier != nil {
		e.notifier.ProgressUpdated(ctx, progress.TenantID, progress.Clone())
	}
	return nil
}

// buildResult partitions the settled outcomes into the terminal result,
// each side ordered by original input index.
func buildResult(operationID string, outcomes []*ledger.ItemResult) *Result {
	result := &Result{OperationID: operationID}
	for _, o := range outcomes {
		if o == nil {
			continue
		}
		if o.Success {
			result.Succeeded++
			result.Results = append(result.Results, *o)
		} else {
			result.Failed++
			result.Errors = append(result.Errors, *o)
		}
	}
	return result
}

// sleepCtx sleeps for d unless the context is cancelled first. Returns
// false on cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
