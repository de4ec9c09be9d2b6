// Perdura - Durable, Idempotent, Resumable Execution Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/perdura

// Package perdura assembles the execution runtime: the idempotency and
// progress ledger, the write-ahead log, the saga coordinator, the bulk
// engine, and the event bus, supervised as one tree.
package perdura

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/tomtom215/perdura/bulk"
	"github.com/tomtom215/perdura/events"
	"github.com/tomtom215/perdura/internal/config"
	"github.com/tomtom215/perdura/internal/logging"
	"github.com/tomtom215/perdura/internal/ops"
	"github.com/tomtom215/perdura/ledger"
	"github.com/tomtom215/perdura/ledger/duck"
	"github.com/tomtom215/perdura/retry"
	"github.com/tomtom215/perdura/saga"
	"github.com/tomtom215/perdura/wal"
	"golang.org/x/time/rate"
)

// Runtime is the assembled execution runtime.
type Runtime struct {
	cfg *config.Config

	store       ledger.Store
	walLog      *wal.BadgerLog
	registry    *retry.Registry
	breakers    *retry.Breakers
	engine      *bulk.Engine
	coordinator *saga.Coordinator
	bus         *events.Bus
	subscriber  message.Subscriber
	opsServer   *ops.Server

	supervisor *suture.Supervisor
}

// New builds a runtime from configuration. The caller owns the runtime and
// must Close it; Serve runs the background services.
func New(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
		Output:    os.Stderr,
	})

	r := &Runtime{cfg: cfg}

	store, err := openStore(ctx, cfg.Ledger)
	if err != nil {
		return nil, err
	}
	r.store = store

	walCfg := wal.DefaultConfig(cfg.WAL.Dir)
	walCfg.SyncWrites = cfg.WAL.SyncWrites
	walCfg.CompactInterval = cfg.WAL.CompactionInterval
	r.walLog, err = wal.Open(walCfg)
	if err != nil {
		r.closePartial()
		return nil, fmt.Errorf("open wal: %w", err)
	}

	r.registry = retry.NewRegistryFromPolicies(cfg.Retry.Kinds)
	if cfg.Retry.Default.MaxAttempts > 0 {
		r.registry.SetFallback(cfg.Retry.Default)
	}
	r.breakers = retry.NewBreakers(retry.BreakerConfig{
		Enabled:          cfg.Breaker.Enabled,
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Timeout:          cfg.Breaker.Timeout,
		MaxRequests:      cfg.Breaker.MaxRequests,
	})

	if cfg.Events.Enabled {
		r.bus, r.subscriber, err = openBus(cfg.Events)
		if err != nil {
			r.closePartial()
			return nil, err
		}
	}

	engineOpts := []bulk.Option{bulk.WithBreakers(r.breakers)}
	if r.bus != nil {
		engineOpts = append(engineOpts, bulk.WithNotifier(r.bus))
	}
	if cfg.Bulk.TenantRatePerSecond > 0 {
		engineOpts = append(engineOpts,
			bulk.WithTenantRateLimit(rate.Limit(cfg.Bulk.TenantRatePerSecond), cfg.Bulk.TenantRateBurst))
	}
	r.engine = bulk.NewEngine(r.store, r.registry, engineOpts...)

	r.coordinator = saga.NewCoordinator(r.walLog)
	if r.bus != nil {
		r.coordinator.SetNotifier(r.bus)
	}

	r.supervisor = suture.New("perdura", suture.Spec{
		EventHook: (&sutureslog.Handler{Logger: logging.NewSlogLogger()}).MustHook(),
		Timeout:   15 * time.Second,
	})
	r.supervisor.Add(wal.NewCompactor(r.walLog))

	if cfg.Ops.Enabled {
		r.opsServer = ops.NewServer(cfg.Ops.Addr,
			cfg.Ops.ReadTimeout, cfg.Ops.WriteTimeout, cfg.Ops.ShutdownTimeout)
		r.registerChecks(r.opsServer)
		r.supervisor.Add(r.opsServer)
	}

	return r, nil
}

// openStore selects the ledger backend.
func openStore(ctx context.Context, cfg config.LedgerConfig) (ledger.Store, error) {
	switch cfg.Backend {
	case "memory":
		return ledger.NewMemoryStore(), nil
	case "badger":
		bcfg := ledger.DefaultBadgerConfig(cfg.Path)
		bcfg.RecordTTL = cfg.RecordTTL
		store, err := ledger.OpenBadger(bcfg)
		if err != nil {
			return nil, fmt.Errorf("open badger ledger: %w", err)
		}
		return store, nil
	case "duckdb":
		store, err := duck.Open(ctx, cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open duckdb ledger: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
	}
}

// openBus selects the event transport.
func openBus(cfg config.EventsConfig) (*events.Bus, message.Subscriber, error) {
	switch cfg.Backend {
	case "gochannel":
		bus, ch := events.NewInProcessBus()
		return bus, ch, nil
	case "nats":
		pub, err := events.NewNATSPublisher(events.NATSConfig{
			URL:             cfg.NATSURL,
			MaxReconnects:   cfg.NATSMaxReconnects,
			ReconnectWait:   cfg.NATSReconnectWait,
			ReconnectBuffer: cfg.NATSReconnectBuffer,
			TrackMsgID:      cfg.NATSTrackMsgID,
		}, events.NewWatermillLogger())
		if err != nil {
			return nil, nil, fmt.Errorf("open nats publisher: %w", err)
		}
		return events.NewBus(pub), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown events backend %q", cfg.Backend)
	}
}

// registerChecks wires readiness probes for the durable stores.
func (r *Runtime) registerChecks(srv *ops.Server) {
	srv.RegisterCheck("ledger", func(ctx context.Context) error {
		_, err := r.store.CheckIdempotency(ctx, "probe", "probe")
		if errors.Is(err, ledger.ErrNotFound) {
			return nil
		}
		return err
	})
	srv.RegisterCheck("wal", func(ctx context.Context) error {
		_, err := r.walLog.Replay(ctx, "probe")
		return err
	})
}

// Serve runs the supervised background services (WAL compaction, the ops
// server) until the context is cancelled.
func (r *Runtime) Serve(ctx context.Context) error {
	return r.supervisor.Serve(ctx)
}

// RecoverExecutions sweeps the WAL for executions that did not reach a
// terminal state and drives each one to completion. The resolver maps an
// execution ID back to its saga definition; returning nil skips the
// execution (it belongs to another owner or is no longer known).
func (r *Runtime) RecoverExecutions(ctx context.Context, resolve func(executionID string) []saga.Step) error {
	ids, err := r.walLog.Executions(ctx)
	if err != nil {
		return fmt.Errorf("list executions: %w", err)
	}

	var errs []error
	for _, id := range ids {
		steps := resolve(id)
		if steps == nil {
			logging.Warn().Str("execution_id", id).Msg("No saga definition for logged execution, skipping")
			continue
		}
		if _, err := r.coordinator.Recover(ctx, id, steps); err != nil && !errors.Is(err, saga.ErrNoRecords) {
			errs = append(errs, fmt.Errorf("recover %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Engine returns the bulk execution engine.
func (r *Runtime) Engine() *bulk.Engine { return r.engine }

// DefaultBatchShape returns the configured engine-wide batch size and
// parallelism, for callers building bulk requests.
func (r *Runtime) DefaultBatchShape() (batchSize, maxParallel int) {
	return r.cfg.Bulk.DefaultBatchSize, r.cfg.Bulk.DefaultMaxParallel
}

// Coordinator returns the saga coordinator.
func (r *Runtime) Coordinator() *saga.Coordinator { return r.coordinator }

// Ledger returns the idempotency/progress store.
func (r *Runtime) Ledger() ledger.Store { return r.store }

// WAL returns the write-ahead log.
func (r *Runtime) WAL() wal.Log { return r.walLog }

// Retries returns the retry policy registry.
func (r *Runtime) Retries() *retry.Registry { return r.registry }

// Subscriber returns the in-process event subscriber, or nil when events
// are disabled or routed to an external broker.
func (r *Runtime) Subscriber() message.Subscriber { return r.subscriber }

// Close releases every component. Safe to call after a failed New.
func (r *Runtime) Close() error {
	var errs []error
	if r.bus != nil {
		if err := r.bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close bus: %w", err))
		}
	}
	if r.walLog != nil {
		if err := r.walLog.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close wal: %w", err))
		}
	}
	if closer, ok := r.store.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close ledger: %w", err))
		}
	}
	return errors.Join(errs...)
}

// closePartial tears down whatever New managed to open before failing.
func (r *Runtime) closePartial() {
	_ = r.Close()
}
