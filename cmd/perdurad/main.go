// Perdura - Durable, Idempotent, Resumable Execution Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/perdura

// Package main runs the Perdura daemon: the supervised runtime plus its
// operational HTTP surface. Embedding applications usually import the
// perdura package directly instead.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tomtom215/perdura"
	"github.com/tomtom215/perdura/internal/config"
	"github.com/tomtom215/perdura/internal/logging"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file (default: search standard locations)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("perdurad %s\n", version)
		return
	}

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "perdurad: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runtime, err := perdura.New(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "perdurad: %v\n", err)
		os.Exit(1)
	}

	logging.Info().
		Str("version", version).
		Str("ledger_backend", cfg.Ledger.Backend).
		Str("wal_dir", cfg.WAL.Dir).
		Msg("Perdura starting")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	if err := runtime.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Runtime stopped with error")
	}

	if err := runtime.Close(); err != nil {
		logging.Error().Err(err).Msg("Shutdown finished with errors")
		os.Exit(1)
	}
	logging.Info().Msg("Perdura stopped gracefully")
}
