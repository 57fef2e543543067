/*
Copyright (c) 2026 asyncgate
SPDX-License-Identifier: MIT
*/

/*
AsyncGate daemon — task-dispatch core with an append-only receipt ledger.

This process owns the background lease sweeper for every task it
creates. The request surface (HTTP/RPC, auth, rate limiting) is a host
concern and is not started here; hosts embed internal/engine behind
their own transport and run this binary for the sweep loop, or wire
both into one process.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/asyncgate/asyncgate/internal/config"
	"github.com/asyncgate/asyncgate/internal/instanceid"
	"github.com/asyncgate/asyncgate/internal/ledger"
	"github.com/asyncgate/asyncgate/internal/ports/realclock"
	"github.com/asyncgate/asyncgate/internal/ports/uuidgen"
	"github.com/asyncgate/asyncgate/internal/storage/postgres"
	"github.com/asyncgate/asyncgate/internal/sweeper"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "asyncgated:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		databaseURL = flag.String("database-url", "", "Postgres connection string (defaults to ASYNCGATE_DATABASE_URL)")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error)")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if *databaseURL != "" {
		cfg.DatabaseURL = *databaseURL
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	log, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	hostname, _ := os.Hostname()
	instID := cfg.InstanceID
	if instID == "" {
		instID = instanceid.Detect(instanceid.Env{
			ExplicitInstanceID:      os.Getenv("ASYNCGATE_INSTANCE_ID"),
			FlyAllocID:              os.Getenv("FLY_ALLOC_ID"),
			Hostname:                hostname,
			ECSContainerMetadataURI: os.Getenv("ECS_CONTAINER_METADATA_URI_V4"),
			CloudRunRevision:        os.Getenv("K_REVISION"),
		})
	}
	if err := instanceid.ValidateUniqueness(instID, cfg.Env); err != nil {
		return err
	}
	log.Sugar().Infow("instance identity resolved", "instance_id", instID, "env", cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer pool.Close()

	store := postgres.New(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}

	led := ledger.New(realclock.New(), uuidgen.New(), ledger.Limits{
		BodyCapBytes: cfg.ReceiptBodyCapBytes,
		ParentsCap:   cfg.ParentsCap,
		ArtifactsCap: cfg.ArtifactsCap,
	}, log)

	sw := sweeper.New(store, led, realclock.New(), cfg, log, instID)
	sw.Run(ctx)

	log.Sugar().Infow("shutdown complete", "instance_id", instID)
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = lvl
	return zcfg.Build()
}
