/*
Copyright (c) 2026 asyncgate
SPDX-License-Identifier: MIT
*/

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/asyncgate/asyncgate/internal/config"
	"github.com/asyncgate/asyncgate/internal/engine"
	"github.com/asyncgate/asyncgate/internal/ledger"
	"github.com/asyncgate/asyncgate/internal/ports/realclock"
	"github.com/asyncgate/asyncgate/internal/ports/uuidgen"
	"github.com/asyncgate/asyncgate/internal/storage/postgres"
)

var (
	databaseURL  string
	tenantID     string
	outputFormat string
	asInternal   bool

	cfg  config.Config
	eng  *engine.Engine
	pool *pgxpool.Pool
)

var rootCmd = &cobra.Command{
	Use:   "asyncgatectl",
	Short: "CLI for AsyncGate - multi-tenant task dispatch with a receipt ledger",
	Long: `asyncgatectl drives the AsyncGate engine directly against its database,
playing both sides of the dispatch protocol for smoke tests and demos.

Examples:
  # Agent side: post a task and read outstanding work
  asyncgatectl create-task --type t.demo --payload '{"k":1}' --created-by agent:A1 --principal-ai A1
  asyncgatectl bootstrap --to agent:A1

  # Worker side: lease, run, report
  asyncgatectl claim --worker W1 --capabilities demo --accept-types t.demo
  asyncgatectl start --lease <lease-id> --worker W1
  asyncgatectl complete --lease <lease-id> --worker W1 --artifact s3://bucket/key

  # Operations
  asyncgatectl sweep-tick --instance <instance-id>`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" {
			return nil
		}
		return initEngine(cmd.Context())
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if pool != nil {
			pool.Close()
		}
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&databaseURL, "database-url", "", "Postgres connection string (defaults to ASYNCGATE_DATABASE_URL)")
	rootCmd.PersistentFlags().StringVar(&tenantID, "tenant", "default", "Tenant id")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json")
	rootCmd.PersistentFlags().BoolVar(&asInternal, "internal", false, "Act as an internal (system/service) caller")
}

func initEngine(ctx context.Context) error {
	var err error
	cfg, err = config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if databaseURL != "" {
		cfg.DatabaseURL = databaseURL
	}

	pool, err = pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	store := postgres.New(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}

	log := zap.NewNop()
	if os.Getenv("ASYNCGATE_CTL_VERBOSE") != "" {
		log, _ = zap.NewDevelopment()
	}

	clock := realclock.New()
	idgen := uuidgen.New()
	led := ledger.New(clock, idgen, ledger.Limits{
		BodyCapBytes: cfg.ReceiptBodyCapBytes,
		ParentsCap:   cfg.ParentsCap,
		ArtifactsCap: cfg.ArtifactsCap,
	}, log)

	instID := cfg.InstanceID
	if instID == "" {
		hostname, _ := os.Hostname()
		instID = "ctl-" + hostname
	}
	eng = engine.New(store, led, clock, idgen, cfg, log, instID)
	return nil
}

// printResult renders v as indented JSON when --output json is set,
// otherwise falls back to the caller-supplied table printer.
func printResult(v any, table func()) error {
	if outputFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	table()
	return nil
}

func parseJSONFlag(raw, flagName string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("invalid --%s JSON: %w", flagName, err)
	}
	return m, nil
}
