/*
Copyright (c) 2026 asyncgate
SPDX-License-Identifier: MIT
*/

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/asyncgate/asyncgate/internal/sweeper"
)

var sweepInstance string

var sweepTickCmd = &cobra.Command{
	Use:   "sweep-tick",
	Short: "Run one lease-expiry sweep pass synchronously",
	Long: `Runs a single sweep pass for the given instance id: expired leases
owned by that instance are released and their tasks requeued without
consuming an attempt. The daemon runs this continuously; the command
exists for operational tooling and demos.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := zap.NewNop()
		sw := sweeper.New(eng.Store, eng.Ledger, eng.Clock, cfg, log, sweepInstance)
		if err := sw.Tick(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("sweep tick complete")
		return nil
	},
}

var showConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective engine configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := eng.GetConfig()
		return printResult(c, func() {
			fmt.Printf("ENV\t%s\nDEFAULT_LEASE_TTL\t%s\nMAX_LEASE_TTL\t%s\nMAX_RENEWALS\t%d\nMAX_LIFETIME\t%s\nSWEEP_INTERVAL\t%s\n",
				c.Env, c.DefaultLeaseTTL, c.MaxLeaseTTL, c.MaxLeaseRenewals, c.MaxLeaseLifetime, c.SweepInterval)
		})
	},
}

func init() {
	sweepTickCmd.Flags().StringVar(&sweepInstance, "instance", "", "Instance id whose leases to sweep (required)")
	_ = sweepTickCmd.MarkFlagRequired("instance")
	rootCmd.AddCommand(sweepTickCmd, showConfigCmd)
}
