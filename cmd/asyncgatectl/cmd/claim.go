/*
Copyright (c) 2026 asyncgate
SPDX-License-Identifier: MIT
*/

package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/asyncgate/asyncgate/internal/engine"
)

var (
	claimWorker       string
	claimCapabilities []string
	claimAcceptTypes  []string
	claimMax          int
	claimTTL          time.Duration
)

var claimCmd = &cobra.Command{
	Use:   "claim",
	Short: "Lease the next eligible task(s) for a worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		leases, err := eng.ClaimTasks(cmd.Context(), engine.ClaimTasksInput{
			TenantID:     tenantID,
			WorkerID:     claimWorker,
			Capabilities: claimCapabilities,
			AcceptTypes:  claimAcceptTypes,
			MaxTasks:     claimMax,
			LeaseTTL:     claimTTL,
		})
		if err != nil {
			return err
		}
		return printResult(leases, func() {
			if len(leases) == 0 {
				fmt.Println("no eligible tasks")
				return
			}
			fmt.Printf("%-36s  %-36s  %-16s  %-7s  %s\n", "TASK", "LEASE", "TYPE", "ATTEMPT", "EXPIRES")
			for _, l := range leases {
				fmt.Printf("%-36s  %-36s  %-16s  %-7d  %s\n",
					l.TaskID, l.LeaseID, l.Type, l.Attempt, l.ExpiresAt.Format(time.RFC3339))
			}
		})
	},
}

func init() {
	claimCmd.Flags().StringVar(&claimWorker, "worker", "", "Worker id (required)")
	claimCmd.Flags().StringSliceVar(&claimCapabilities, "capabilities", nil, "Worker capabilities")
	claimCmd.Flags().StringSliceVar(&claimAcceptTypes, "accept-types", nil, "Task types this worker accepts")
	claimCmd.Flags().IntVar(&claimMax, "max", 1, "Maximum tasks to claim")
	claimCmd.Flags().DurationVar(&claimTTL, "ttl", 0, "Lease TTL (0 uses the server default)")
	_ = claimCmd.MarkFlagRequired("worker")
	rootCmd.AddCommand(claimCmd)
}
