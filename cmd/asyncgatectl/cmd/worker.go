/*
Copyright (c) 2026 asyncgate
SPDX-License-Identifier: MIT
*/

package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/asyncgate/asyncgate/internal/domain"
	"github.com/asyncgate/asyncgate/internal/engine"
)

// Worker-side ops: start, progress, renew, complete, fail. All take
// --lease + --worker, the pair every taskee call authenticates with.
var (
	workerLease string
	workerID    string

	progressMessage string
	progressPercent float64

	completeSummary  string
	completePayload  string
	completeArtifact []string
	completeProof    string

	failError     string
	failRetryable bool

	renewTTL time.Duration
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Transition a leased task to running",
	RunE: func(cmd *cobra.Command, args []string) error {
		task, err := eng.ReportProgress(cmd.Context(), engine.ReportProgressInput{
			TenantID: tenantID,
			LeaseID:  workerLease,
			WorkerID: workerID,
			Message:  "started",
		})
		if err != nil {
			return err
		}
		return printResult(task, func() {
			fmt.Printf("TASK\t%s\nSTATUS\t%s\n", task.ID, task.Status)
		})
	},
}

var progressCmd = &cobra.Command{
	Use:   "progress",
	Short: "Report progress on a running task",
	RunE: func(cmd *cobra.Command, args []string) error {
		in := engine.ReportProgressInput{
			TenantID: tenantID,
			LeaseID:  workerLease,
			WorkerID: workerID,
			Message:  progressMessage,
		}
		if cmd.Flags().Changed("percent") {
			in.Percent = &progressPercent
		}
		task, err := eng.ReportProgress(cmd.Context(), in)
		if err != nil {
			return err
		}
		return printResult(task, func() {
			fmt.Printf("TASK\t%s\nSTATUS\t%s\n", task.ID, task.Status)
		})
	},
}

var renewCmd = &cobra.Command{
	Use:   "renew",
	Short: "Renew a lease before it expires",
	RunE: func(cmd *cobra.Command, args []string) error {
		lease, err := eng.RenewLease(cmd.Context(), engine.RenewLeaseInput{
			TenantID: tenantID,
			LeaseID:  workerLease,
			WorkerID: workerID,
			TTL:      renewTTL,
		})
		if err != nil {
			return err
		}
		return printResult(lease, func() {
			fmt.Printf("LEASE\t%s\nEXPIRES\t%s\nRENEWALS\t%d\n",
				lease.ID, lease.ExpiresAt.Format(time.RFC3339), lease.RenewalCount)
		})
	},
}

var completeCmd = &cobra.Command{
	Use:   "complete",
	Short: "Report success, closing the task's obligation",
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := parseJSONFlag(completePayload, "result-payload")
		if err != nil {
			return err
		}
		proof, err := parseJSONFlag(completeProof, "delivery-proof")
		if err != nil {
			return err
		}
		artifacts := make([]domain.Artifact, 0, len(completeArtifact))
		for _, uri := range completeArtifact {
			artifacts = append(artifacts, domain.Artifact{Type: "uri", URI: uri})
		}
		res, err := eng.Complete(cmd.Context(), engine.CompleteInput{
			TenantID:      tenantID,
			LeaseID:       workerLease,
			WorkerID:      workerID,
			ResultSummary: completeSummary,
			ResultPayload: payload,
			Artifacts:     artifacts,
			DeliveryProof: proof,
		})
		if err != nil {
			return err
		}
		return printResult(res, func() {
			fmt.Printf("TASK\t%s\nSTATUS\t%s\n", res.Task.ID, res.Task.Status)
			if res.Anomaly {
				fmt.Println("WARNING\tno locatable evidence; obligation remains open")
			}
		})
	},
}

var failCmd = &cobra.Command{
	Use:   "fail",
	Short: "Report failure; requeues for retry or terminates",
	RunE: func(cmd *cobra.Command, args []string) error {
		errBody, err := parseJSONFlag(failError, "error")
		if err != nil {
			return err
		}
		res, err := eng.Fail(cmd.Context(), engine.FailInput{
			TenantID:  tenantID,
			LeaseID:   workerLease,
			WorkerID:  workerID,
			Retryable: failRetryable,
			Error:     errBody,
		})
		if err != nil {
			return err
		}
		return printResult(res, func() {
			if res.Requeued {
				fmt.Printf("REQUEUED\ttrue\nNEXT_ELIGIBLE\t%s\n", res.NextEligibleAt.Format(time.RFC3339))
			} else {
				fmt.Println("REQUEUED\tfalse (terminal failure)")
			}
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{startCmd, progressCmd, renewCmd, completeCmd, failCmd} {
		c.Flags().StringVar(&workerLease, "lease", "", "Lease id (required)")
		c.Flags().StringVar(&workerID, "worker", "", "Worker id (required)")
		_ = c.MarkFlagRequired("lease")
		_ = c.MarkFlagRequired("worker")
		rootCmd.AddCommand(c)
	}
	progressCmd.Flags().StringVar(&progressMessage, "message", "", "Progress message")
	progressCmd.Flags().Float64Var(&progressPercent, "percent", 0, "Completion percentage")
	renewCmd.Flags().DurationVar(&renewTTL, "ttl", 0, "New lease TTL (0 uses the server default)")
	completeCmd.Flags().StringVar(&completeSummary, "summary", "", "Result summary")
	completeCmd.Flags().StringVar(&completePayload, "result-payload", "", "Result payload as JSON")
	completeCmd.Flags().StringSliceVar(&completeArtifact, "artifact", nil, "Artifact URI (repeatable)")
	completeCmd.Flags().StringVar(&completeProof, "delivery-proof", "", "Delivery proof as JSON")
	failCmd.Flags().StringVar(&failError, "error", "", "Error detail as JSON")
	failCmd.Flags().BoolVar(&failRetryable, "retryable", false, "Whether the failure is retryable")
}
