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

// Agent-side ops: cancel, ack, bootstrap, list-receipts, get-task.
var (
	cancelTaskID string
	cancelCaller string
	cancelReason string

	ackReceiptID string
	ackPrincipal string

	bootstrapTo    string
	bootstrapSince string
	listLimit      int
	listCursor     string
)

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel a task you own",
	RunE: func(cmd *cobra.Command, args []string) error {
		caller, err := parsePrincipal(cancelCaller)
		if err != nil {
			return err
		}
		task, err := eng.CancelTask(cmd.Context(), engine.CancelTaskInput{
			TenantID:         tenantID,
			TaskID:           cancelTaskID,
			Caller:           caller,
			CallerIsInternal: asInternal,
			Reason:           cancelReason,
		})
		if err != nil {
			return err
		}
		return printResult(task, func() {
			fmt.Printf("TASK\t%s\nSTATUS\t%s\n", task.ID, task.Status)
		})
	},
}

var ackCmd = &cobra.Command{
	Use:   "ack",
	Short: "Acknowledge a receipt (informational; never discharges obligations)",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := parsePrincipal(ackPrincipal)
		if err != nil {
			return err
		}
		receipt, err := eng.AckReceipt(cmd.Context(), engine.AckReceiptInput{
			TenantID:       tenantID,
			Principal:      p,
			AckedReceiptID: ackReceiptID,
		})
		if err != nil {
			return err
		}
		return printResult(receipt.ToWire(), func() {
			fmt.Printf("RECEIPT\t%s\nTYPE\t%s\n", receipt.ID, receipt.Type)
		})
	},
}

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "List a principal's open obligations (the bootstrap primitive)",
	RunE: func(cmd *cobra.Command, args []string) error {
		to, err := parsePrincipal(bootstrapTo)
		if err != nil {
			return err
		}
		open, next, err := eng.ListOpenObligations(cmd.Context(), engine.ListOpenObligationsInput{
			TenantID: tenantID,
			To:       to,
			Since:    bootstrapSince,
			Limit:    listLimit,
		})
		if err != nil {
			return err
		}
		return printResult(map[string]any{"open": wires(open), "next_cursor": next}, func() {
			if len(open) == 0 {
				fmt.Println("no open obligations")
				return
			}
			fmt.Printf("%-36s  %-16s  %-36s  %s\n", "RECEIPT", "TYPE", "TASK", "CREATED")
			for _, r := range open {
				fmt.Printf("%-36s  %-16s  %-36s  %s\n", r.ID, r.Type, r.TaskID, r.CreatedAt.Format(time.RFC3339))
			}
			if next != "" {
				fmt.Printf("next cursor: %s\n", next)
			}
		})
	},
}

var listReceiptsCmd = &cobra.Command{
	Use:   "list-receipts",
	Short: "List every receipt addressed to a principal",
	RunE: func(cmd *cobra.Command, args []string) error {
		to, err := parsePrincipal(bootstrapTo)
		if err != nil {
			return err
		}
		receipts, next, err := eng.ListReceipts(cmd.Context(), engine.ListReceiptsInput{
			TenantID: tenantID,
			ToKind:   string(to.Kind),
			ToID:     to.ID,
			Cursor:   listCursor,
			Limit:    listLimit,
		})
		if err != nil {
			return err
		}
		return printResult(map[string]any{"receipts": wires(receipts), "next_cursor": next}, func() {
			fmt.Printf("%-36s  %-20s  %-36s  %s\n", "RECEIPT", "TYPE", "TASK", "CREATED")
			for _, r := range receipts {
				fmt.Printf("%-36s  %-20s  %-36s  %s\n", r.ID, r.Type, r.TaskID, r.CreatedAt.Format(time.RFC3339))
			}
			if next != "" {
				fmt.Printf("next cursor: %s\n", next)
			}
		})
	},
}

var getTaskCmd = &cobra.Command{
	Use:   "get-task <task-id>",
	Short: "Show one task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		task, err := eng.GetTask(cmd.Context(), tenantID, args[0])
		if err != nil {
			return err
		}
		return printResult(task, func() {
			fmt.Printf("TASK\t%s\nTYPE\t%s\nSTATUS\t%s\nATTEMPT\t%d/%d\nOWNER\t%s:%s\n",
				task.ID, task.Type, task.Status, task.Attempt, task.MaxAttempts, task.Owner.Kind, task.Owner.ID)
		})
	},
}

func wires(receipts []*domain.Receipt) []domain.WireReceipt {
	out := make([]domain.WireReceipt, len(receipts))
	for i, r := range receipts {
		out[i] = r.ToWire()
	}
	return out
}

func init() {
	cancelCmd.Flags().StringVar(&cancelTaskID, "task", "", "Task id (required)")
	cancelCmd.Flags().StringVar(&cancelCaller, "caller", "", "Calling principal as kind:id (required)")
	cancelCmd.Flags().StringVar(&cancelReason, "reason", "", "Cancellation reason")
	_ = cancelCmd.MarkFlagRequired("task")
	_ = cancelCmd.MarkFlagRequired("caller")

	ackCmd.Flags().StringVar(&ackReceiptID, "receipt", "", "Receipt id to acknowledge (required)")
	ackCmd.Flags().StringVar(&ackPrincipal, "principal", "", "Acknowledging principal as kind:id (required)")
	_ = ackCmd.MarkFlagRequired("receipt")
	_ = ackCmd.MarkFlagRequired("principal")

	for _, c := range []*cobra.Command{bootstrapCmd, listReceiptsCmd} {
		c.Flags().StringVar(&bootstrapTo, "to", "", "Principal as kind:id (required)")
		c.Flags().IntVar(&listLimit, "limit", 0, "Page size (0 uses the server default)")
		_ = c.MarkFlagRequired("to")
	}
	bootstrapCmd.Flags().StringVar(&bootstrapSince, "since", "", "Resume cursor from a previous page")
	listReceiptsCmd.Flags().StringVar(&listCursor, "cursor", "", "Resume cursor from a previous page")

	rootCmd.AddCommand(cancelCmd, ackCmd, bootstrapCmd, listReceiptsCmd, getTaskCmd)
}
