/*
Copyright (c) 2026 asyncgate
SPDX-License-Identifier: MIT
*/

package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/asyncgate/asyncgate/internal/engine"
	"github.com/asyncgate/asyncgate/internal/principal"
)

var (
	createType           string
	createPayload        string
	createCreatedBy      string
	createPrincipalAI    string
	createRequirements   string
	createPriority       int
	createIdempotencyKey string
	createMaxAttempts    int
	createBackoffSecs    int
)

var createTaskCmd = &cobra.Command{
	Use:   "create-task",
	Short: "Post a new task and mint its task.assigned obligation",
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := parseJSONFlag(createPayload, "payload")
		if err != nil {
			return err
		}
		requirements, err := parseJSONFlag(createRequirements, "requirements")
		if err != nil {
			return err
		}
		createdBy, err := parsePrincipal(createCreatedBy)
		if err != nil {
			return err
		}

		in := engine.CreateTaskInput{
			TenantID:         tenantID,
			Type:             createType,
			Payload:          payload,
			CreatedBy:        createdBy,
			PrincipalAI:      createPrincipalAI,
			Requirements:     requirements,
			CallerIsInternal: asInternal,
			IdempotencyKey:   createIdempotencyKey,
		}
		if cmd.Flags().Changed("priority") {
			in.Priority = &createPriority
		}
		if cmd.Flags().Changed("max-attempts") {
			in.MaxAttempts = &createMaxAttempts
		}
		if cmd.Flags().Changed("retry-backoff-seconds") {
			in.RetryBackoffSeconds = &createBackoffSecs
		}

		res, err := eng.CreateTask(cmd.Context(), in)
		if err != nil {
			return err
		}
		return printResult(res, func() {
			fmt.Printf("TASK\t%s\nSTATUS\t%s\n", res.TaskID, res.Status)
		})
	},
}

func init() {
	createTaskCmd.Flags().StringVar(&createType, "type", "", "Task type (required)")
	createTaskCmd.Flags().StringVar(&createPayload, "payload", "", "Task payload as JSON")
	createTaskCmd.Flags().StringVar(&createCreatedBy, "created-by", "", "Creating principal as kind:id (required)")
	createTaskCmd.Flags().StringVar(&createPrincipalAI, "principal-ai", "", "AI principal attribution (required)")
	createTaskCmd.Flags().StringVar(&createRequirements, "requirements", "", `Requirements as JSON, e.g. '{"capabilities":["demo"]}'`)
	createTaskCmd.Flags().IntVar(&createPriority, "priority", 0, "Claim priority (higher first)")
	createTaskCmd.Flags().StringVar(&createIdempotencyKey, "idempotency-key", "", "Deduplication key")
	createTaskCmd.Flags().IntVar(&createMaxAttempts, "max-attempts", 0, "Maximum attempts before terminal failure")
	createTaskCmd.Flags().IntVar(&createBackoffSecs, "retry-backoff-seconds", 0, "Base retry backoff in seconds")
	_ = createTaskCmd.MarkFlagRequired("type")
	_ = createTaskCmd.MarkFlagRequired("created-by")
	_ = createTaskCmd.MarkFlagRequired("principal-ai")
	rootCmd.AddCommand(createTaskCmd)
}

// parsePrincipal parses "kind:id" into a Principal. The id portion may
// itself contain colons (internal ids like svc:asyncgate do).
func parsePrincipal(s string) (principal.Principal, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return principal.Principal{}, fmt.Errorf("principal %q must be kind:id", s)
	}
	return principal.Principal{Kind: principal.Kind(parts[0]), ID: parts[1]}, nil
}
