/*
Copyright (c) 2026 asyncgate
SPDX-License-Identifier: MIT
*/

package engine

import (
	"context"
	"fmt"

	"github.com/asyncgate/asyncgate/internal/domain"
	"github.com/asyncgate/asyncgate/internal/engineerr"
	"github.com/asyncgate/asyncgate/internal/ledger"
	"github.com/asyncgate/asyncgate/internal/principal"
)

// CreateTaskInput is the create_task parameter set.
type CreateTaskInput struct {
	TenantID            string
	Type                string
	Payload             map[string]any
	CreatedBy           principal.Principal
	PrincipalAI         string
	Requirements        map[string]any
	CallerIsInternal    bool
	Priority            *int
	IdempotencyKey      string
	MaxAttempts         *int
	RetryBackoffSeconds *int
	ExpectedOutcomeKind string
	ExpectedArtifactMIME string
}

// CreateTaskResult is the (task_id, status) pair create_task returns.
type CreateTaskResult struct {
	TaskID string
	Status domain.TaskStatus
}

// CreateTask inserts a queued task and emits its task.assigned
// obligation to the resolved owner, in one transaction.
func (e *Engine) CreateTask(ctx context.Context, in CreateTaskInput) (*CreateTaskResult, error) {
	if principal.IsInternalID(in.CreatedBy.ID) && !in.CallerIsInternal {
		return nil, &engineerr.Unauthorized{Reason: "created_by carries an internal prefix but caller is not authenticated as internal"}
	}

	tx, err := e.Store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := e.Clock.Now()
	priority := e.Config.DefaultPriority
	if in.Priority != nil {
		priority = *in.Priority
	}
	maxAttempts := e.Config.DefaultMaxAttempts
	if in.MaxAttempts != nil {
		maxAttempts = *in.MaxAttempts
	}
	retryBackoff := int(e.Config.DefaultRetryBackoff.Seconds())
	if in.RetryBackoffSeconds != nil {
		retryBackoff = *in.RetryBackoffSeconds
	}

	owner := principal.ResolveObligationOwner(in.CreatedBy)

	task := &domain.Task{
		TenantID:             in.TenantID,
		ID:                   e.IDGen.NewID(),
		Type:                 in.Type,
		Payload:              in.Payload,
		CreatedBy:            in.CreatedBy,
		Owner:                owner,
		PrincipalAI:          in.PrincipalAI,
		Requirements:         in.Requirements,
		IdempotencyKey:       in.IdempotencyKey,
		MaxAttempts:          maxAttempts,
		RetryBackoffSeconds:  retryBackoff,
		ExpectedOutcomeKind:  in.ExpectedOutcomeKind,
		ExpectedArtifactMIME: in.ExpectedArtifactMIME,
		OwningInstance:       e.InstanceID,
		Priority:             priority,
		Status:               domain.TaskQueued,
		Attempt:              0,
		NextEligibleAt:       now,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	stored, existed, err := tx.CreateTask(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	e.observe(ctx, tx, in.TenantID, in.CreatedBy, now)

	if !existed {
		_, err = e.Ledger.Emit(ctx, tx, ledger.EmitInput{
			TenantID: in.TenantID,
			Type:     domain.ReceiptTaskAssigned,
			From:     principal.Service,
			To:       owner,
			TaskID:   stored.ID,
			Body: map[string]any{
				"instructions":     in.Payload,
				"requirements":     in.Requirements,
				"success_criteria": map[string]any{},
				"result_delivery":  map[string]any{},
				"timeouts": map[string]any{
					"max_attempts":          maxAttempts,
					"retry_backoff_seconds": retryBackoff,
				},
			},
		})
		if err != nil {
			return nil, fmt.Errorf("emit task.assigned: %w", err)
		}
		tasksCreatedTotal.WithLabelValues(in.TenantID, in.Type).Inc()
		receiptsEmittedTotal.WithLabelValues(in.TenantID, string(domain.ReceiptTaskAssigned)).Inc()
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	emitTaskEvent(ctx, "task.created", stored)
	return &CreateTaskResult{TaskID: stored.ID, Status: stored.Status}, nil
}
