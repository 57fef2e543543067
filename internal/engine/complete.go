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

// CompleteInput is the complete operation's parameter set.
type CompleteInput struct {
	TenantID      string
	LeaseID       string
	WorkerID      string
	ResultSummary string
	ResultPayload map[string]any
	Artifacts     []domain.Artifact
	DeliveryProof map[string]any
	Metadata      map[string]any
}

// CompleteResult reports the outcome, including the non-error
// locatability-anomaly path.
type CompleteResult struct {
	Task    *domain.Task
	Anomaly bool
}

// Complete reports success for a leased or running task. The task
// update, lease release, and
// both receipt emissions happen inside one savepoint: if any step
// fails, the whole savepoint rolls back so a task is never left
// succeeded without its terminator.
func (e *Engine) Complete(ctx context.Context, in CompleteInput) (*CompleteResult, error) {
	tx, err := e.Store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	lease, task, err := e.validateLease(ctx, tx, in.TenantID, in.LeaseID, in.WorkerID)
	if err != nil {
		return nil, err
	}
	if task.Status != domain.TaskLeased && task.Status != domain.TaskRunning {
		return nil, &engineerr.InvalidStateTransition{Current: task.Status, Requested: domain.TaskSucceeded}
	}

	assigned, err := tx.GetReceiptByTaskAndType(ctx, in.TenantID, task.ID, domain.ReceiptTaskAssigned)
	if err != nil {
		return nil, fmt.Errorf("fetch task.assigned receipt: %w", err)
	}

	const sp = "complete_sp"
	if err := tx.Savepoint(ctx, sp); err != nil {
		return nil, fmt.Errorf("savepoint: %w", err)
	}

	now := e.Clock.Now()
	worker := principal.Principal{Kind: principal.KindWorker, ID: in.WorkerID}
	e.observe(ctx, tx, in.TenantID, worker, now)

	body := map[string]any{
		"result_summary": in.ResultSummary,
		"metadata":       in.Metadata,
	}
	if in.ResultPayload != nil {
		body["result_payload"] = in.ResultPayload
	}
	if len(in.Artifacts) > 0 {
		body["artifacts"] = artifactsToAny(in.Artifacts)
	}
	if in.DeliveryProof != nil {
		body["delivery_proof"] = in.DeliveryProof
	}

	result := &domain.TaskResult{
		Outcome:     "succeeded",
		Result:      in.ResultPayload,
		Artifacts:   in.Artifacts,
		CompletedAt: now,
	}
	updated, err := tx.UpdateTaskStatus(ctx, in.TenantID, task.ID, domain.TaskSucceeded, result, nil)
	if err != nil {
		tx.RollbackToSavepoint(ctx, sp)
		return nil, fmt.Errorf("update task status: %w", err)
	}
	if err := tx.ReleaseLease(ctx, in.TenantID, lease.ID); err != nil {
		tx.RollbackToSavepoint(ctx, sp)
		return nil, fmt.Errorf("release lease: %w", err)
	}

	completeRes, err := e.Ledger.Emit(ctx, tx, ledger.EmitInput{
		TenantID: in.TenantID,
		Type:     domain.ReceiptTaskCompleted,
		From:     worker,
		To:       updated.Owner,
		TaskID:   updated.ID,
		LeaseID:  lease.ID,
		Parents:  []string{assigned.ID},
		Body:     body,
	})
	if err != nil {
		tx.RollbackToSavepoint(ctx, sp)
		return nil, fmt.Errorf("emit task.completed: %w", err)
	}
	receiptsEmittedTotal.WithLabelValues(in.TenantID, string(domain.ReceiptTaskCompleted)).Inc()
	if completeRes.Anomaly {
		anomaliesTotal.WithLabelValues(in.TenantID).Inc()
	}

	_, err = e.Ledger.Emit(ctx, tx, ledger.EmitInput{
		TenantID: in.TenantID,
		Type:     domain.ReceiptTaskResultReady,
		From:     principal.Service,
		To:       updated.Owner,
		TaskID:   updated.ID,
		Parents:  []string{assigned.ID},
		Body: map[string]any{
			"status":         "succeeded",
			"result_payload": in.ResultPayload,
		},
	})
	if err != nil {
		tx.RollbackToSavepoint(ctx, sp)
		return nil, fmt.Errorf("emit task.result_ready: %w", err)
	}
	receiptsEmittedTotal.WithLabelValues(in.TenantID, string(domain.ReceiptTaskResultReady)).Inc()

	if err := tx.ReleaseSavepoint(ctx, sp); err != nil {
		return nil, fmt.Errorf("release savepoint: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	tasksTerminalTotal.WithLabelValues(in.TenantID, string(domain.TaskSucceeded)).Inc()
	emitTaskEvent(ctx, "task.completed", updated)
	return &CompleteResult{Task: updated, Anomaly: completeRes.Anomaly}, nil
}

func artifactsToAny(as []domain.Artifact) []any {
	out := make([]any, len(as))
	for i, a := range as {
		out[i] = map[string]any{"type": a.Type, "uri": a.URI}
	}
	return out
}
