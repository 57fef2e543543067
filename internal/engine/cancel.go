/*
Copyright (c) 2026 asyncgate
SPDX-License-Identifier: MIT
*/

package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/asyncgate/asyncgate/internal/domain"
	"github.com/asyncgate/asyncgate/internal/engineerr"
	"github.com/asyncgate/asyncgate/internal/ledger"
	"github.com/asyncgate/asyncgate/internal/principal"
	"github.com/asyncgate/asyncgate/internal/storage"
)

// CancelTaskInput is the cancel_task parameter set.
type CancelTaskInput struct {
	TenantID         string
	TaskID           string
	Caller           principal.Principal
	CallerIsInternal bool
	Reason           string
}

// CancelTask cancels a non-terminal task: authorization (obligation
// owner, or
// internal caller; a system-owned task requires internal auth either
// way), reject-if-terminal, then a savepoint releasing the lease (if
// any), setting status canceled, and emitting task.canceled +
// task.result_ready.
func (e *Engine) CancelTask(ctx context.Context, in CancelTaskInput) (*domain.Task, error) {
	tx, err := e.Store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	task, err := tx.GetTask(ctx, in.TenantID, in.TaskID)
	if err != nil {
		if errors.Is(err, storage.ErrNoRows) {
			return nil, &engineerr.TaskNotFound{TenantID: in.TenantID, TaskID: in.TaskID}
		}
		return nil, fmt.Errorf("get task: %w", err)
	}

	isOwner := in.Caller.Kind == task.Owner.Kind && in.Caller.ID == task.Owner.ID
	ownerIsSystem := principal.IsSystem(task.Owner.ID)
	switch {
	case ownerIsSystem && !in.CallerIsInternal:
		return nil, &engineerr.Unauthorized{Reason: "system-owned task requires internal auth"}
	case !isOwner && !in.CallerIsInternal:
		return nil, &engineerr.Unauthorized{Reason: "caller is not the obligation owner"}
	}

	if task.Status.IsTerminal() {
		return task, nil
	}

	e.observe(ctx, tx, in.TenantID, in.Caller, e.Clock.Now())

	assigned, err := tx.GetReceiptByTaskAndType(ctx, in.TenantID, task.ID, domain.ReceiptTaskAssigned)
	if err != nil {
		return nil, fmt.Errorf("fetch task.assigned receipt: %w", err)
	}

	const sp = "cancel_sp"
	if err := tx.Savepoint(ctx, sp); err != nil {
		return nil, fmt.Errorf("savepoint: %w", err)
	}

	// Every task.accepted receipt names a lease the task has held; at
	// most one is still live, and releasing an absent lease is a no-op.
	receipts, err := tx.ListReceiptsByTask(ctx, in.TenantID, task.ID)
	if err != nil {
		tx.RollbackToSavepoint(ctx, sp)
		return nil, fmt.Errorf("list task receipts: %w", err)
	}
	for _, r := range receipts {
		if r.Type != domain.ReceiptTaskAccepted || r.LeaseID == "" {
			continue
		}
		if err := tx.ReleaseLease(ctx, in.TenantID, r.LeaseID); err != nil && !errors.Is(err, storage.ErrNoRows) {
			tx.RollbackToSavepoint(ctx, sp)
			return nil, fmt.Errorf("release lease: %w", err)
		}
	}

	result := &domain.TaskResult{
		Outcome:     "canceled",
		Error:       map[string]any{"reason": in.Reason},
		CompletedAt: e.Clock.Now(),
	}
	updated, err := tx.UpdateTaskStatus(ctx, in.TenantID, task.ID, domain.TaskCanceled, result, nil)
	if err != nil {
		tx.RollbackToSavepoint(ctx, sp)
		return nil, fmt.Errorf("update task status: %w", err)
	}

	_, err = e.Ledger.Emit(ctx, tx, ledger.EmitInput{
		TenantID: in.TenantID,
		Type:     domain.ReceiptTaskCanceled,
		From:     in.Caller,
		To:       updated.Owner,
		TaskID:   updated.ID,
		Parents:  []string{assigned.ID},
		Body:     map[string]any{"reason": in.Reason},
	})
	if err != nil {
		tx.RollbackToSavepoint(ctx, sp)
		return nil, fmt.Errorf("emit task.canceled: %w", err)
	}
	receiptsEmittedTotal.WithLabelValues(in.TenantID, string(domain.ReceiptTaskCanceled)).Inc()

	_, err = e.Ledger.Emit(ctx, tx, ledger.EmitInput{
		TenantID: in.TenantID,
		Type:     domain.ReceiptTaskResultReady,
		From:     principal.Service,
		To:       updated.Owner,
		TaskID:   updated.ID,
		Parents:  []string{assigned.ID},
		Body:     map[string]any{"status": "canceled", "reason": in.Reason},
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
	tasksTerminalTotal.WithLabelValues(in.TenantID, string(domain.TaskCanceled)).Inc()
	emitTaskEvent(ctx, "task.canceled", updated)
	return updated, nil
}
