/*
Copyright (c) 2026 asyncgate
SPDX-License-Identifier: MIT
*/

package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/asyncgate/asyncgate/internal/domain"
	"github.com/asyncgate/asyncgate/internal/engineerr"
	"github.com/asyncgate/asyncgate/internal/ledger"
	"github.com/asyncgate/asyncgate/internal/principal"
)

// FailInput is the fail operation's parameter set.
type FailInput struct {
	TenantID       string
	LeaseID        string
	WorkerID       string
	Retryable      bool
	Error          map[string]any
	RetryAfterSecs *int
}

// FailResult is the {ok, requeued, next_eligible_at} triple fail returns.
type FailResult struct {
	OK             bool
	Requeued       bool
	NextEligibleAt *time.Time
}

// Fail reports failure for a leased or running task, either
// requeueing with backoff or terminating. The retry-vs-terminal
// decision is made
// outside the savepoint (it only reads task.attempt/max_attempts); the
// state change and its receipt(s) are bracketed by one savepoint.
func (e *Engine) Fail(ctx context.Context, in FailInput) (*FailResult, error) {
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
		return nil, &engineerr.InvalidStateTransition{Current: task.Status, Requested: domain.TaskFailed}
	}

	assigned, err := tx.GetReceiptByTaskAndType(ctx, in.TenantID, task.ID, domain.ReceiptTaskAssigned)
	if err != nil {
		return nil, fmt.Errorf("fetch task.assigned receipt: %w", err)
	}

	requeue := in.Retryable && (task.Attempt+1 < task.MaxAttempts)

	const sp = "fail_sp"
	if err := tx.Savepoint(ctx, sp); err != nil {
		return nil, fmt.Errorf("savepoint: %w", err)
	}

	worker := principal.Principal{Kind: principal.KindWorker, ID: in.WorkerID}
	e.observe(ctx, tx, in.TenantID, worker, e.Clock.Now())

	if err := tx.ReleaseLease(ctx, in.TenantID, lease.ID); err != nil {
		tx.RollbackToSavepoint(ctx, sp)
		return nil, fmt.Errorf("release lease: %w", err)
	}

	if requeue {
		newAttempt := task.Attempt + 1
		nextEligible := e.Clock.Now().Add(e.backoffDuration(newAttempt))
		updated, err := tx.RequeueWithBackoff(ctx, in.TenantID, task.ID, nextEligible)
		if err != nil {
			tx.RollbackToSavepoint(ctx, sp)
			return nil, fmt.Errorf("requeue with backoff: %w", err)
		}
		_, err = e.Ledger.Emit(ctx, tx, ledger.EmitInput{
			TenantID: in.TenantID,
			Type:     domain.ReceiptTaskRetryScheduled,
			From:     worker,
			To:       updated.Owner,
			TaskID:   updated.ID,
			LeaseID:  lease.ID,
			Parents:  []string{assigned.ID},
			Body: map[string]any{
				"error":            in.Error,
				"attempt":          updated.Attempt,
				"next_eligible_at": nextEligible.Format(time.RFC3339Nano),
			},
		})
		if err != nil {
			tx.RollbackToSavepoint(ctx, sp)
			return nil, fmt.Errorf("emit task.retry_scheduled: %w", err)
		}
		receiptsEmittedTotal.WithLabelValues(in.TenantID, string(domain.ReceiptTaskRetryScheduled)).Inc()

		if err := tx.ReleaseSavepoint(ctx, sp); err != nil {
			return nil, fmt.Errorf("release savepoint: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit: %w", err)
		}
		emitTaskEvent(ctx, "task.retry_scheduled", updated)
		return &FailResult{OK: true, Requeued: true, NextEligibleAt: &nextEligible}, nil
	}

	// A retryable failure consumes its attempt even when that attempt
	// was the last one; only a non-retryable failure leaves the
	// counter untouched.
	if in.Retryable {
		if _, err := tx.ConsumeAttempt(ctx, in.TenantID, task.ID); err != nil {
			tx.RollbackToSavepoint(ctx, sp)
			return nil, fmt.Errorf("consume attempt: %w", err)
		}
	}

	result := &domain.TaskResult{
		Outcome:     "failed",
		Error:       in.Error,
		CompletedAt: e.Clock.Now(),
	}
	updated, err := tx.UpdateTaskStatus(ctx, in.TenantID, task.ID, domain.TaskFailed, result, nil)
	if err != nil {
		tx.RollbackToSavepoint(ctx, sp)
		return nil, fmt.Errorf("update task status: %w", err)
	}
	_, err = e.Ledger.Emit(ctx, tx, ledger.EmitInput{
		TenantID: in.TenantID,
		Type:     domain.ReceiptTaskFailed,
		From:     worker,
		To:       updated.Owner,
		TaskID:   updated.ID,
		LeaseID:  lease.ID,
		Parents:  []string{assigned.ID},
		Body: map[string]any{
			"error":            in.Error,
			"retry_recommended": false,
		},
	})
	if err != nil {
		tx.RollbackToSavepoint(ctx, sp)
		return nil, fmt.Errorf("emit task.failed: %w", err)
	}
	receiptsEmittedTotal.WithLabelValues(in.TenantID, string(domain.ReceiptTaskFailed)).Inc()

	_, err = e.Ledger.Emit(ctx, tx, ledger.EmitInput{
		TenantID: in.TenantID,
		Type:     domain.ReceiptTaskResultReady,
		From:     principal.Service,
		To:       updated.Owner,
		TaskID:   updated.ID,
		Parents:  []string{assigned.ID},
		Body: map[string]any{
			"status": "failed",
			"error":  in.Error,
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
	tasksTerminalTotal.WithLabelValues(in.TenantID, string(domain.TaskFailed)).Inc()
	emitTaskEvent(ctx, "task.failed", updated)
	return &FailResult{OK: true, Requeued: false}, nil
}
