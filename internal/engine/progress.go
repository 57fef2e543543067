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

// ReportProgressInput is the report_progress parameter set.
type ReportProgressInput struct {
	TenantID string
	LeaseID  string
	WorkerID string
	Message  string
	Percent  *float64
	Detail   map[string]any
}

// ReportProgress records worker progress (report_progress / start_task
// share one code path): validate the lease, transition leased->running
// on first call (emitting task.started, idempotently keeping the
// first started_at), upsert progress, and emit task.progress.
func (e *Engine) ReportProgress(ctx context.Context, in ReportProgressInput) (*domain.Task, error) {
	tx, err := e.Store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	lease, task, err := e.validateLease(ctx, tx, in.TenantID, in.LeaseID, in.WorkerID)
	if err != nil {
		return nil, err
	}

	worker := principal.Principal{Kind: principal.KindWorker, ID: in.WorkerID}
	now := e.Clock.Now()
	e.observe(ctx, tx, in.TenantID, worker, now)

	if task.Status == domain.TaskLeased {
		assigned, err := tx.GetReceiptByTaskAndType(ctx, in.TenantID, task.ID, domain.ReceiptTaskAssigned)
		if err != nil {
			return nil, fmt.Errorf("fetch task.assigned receipt: %w", err)
		}
		task, err = tx.UpdateTaskStatus(ctx, in.TenantID, task.ID, domain.TaskRunning, nil, &now)
		if err != nil {
			return nil, fmt.Errorf("update task status to running: %w", err)
		}
		_, err = e.Ledger.Emit(ctx, tx, ledger.EmitInput{
			TenantID: in.TenantID,
			Type:     domain.ReceiptTaskStarted,
			From:     worker,
			To:       task.Owner,
			TaskID:   task.ID,
			LeaseID:  lease.ID,
			Parents:  []string{assigned.ID},
		})
		if err != nil {
			return nil, fmt.Errorf("emit task.started: %w", err)
		}
		receiptsEmittedTotal.WithLabelValues(in.TenantID, string(domain.ReceiptTaskStarted)).Inc()
		emitTaskEvent(ctx, "task.started", task)
	}

	if err := tx.UpsertProgress(ctx, &domain.Progress{
		TenantID:  in.TenantID,
		TaskID:    task.ID,
		Message:   in.Message,
		Percent:   in.Percent,
		Detail:    in.Detail,
		UpdatedAt: now,
	}); err != nil {
		return nil, fmt.Errorf("upsert progress: %w", err)
	}

	_, err = e.Ledger.Emit(ctx, tx, ledger.EmitInput{
		TenantID: in.TenantID,
		Type:     domain.ReceiptTaskProgress,
		From:     worker,
		To:       task.Owner,
		TaskID:   task.ID,
		LeaseID:  lease.ID,
		Body: map[string]any{
			"message": in.Message,
			"percent": in.Percent,
			"detail":  in.Detail,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("emit task.progress: %w", err)
	}
	receiptsEmittedTotal.WithLabelValues(in.TenantID, string(domain.ReceiptTaskProgress)).Inc()

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return task, nil
}

// validateLease is the lease check shared by progress/complete/fail,
// per the transition table's validation preconditions.
func (e *Engine) validateLease(ctx context.Context, q storage.Queries, tenantID, leaseID, workerID string) (*domain.Lease, *domain.Task, error) {
	lease, err := q.GetLease(ctx, tenantID, leaseID)
	if err != nil {
		if errors.Is(err, storage.ErrNoRows) {
			return nil, nil, &engineerr.LeaseInvalidOrExpired{LeaseID: leaseID, Reason: "not found"}
		}
		return nil, nil, fmt.Errorf("get lease: %w", err)
	}
	if lease.WorkerID != workerID {
		return nil, nil, &engineerr.LeaseInvalidOrExpired{LeaseID: leaseID, Reason: "worker mismatch"}
	}
	if lease.ExpiredAt(e.Clock.Now()) {
		return nil, nil, &engineerr.LeaseInvalidOrExpired{LeaseID: leaseID, Reason: "expired"}
	}
	task, err := q.GetTask(ctx, tenantID, lease.TaskID)
	if err != nil {
		return nil, nil, fmt.Errorf("get task: %w", err)
	}
	if task.Status != domain.TaskLeased && task.Status != domain.TaskRunning {
		return nil, nil, &engineerr.LeaseInvalidOrExpired{LeaseID: leaseID, Reason: fmt.Sprintf("task status %s not leased/running", task.Status)}
	}
	return lease, task, nil
}
