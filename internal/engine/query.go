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
	"github.com/asyncgate/asyncgate/internal/storage"
)

// GetTask fetches one task under a tenant.
func (e *Engine) GetTask(ctx context.Context, tenantID, taskID string) (*domain.Task, error) {
	t, err := e.Store.GetTask(ctx, tenantID, taskID)
	if err != nil {
		if errors.Is(err, storage.ErrNoRows) {
			return nil, &engineerr.TaskNotFound{TenantID: tenantID, TaskID: taskID}
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasksInput is the list_tasks(filters, cursor) parameter set.
type ListTasksInput struct {
	TenantID string
	Status   []domain.TaskStatus
	Type     string
	Cursor   string
	Limit    int
}

// ListTasks applies the default/max list-limit clamp from the
// configuration knobs table before delegating to storage.
func (e *Engine) ListTasks(ctx context.Context, in ListTasksInput) (tasks []*domain.Task, nextCursor string, err error) {
	limit := e.clampListLimit(in.Limit)
	return e.Store.ListTasks(ctx, storage.TaskFilter{
		TenantID: in.TenantID,
		Status:   in.Status,
		Type:     in.Type,
	}, storage.Page{Limit: limit, Cursor: in.Cursor})
}

// ListReceiptsInput is the cursor-paginated receipt list request,
// addressed to a (to_kind, to_id) principal.
type ListReceiptsInput struct {
	TenantID string
	ToKind   string
	ToID     string
	Cursor   string
	Limit    int
}

// ListReceipts is the TASKER-facing receipt history read, distinct
// from ListOpenObligations: this returns every receipt addressed to
// the principal, open or discharged. Listing is the delivery action:
// delivered_at is stamped on first read. Telemetry only; it never
// touches hashes or obligation state, and a failed stamp never fails
// the read.
func (e *Engine) ListReceipts(ctx context.Context, in ListReceiptsInput) (receipts []*domain.Receipt, nextCursor string, err error) {
	limit := e.clampListLimit(in.Limit)
	receipts, nextCursor, err = e.Store.ListReceipts(ctx, in.TenantID, in.ToKind, in.ToID, storage.Page{Limit: limit, Cursor: in.Cursor})
	if err != nil {
		return nil, "", err
	}
	now := e.Clock.Now()
	for _, r := range receipts {
		if r.DeliveredAt != nil {
			continue
		}
		if markErr := e.Store.MarkDelivered(ctx, in.TenantID, r.ID, now); markErr != nil {
			e.Log.Sugar().Warnw("marking receipt delivered failed", "tenant_id", in.TenantID, "receipt_id", r.ID, "error", markErr)
			continue
		}
		r.DeliveredAt = &now
	}
	return receipts, nextCursor, nil
}

// ListReceiptsByTask returns every receipt mentioning a task id,
// ignoring pagination since a single task's receipt history is
// bounded by its lifecycle, not by a principal's full inbox.
func (e *Engine) ListReceiptsByTask(ctx context.Context, tenantID, taskID string) ([]*domain.Receipt, error) {
	return e.Store.ListReceiptsByTask(ctx, tenantID, taskID)
}

func (e *Engine) clampListLimit(requested int) int {
	if requested <= 0 {
		return e.Config.DefaultListLimit
	}
	if requested > e.Config.MaxListLimit {
		return e.Config.MaxListLimit
	}
	return requested
}
