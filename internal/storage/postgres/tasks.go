/*
Copyright (c) 2026 asyncgate
SPDX-License-Identifier: MIT
*/

package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/asyncgate/asyncgate/internal/domain"
	"github.com/asyncgate/asyncgate/internal/storage"
)

// CreateTask inserts a new task row, or - when the idempotency key
// already names one for this tenant - returns the existing row with
// existed=true.
func (q queries) CreateTask(ctx context.Context, t *domain.Task) (*domain.Task, bool, error) {
	payload, err := marshalJSON(t.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("marshal payload: %w", err)
	}
	requirements, err := marshalJSON(t.Requirements)
	if err != nil {
		return nil, false, fmt.Errorf("marshal requirements: %w", err)
	}
	result, err := marshalResult(t.Result)
	if err != nil {
		return nil, false, fmt.Errorf("marshal result: %w", err)
	}

	row := q.c.QueryRow(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)
		ON CONFLICT (tenant_id, idempotency_key) WHERE idempotency_key <> ''
		DO NOTHING
		RETURNING `+taskColumns,
		t.TenantID, t.ID, t.Type, payload,
		string(t.CreatedBy.Kind), t.CreatedBy.ID,
		string(t.Owner.Kind), t.Owner.ID,
		t.PrincipalAI, requirements, t.IdempotencyKey,
		t.MaxAttempts, t.RetryBackoffSeconds,
		t.ExpectedOutcomeKind, t.ExpectedArtifactMIME,
		t.OwningInstance, t.Priority,
		t.Status, t.Attempt, t.NextEligibleAt, t.StartedAt,
		t.CreatedAt, t.UpdatedAt, result,
	)
	created, err := scanTask(row)
	if err == nil {
		return created, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("insert task: %w", err)
	}

	// Conflict fired: idempotency key already claimed by another task.
	existing, err := q.getTaskByIdempotencyKey(ctx, t.TenantID, t.IdempotencyKey)
	if err != nil {
		return nil, false, fmt.Errorf("fetch existing task by idempotency key: %w", err)
	}
	return existing, true, nil
}

func (q queries) getTaskByIdempotencyKey(ctx context.Context, tenantID, key string) (*domain.Task, error) {
	row := q.c.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE tenant_id = $1 AND idempotency_key = $2`, tenantID, key)
	return scanTask(row)
}

func (q queries) GetTask(ctx context.Context, tenantID, taskID string) (*domain.Task, error) {
	row := q.c.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE tenant_id = $1 AND task_id = $2`, tenantID, taskID)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (q queries) ListTasks(ctx context.Context, f storage.TaskFilter, p storage.Page) ([]*domain.Task, string, error) {
	sb := strings.Builder{}
	sb.WriteString(`SELECT ` + taskColumns + ` FROM tasks WHERE tenant_id = $1`)
	args := []any{f.TenantID}

	if f.Type != "" {
		args = append(args, f.Type)
		fmt.Fprintf(&sb, " AND type = $%d", len(args))
	}
	if len(f.Status) > 0 {
		args = append(args, statusStrings(f.Status))
		fmt.Fprintf(&sb, " AND status = ANY($%d)", len(args))
	}
	if p.Cursor != "" {
		cursor, err := time.Parse(time.RFC3339Nano, p.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("parse cursor: %w", err)
		}
		args = append(args, cursor)
		fmt.Fprintf(&sb, " AND created_at > $%d", len(args))
	}
	sb.WriteString(" ORDER BY created_at ASC")
	limit := p.Limit
	if limit > 0 {
		args = append(args, limit+1)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}

	rows, err := q.c.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, "", fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, "", fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if limit > 0 && len(out) > limit {
		out = out[:limit]
		next = out[len(out)-1].CreatedAt.Format(time.RFC3339Nano)
	}
	return out, next, nil
}

func statusStrings(statuses []domain.TaskStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func (q queries) UpdateTaskStatus(ctx context.Context, tenantID, taskID string, newStatus domain.TaskStatus, result *domain.TaskResult, startedAt *time.Time) (*domain.Task, error) {
	resultJSON, err := marshalResult(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	row := q.c.QueryRow(ctx, `
		UPDATE tasks SET
			status = $3,
			result = COALESCE($4, result),
			started_at = COALESCE(started_at, $5),
			updated_at = now()
		WHERE tenant_id = $1 AND task_id = $2
		RETURNING `+taskColumns,
		tenantID, taskID, newStatus, resultJSON, startedAt,
	)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("update task status: %w", err)
	}
	return t, nil
}

func (q queries) RequeueWithBackoff(ctx context.Context, tenantID, taskID string, nextEligibleAt time.Time) (*domain.Task, error) {
	row := q.c.QueryRow(ctx, `
		UPDATE tasks SET
			status = 'queued',
			attempt = attempt + 1,
			next_eligible_at = $3,
			started_at = NULL,
			updated_at = now()
		WHERE tenant_id = $1 AND task_id = $2
		RETURNING `+taskColumns,
		tenantID, taskID, nextEligibleAt,
	)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("requeue with backoff: %w", err)
	}
	return t, nil
}

// ConsumeAttempt burns one attempt without touching status, for
// failures that are retryable in kind but have no attempts left.
func (q queries) ConsumeAttempt(ctx context.Context, tenantID, taskID string) (*domain.Task, error) {
	row := q.c.QueryRow(ctx, `
		UPDATE tasks SET
			attempt = attempt + 1,
			updated_at = now()
		WHERE tenant_id = $1 AND task_id = $2
		RETURNING `+taskColumns,
		tenantID, taskID,
	)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("consume attempt: %w", err)
	}
	return t, nil
}

// RequeueOnExpiry is RequeueWithBackoff's sibling that leaves attempt
// untouched, since lease expiry is not a retry.
func (q queries) RequeueOnExpiry(ctx context.Context, tenantID, taskID string, nextEligibleAt time.Time) (*domain.Task, error) {
	row := q.c.QueryRow(ctx, `
		UPDATE tasks SET
			status = 'queued',
			next_eligible_at = $3,
			started_at = NULL,
			updated_at = now()
		WHERE tenant_id = $1 AND task_id = $2
		RETURNING `+taskColumns,
		tenantID, taskID, nextEligibleAt,
	)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("requeue on expiry: %w", err)
	}
	return t, nil
}
