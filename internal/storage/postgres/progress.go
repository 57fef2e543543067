/*
Copyright (c) 2026 asyncgate
SPDX-License-Identifier: MIT
*/

package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/asyncgate/asyncgate/internal/domain"
	"github.com/asyncgate/asyncgate/internal/storage"
)

// UpsertProgress is last-writer-wins per task: a single
// row keyed on (tenant_id, task_id), replaced wholesale on every call.
func (q queries) UpsertProgress(ctx context.Context, p *domain.Progress) error {
	detail, err := marshalJSON(p.Detail)
	if err != nil {
		return fmt.Errorf("marshal detail: %w", err)
	}
	_, err = q.c.Exec(ctx, `
		INSERT INTO progress (tenant_id, task_id, message, percent, detail, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (tenant_id, task_id) DO UPDATE SET
			message = EXCLUDED.message,
			percent = EXCLUDED.percent,
			detail = EXCLUDED.detail,
			updated_at = EXCLUDED.updated_at`,
		p.TenantID, p.TaskID, p.Message, p.Percent, detail, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert progress: %w", err)
	}
	return nil
}

func (q queries) GetProgress(ctx context.Context, tenantID, taskID string) (*domain.Progress, error) {
	row := q.c.QueryRow(ctx, `
		SELECT tenant_id, task_id, message, percent, detail, updated_at
		FROM progress WHERE tenant_id = $1 AND task_id = $2`,
		tenantID, taskID,
	)
	p, err := scanProgress(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("get progress: %w", err)
	}
	return p, nil
}

func (q queries) UpsertRelationship(ctx context.Context, rel *domain.Relationship) error {
	_, err := q.c.Exec(ctx, `
		INSERT INTO relationships (tenant_id, principal_kind, principal_id, first_seen_at, last_seen_at, sessions_count, principal_instance_id)
		VALUES ($1,$2,$3,$4,$4,1,$5)
		ON CONFLICT (tenant_id, principal_kind, principal_id) DO UPDATE SET
			last_seen_at = EXCLUDED.last_seen_at,
			sessions_count = relationships.sessions_count + 1,
			principal_instance_id = COALESCE(NULLIF(EXCLUDED.principal_instance_id, ''), relationships.principal_instance_id)`,
		rel.TenantID, rel.PrincipalKind, rel.PrincipalID, rel.LastSeenAt, rel.PrincipalInstanceID)
	if err != nil {
		return fmt.Errorf("upsert relationship: %w", err)
	}
	return nil
}
