/*
Copyright (c) 2026 asyncgate
SPDX-License-Identifier: MIT
*/

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/asyncgate/asyncgate/internal/domain"
	"github.com/asyncgate/asyncgate/internal/principal"
	"github.com/asyncgate/asyncgate/internal/storage"
)

// ClaimTasks selects and row-locks up to n eligible candidates with
// FOR UPDATE SKIP LOCKED, filters them in-transaction by capability
// subset, then flips each survivor to leased and inserts its lease
// row. The lock is held until the caller's transaction commits, so a
// concurrent claim skips these rows instead of contending.
func (q queries) ClaimTasks(ctx context.Context, tenantID, workerID string, capabilities, acceptTypes []string, n int, ttl time.Duration, now time.Time, newLeaseID func() string) ([]storage.ClaimedTask, error) {
	if n <= 0 {
		return nil, nil
	}

	var typeFilter any
	if len(acceptTypes) > 0 {
		typeFilter = acceptTypes
	}

	rows, err := q.c.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE tenant_id = $1
		  AND status = 'queued'
		  AND next_eligible_at <= $2
		  AND ($3::text[] IS NULL OR type = ANY($3))
		ORDER BY priority DESC, created_at ASC
		LIMIT $4
		FOR UPDATE SKIP LOCKED`,
		tenantID, now, typeFilter, n,
	)
	if err != nil {
		return nil, fmt.Errorf("claim tasks: %w", err)
	}
	defer rows.Close()

	var candidates []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claim candidate: %w", err)
		}
		candidates = append(candidates, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	out := make([]storage.ClaimedTask, 0, len(candidates))
	for _, t := range candidates {
		if !capabilitySubset(t.RequiredCapabilities(), capabilities) {
			continue
		}
		if _, err := q.c.Exec(ctx, `
			UPDATE tasks SET status = 'leased', updated_at = $3
			WHERE tenant_id = $1 AND task_id = $2`,
			tenantID, t.ID, now,
		); err != nil {
			return nil, fmt.Errorf("lease claimed task %s: %w", t.ID, err)
		}
		t.Status = domain.TaskLeased
		t.UpdatedAt = now
		leaseID := newLeaseID()
		lease := &domain.Lease{
			TenantID:     tenantID,
			ID:           leaseID,
			TaskID:       t.ID,
			WorkerID:     workerID,
			AcquiredAt:   now,
			ExpiresAt:    now.Add(ttl),
			RenewalCount: 0,
		}
		_, err := q.c.Exec(ctx, `
			INSERT INTO leases (`+leaseColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			lease.TenantID, lease.ID, lease.TaskID, lease.WorkerID,
			lease.AcquiredAt, lease.ExpiresAt, lease.RenewalCount,
		)
		if err != nil {
			return nil, fmt.Errorf("insert lease for claimed task %s: %w", t.ID, err)
		}
		out = append(out, storage.ClaimedTask{Task: t, Lease: lease})
	}
	return out, nil
}

// capabilitySubset reports whether every required capability appears
// in the worker's advertised set.
func capabilitySubset(required, offered []string) bool {
	for _, r := range required {
		found := false
		for _, o := range offered {
			if o == r {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// prefixColumns qualifies every column in a comma-separated list with
// a table alias, needed whenever a query joins two of this package's
// tables and must disambiguate their RETURNING/SELECT lists.
func prefixColumns(table, columns string) string {
	var result string
	start := 0
	depth := 0
	flush := func(col string) {
		col = trimSpace(col)
		if col == "" {
			return
		}
		if result != "" {
			result += ", "
		}
		result += table + "." + col
	}
	for i, r := range columns {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				flush(columns[start:i])
				start = i + 1
			}
		}
	}
	flush(columns[start:])
	return result
}

func trimSpace(s string) string {
	for len(s) > 0 && (s[0] == ' ' || s[0] == '\n' || s[0] == '\t') {
		s = s[1:]
	}
	for len(s) > 0 && (s[len(s)-1] == ' ' || s[len(s)-1] == '\n' || s[len(s)-1] == '\t') {
		s = s[:len(s)-1]
	}
	return s
}

func (q queries) GetLease(ctx context.Context, tenantID, leaseID string) (*domain.Lease, error) {
	row := q.c.QueryRow(ctx, `SELECT `+leaseColumns+` FROM leases WHERE tenant_id = $1 AND lease_id = $2`, tenantID, leaseID)
	l, err := scanLease(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("get lease: %w", err)
	}
	return l, nil
}

func (q queries) RenewLease(ctx context.Context, tenantID, leaseID string, newExpiresAt time.Time) (*domain.Lease, error) {
	row := q.c.QueryRow(ctx, `
		UPDATE leases SET expires_at = $3, renewal_count = renewal_count + 1
		WHERE tenant_id = $1 AND lease_id = $2
		RETURNING `+leaseColumns,
		tenantID, leaseID, newExpiresAt,
	)
	l, err := scanLease(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("renew lease: %w", err)
	}
	return l, nil
}

// ReleaseLease is idempotent: deleting an already-absent lease row is
// not an error, mirroring memstore's ReleaseLease.
func (q queries) ReleaseLease(ctx context.Context, tenantID, leaseID string) error {
	_, err := q.c.Exec(ctx, `DELETE FROM leases WHERE tenant_id = $1 AND lease_id = $2`, tenantID, leaseID)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

func (q queries) GetExpiredLeases(ctx context.Context, instanceID string, now time.Time, limit int) ([]storage.LeaseWithTask, error) {
	rows, err := q.c.Query(ctx, `
		SELECT `+prefixColumns("l", leaseColumns)+`, `+prefixColumns("t", taskColumns)+`
		FROM leases l
		JOIN tasks t ON t.tenant_id = l.tenant_id AND t.task_id = l.task_id
		WHERE l.expires_at <= $1 AND t.owning_instance = $2
		ORDER BY l.expires_at ASC
		LIMIT $3`,
		now, instanceID, nullIfZero(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("get expired leases: %w", err)
	}
	defer rows.Close()

	var out []storage.LeaseWithTask
	for rows.Next() {
		lt, err := scanLeaseWithTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired lease: %w", err)
		}
		out = append(out, lt)
	}
	return out, rows.Err()
}

func nullIfZero(n int) any {
	if n <= 0 {
		return nil
	}
	return n
}

func scanLeaseWithTask(row pgx.Rows) (storage.LeaseWithTask, error) {
	var l domain.Lease
	var t domain.Task
	var payloadRaw, requirementsRaw, resultRaw []byte
	var createdByKind, ownerKind string
	var startedAt *time.Time

	err := row.Scan(
		&l.TenantID, &l.ID, &l.TaskID, &l.WorkerID, &l.AcquiredAt, &l.ExpiresAt, &l.RenewalCount,
		&t.TenantID, &t.ID, &t.Type, &payloadRaw,
		&createdByKind, &t.CreatedBy.ID,
		&ownerKind, &t.Owner.ID,
		&t.PrincipalAI, &requirementsRaw, &t.IdempotencyKey,
		&t.MaxAttempts, &t.RetryBackoffSeconds,
		&t.ExpectedOutcomeKind, &t.ExpectedArtifactMIME,
		&t.OwningInstance, &t.Priority,
		&t.Status, &t.Attempt, &t.NextEligibleAt, &startedAt,
		&t.CreatedAt, &t.UpdatedAt, &resultRaw,
	)
	if err != nil {
		return storage.LeaseWithTask{}, err
	}
	t.CreatedBy.Kind = principal.Kind(createdByKind)
	t.Owner.Kind = principal.Kind(ownerKind)
	t.StartedAt = startedAt

	payload, err := unmarshalMap(payloadRaw)
	if err != nil {
		return storage.LeaseWithTask{}, err
	}
	t.Payload = payload

	requirements, err := unmarshalMap(requirementsRaw)
	if err != nil {
		return storage.LeaseWithTask{}, err
	}
	t.Requirements = requirements

	result, err := unmarshalResult(resultRaw)
	if err != nil {
		return storage.LeaseWithTask{}, err
	}
	t.Result = result

	return storage.LeaseWithTask{Lease: &l, Task: &t}, nil
}
