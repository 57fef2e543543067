/*
Copyright (c) 2026 asyncgate
SPDX-License-Identifier: MIT
*/

// Package postgres is the production storage.Store implementation,
// built on pgxpool.Pool.
package postgres

import (
	"context"
	"fmt"
)

// EnsureSchema issues the DDL for tasks, leases, receipts, progress,
// and relationships, with the unique constraints and composite
// indexes the engine's queries assume. Idempotent: safe to call on
// every startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			tenant_id              TEXT NOT NULL,
			task_id                TEXT NOT NULL,
			type                   TEXT NOT NULL,
			payload                JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_by_kind        TEXT NOT NULL,
			created_by_id          TEXT NOT NULL,
			owner_kind             TEXT NOT NULL,
			owner_id               TEXT NOT NULL,
			principal_ai           TEXT NOT NULL DEFAULT '',
			requirements           JSONB NOT NULL DEFAULT '{}'::jsonb,
			idempotency_key        TEXT NOT NULL DEFAULT '',
			max_attempts           INT NOT NULL,
			retry_backoff_seconds  INT NOT NULL,
			expected_outcome_kind  TEXT NOT NULL DEFAULT '',
			expected_artifact_mime TEXT NOT NULL DEFAULT '',
			owning_instance        TEXT NOT NULL,
			priority               INT NOT NULL DEFAULT 0,
			status                 TEXT NOT NULL,
			attempt                INT NOT NULL DEFAULT 0,
			next_eligible_at       TIMESTAMPTZ NOT NULL,
			started_at             TIMESTAMPTZ,
			created_at             TIMESTAMPTZ NOT NULL,
			updated_at             TIMESTAMPTZ NOT NULL,
			result                 JSONB,
			PRIMARY KEY (tenant_id, task_id)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_idempotency
			ON tasks (tenant_id, idempotency_key) WHERE idempotency_key <> ''`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_claim_order
			ON tasks (tenant_id, status, next_eligible_at, priority DESC, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_owning_instance ON tasks (tenant_id, owning_instance)`,

		`CREATE TABLE IF NOT EXISTS leases (
			tenant_id     TEXT NOT NULL,
			lease_id      TEXT NOT NULL,
			task_id       TEXT NOT NULL,
			worker_id     TEXT NOT NULL,
			acquired_at   TIMESTAMPTZ NOT NULL,
			expires_at    TIMESTAMPTZ NOT NULL,
			renewal_count INT NOT NULL DEFAULT 0,
			PRIMARY KEY (tenant_id, lease_id),
			UNIQUE (tenant_id, task_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_leases_expires_at ON leases (expires_at)`,

		`CREATE TABLE IF NOT EXISTS receipts (
			tenant_id    TEXT NOT NULL,
			receipt_id   TEXT NOT NULL,
			receipt_type TEXT NOT NULL,
			from_kind    TEXT NOT NULL,
			from_id      TEXT NOT NULL,
			to_kind      TEXT NOT NULL,
			to_id        TEXT NOT NULL,
			task_id      TEXT NOT NULL DEFAULT '',
			lease_id     TEXT NOT NULL DEFAULT '',
			schedule_id  TEXT NOT NULL DEFAULT '',
			parents      JSONB NOT NULL DEFAULT '[]'::jsonb,
			body         JSONB NOT NULL DEFAULT '{}'::jsonb,
			hash         TEXT NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL,
			delivered_at TIMESTAMPTZ,
			PRIMARY KEY (tenant_id, receipt_id),
			UNIQUE (tenant_id, hash)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_receipts_to_created ON receipts (tenant_id, to_kind, to_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_receipts_task_created ON receipts (tenant_id, task_id, created_at)`,
		// jsonb_path_ops supports `parents @> $1::jsonb` containment
		// lookups sub-linearly, which keeps "find receipts whose parents
		// contain X" off a sequential scan.
		`CREATE INDEX IF NOT EXISTS idx_receipts_parents_gin ON receipts USING GIN (parents jsonb_path_ops)`,

		`CREATE TABLE IF NOT EXISTS progress (
			tenant_id  TEXT NOT NULL,
			task_id    TEXT NOT NULL,
			message    TEXT NOT NULL DEFAULT '',
			percent    DOUBLE PRECISION,
			detail     JSONB,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (tenant_id, task_id)
		)`,

		`CREATE TABLE IF NOT EXISTS relationships (
			tenant_id             TEXT NOT NULL,
			principal_kind        TEXT NOT NULL,
			principal_id          TEXT NOT NULL,
			first_seen_at         TIMESTAMPTZ NOT NULL,
			last_seen_at          TIMESTAMPTZ NOT NULL,
			sessions_count        INT NOT NULL DEFAULT 1,
			principal_instance_id TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (tenant_id, principal_kind, principal_id)
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
