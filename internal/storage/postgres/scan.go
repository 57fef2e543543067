/*
Copyright (c) 2026 asyncgate
SPDX-License-Identifier: MIT
*/

package postgres

import (
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/asyncgate/asyncgate/internal/domain"
	"github.com/asyncgate/asyncgate/internal/principal"
)

// marshalJSON is jsonb's Go-side encoder for the loosely-typed
// payload/body/detail/result columns. A nil map marshals as "null",
// which pgx/jsonb round-trips back to a nil map - the scan helpers
// below treat that the same as "{}" where the domain type expects a
// map.
func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

func unmarshalMap(raw []byte) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func marshalParents(parents []string) ([]byte, error) {
	if parents == nil {
		parents = []string{}
	}
	return json.Marshal(parents)
}

func unmarshalParents(raw []byte) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func marshalResult(res *domain.TaskResult) ([]byte, error) {
	if res == nil {
		return nil, nil
	}
	return json.Marshal(res)
}

func unmarshalResult(raw []byte) (*domain.TaskResult, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var res domain.TaskResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// taskRow is the column order CreateTask/GetTask/ListTasks/... share,
// so one scan function serves every task-returning query.
func scanTask(row pgx.Row) (*domain.Task, error) {
	var t domain.Task
	var payloadRaw, requirementsRaw, resultRaw []byte
	var createdByKind, ownerKind string
	var startedAt *time.Time

	err := row.Scan(
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
		return nil, err
	}
	t.CreatedBy.Kind = principal.Kind(createdByKind)
	t.Owner.Kind = principal.Kind(ownerKind)
	t.StartedAt = startedAt

	payload, err := unmarshalMap(payloadRaw)
	if err != nil {
		return nil, err
	}
	t.Payload = payload

	requirements, err := unmarshalMap(requirementsRaw)
	if err != nil {
		return nil, err
	}
	t.Requirements = requirements

	result, err := unmarshalResult(resultRaw)
	if err != nil {
		return nil, err
	}
	t.Result = result
	return &t, nil
}

const taskColumns = `tenant_id, task_id, type, payload,
	created_by_kind, created_by_id, owner_kind, owner_id,
	principal_ai, requirements, idempotency_key,
	max_attempts, retry_backoff_seconds,
	expected_outcome_kind, expected_artifact_mime,
	owning_instance, priority,
	status, attempt, next_eligible_at, started_at,
	created_at, updated_at, result`

func scanLease(row pgx.Row) (*domain.Lease, error) {
	var l domain.Lease
	if err := row.Scan(&l.TenantID, &l.ID, &l.TaskID, &l.WorkerID, &l.AcquiredAt, &l.ExpiresAt, &l.RenewalCount); err != nil {
		return nil, err
	}
	return &l, nil
}

const leaseColumns = `tenant_id, lease_id, task_id, worker_id, acquired_at, expires_at, renewal_count`

func scanReceipt(row pgx.Row) (*domain.Receipt, error) {
	var r domain.Receipt
	var fromKind, toKind string
	var parentsRaw, bodyRaw []byte
	var deliveredAt *time.Time

	err := row.Scan(
		&r.TenantID, &r.ID, &r.Type,
		&fromKind, &r.From.ID, &toKind, &r.To.ID,
		&r.TaskID, &r.LeaseID, &r.ScheduleID,
		&parentsRaw, &bodyRaw, &r.Hash,
		&r.CreatedAt, &deliveredAt,
	)
	if err != nil {
		return nil, err
	}
	r.From.Kind = principal.Kind(fromKind)
	r.To.Kind = principal.Kind(toKind)
	r.DeliveredAt = deliveredAt

	parents, err := unmarshalParents(parentsRaw)
	if err != nil {
		return nil, err
	}
	r.Parents = parents

	body, err := unmarshalMap(bodyRaw)
	if err != nil {
		return nil, err
	}
	r.Body = body
	return &r, nil
}

const receiptColumns = `tenant_id, receipt_id, receipt_type,
	from_kind, from_id, to_kind, to_id,
	task_id, lease_id, schedule_id,
	parents, body, hash,
	created_at, delivered_at`

func scanProgress(row pgx.Row) (*domain.Progress, error) {
	var p domain.Progress
	var detailRaw []byte
	if err := row.Scan(&p.TenantID, &p.TaskID, &p.Message, &p.Percent, &detailRaw, &p.UpdatedAt); err != nil {
		return nil, err
	}
	detail, err := unmarshalMap(detailRaw)
	if err != nil {
		return nil, err
	}
	p.Detail = detail
	return &p, nil
}
