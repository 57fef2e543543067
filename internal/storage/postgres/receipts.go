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
	"github.com/asyncgate/asyncgate/internal/storage"
)

// CreateReceipt inserts a receipt, or - when its content hash already
// exists for this tenant - returns the existing row with existed=true.
// This is the ledger's dedup guarantee: emission is a pure function of
// content, so a repeat emission is a no-op.
func (q queries) CreateReceipt(ctx context.Context, r *domain.Receipt) (*domain.Receipt, bool, error) {
	parents, err := marshalParents(r.Parents)
	if err != nil {
		return nil, false, fmt.Errorf("marshal parents: %w", err)
	}
	body, err := marshalJSON(r.Body)
	if err != nil {
		return nil, false, fmt.Errorf("marshal body: %w", err)
	}

	row := q.c.QueryRow(ctx, `
		INSERT INTO receipts (`+receiptColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (tenant_id, hash) DO NOTHING
		RETURNING `+receiptColumns,
		r.TenantID, r.ID, r.Type,
		string(r.From.Kind), r.From.ID, string(r.To.Kind), r.To.ID,
		r.TaskID, r.LeaseID, r.ScheduleID,
		parents, body, r.Hash,
		r.CreatedAt, r.DeliveredAt,
	)
	created, err := scanReceipt(row)
	if err == nil {
		return created, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("insert receipt: %w", err)
	}

	existing, err := q.GetReceiptByHash(ctx, r.TenantID, r.Hash)
	if err != nil {
		return nil, false, fmt.Errorf("fetch existing receipt by hash: %w", err)
	}
	return existing, true, nil
}

func (q queries) GetReceipt(ctx context.Context, tenantID, receiptID string) (*domain.Receipt, error) {
	row := q.c.QueryRow(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE tenant_id = $1 AND receipt_id = $2`, tenantID, receiptID)
	r, err := scanReceipt(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("get receipt: %w", err)
	}
	return r, nil
}

func (q queries) GetReceiptByHash(ctx context.Context, tenantID, hash string) (*domain.Receipt, error) {
	row := q.c.QueryRow(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE tenant_id = $1 AND hash = $2`, tenantID, hash)
	r, err := scanReceipt(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("get receipt by hash: %w", err)
	}
	return r, nil
}

// GetReceiptByTaskAndType returns the earliest-created receipt of a
// given type for a task, mirroring memstore's linear-scan "earliest
// wins" tiebreak (a task has at most one task.assigned, so this only
// matters for types that could in principle repeat).
func (q queries) GetReceiptByTaskAndType(ctx context.Context, tenantID, taskID string, t domain.ReceiptType) (*domain.Receipt, error) {
	row := q.c.QueryRow(ctx, `
		SELECT `+receiptColumns+` FROM receipts
		WHERE tenant_id = $1 AND task_id = $2 AND receipt_type = $3
		ORDER BY created_at ASC LIMIT 1`,
		tenantID, taskID, t,
	)
	r, err := scanReceipt(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("get receipt by task and type: %w", err)
	}
	return r, nil
}

// ListReceipts pages by a (created_at, receipt_id) keyset: receipt
// ids are random, so the id alone carries no position in the
// created_at ordering, while created_at alone cannot break ties
// between receipts minted in the same instant.
func (q queries) ListReceipts(ctx context.Context, tenantID string, toKind string, toID string, p storage.Page) ([]*domain.Receipt, string, error) {
	sql := `SELECT ` + receiptColumns + ` FROM receipts WHERE tenant_id = $1 AND to_kind = $2 AND to_id = $3`
	args := []any{tenantID, toKind, toID}
	if p.Cursor != "" {
		curAt, curID, err := storage.ParseReceiptCursor(p.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("parse cursor: %w", err)
		}
		args = append(args, curAt, curID)
		sql += fmt.Sprintf(" AND (created_at, receipt_id) > ($%d, $%d)", len(args)-1, len(args))
	}
	sql += " ORDER BY created_at ASC, receipt_id ASC"
	limit := p.Limit
	if limit > 0 {
		args = append(args, limit+1)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := q.c.Query(ctx, sql, args...)
	if err != nil {
		return nil, "", fmt.Errorf("list receipts: %w", err)
	}
	defer rows.Close()

	var out []*domain.Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, "", fmt.Errorf("scan receipt: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if limit > 0 && len(out) > limit {
		out = out[:limit]
		next = storage.ReceiptCursor(out[len(out)-1])
	}
	return out, next, nil
}

func (q queries) ListReceiptsByTask(ctx context.Context, tenantID, taskID string) ([]*domain.Receipt, error) {
	rows, err := q.c.Query(ctx, `
		SELECT `+receiptColumns+` FROM receipts
		WHERE tenant_id = $1 AND task_id = $2
		ORDER BY created_at ASC`,
		tenantID, taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("list receipts by task: %w", err)
	}
	defer rows.Close()

	var out []*domain.Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan receipt: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (q queries) MarkDelivered(ctx context.Context, tenantID, receiptID string, at time.Time) error {
	tag, err := q.c.Exec(ctx, `UPDATE receipts SET delivered_at = $3 WHERE tenant_id = $1 AND receipt_id = $2`, tenantID, receiptID, at)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNoRows
	}
	return nil
}

// HasCitingReceipt, GetCitingReceipts, and LatestCitingReceipt answer
// "which receipts name this one as a parent" via jsonb containment
// over parents, backed by
// idx_receipts_parents_gin. A nil types slice matches any citing
// receipt; the ledger narrows to its terminator-type set when
// deciding whether an obligation is closed.
func (q queries) HasCitingReceipt(ctx context.Context, tenantID, parentID string, types []domain.ReceiptType) (bool, error) {
	parentJSON, err := parentContainmentArg(parentID)
	if err != nil {
		return false, err
	}
	var exists bool
	err = q.c.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM receipts
			WHERE tenant_id = $1 AND parents @> $2::jsonb
			  AND ($3::text[] IS NULL OR receipt_type = ANY($3))
		)`,
		tenantID, parentJSON, typeFilterArg(types),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has citing receipt: %w", err)
	}
	return exists, nil
}

func (q queries) GetCitingReceipts(ctx context.Context, tenantID, parentID string, types []domain.ReceiptType) ([]*domain.Receipt, error) {
	parentJSON, err := parentContainmentArg(parentID)
	if err != nil {
		return nil, err
	}
	rows, err := q.c.Query(ctx, `
		SELECT `+receiptColumns+` FROM receipts
		WHERE tenant_id = $1 AND parents @> $2::jsonb
		  AND ($3::text[] IS NULL OR receipt_type = ANY($3))
		ORDER BY created_at ASC`,
		tenantID, parentJSON, typeFilterArg(types),
	)
	if err != nil {
		return nil, fmt.Errorf("get citing receipts: %w", err)
	}
	defer rows.Close()

	var out []*domain.Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan receipt: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (q queries) LatestCitingReceipt(ctx context.Context, tenantID, parentID string, types []domain.ReceiptType) (*domain.Receipt, error) {
	parentJSON, err := parentContainmentArg(parentID)
	if err != nil {
		return nil, err
	}
	row := q.c.QueryRow(ctx, `
		SELECT `+receiptColumns+` FROM receipts
		WHERE tenant_id = $1 AND parents @> $2::jsonb
		  AND ($3::text[] IS NULL OR receipt_type = ANY($3))
		ORDER BY created_at DESC, receipt_id DESC LIMIT 1`,
		tenantID, parentJSON, typeFilterArg(types),
	)
	r, err := scanReceipt(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("latest citing receipt: %w", err)
	}
	return r, nil
}

func parentContainmentArg(parentID string) ([]byte, error) {
	return marshalParents([]string{parentID})
}

func typeFilterArg(types []domain.ReceiptType) any {
	if len(types) == 0 {
		return nil
	}
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func (q queries) ListOpenObligationCandidates(ctx context.Context, tenantID string, obligationTypes []domain.ReceiptType, toKind, toID string, since string, limit int) ([]*domain.Receipt, error) {
	typeStrs := make([]string, len(obligationTypes))
	for i, t := range obligationTypes {
		typeStrs[i] = string(t)
	}

	sql := `SELECT ` + receiptColumns + ` FROM receipts
		WHERE tenant_id = $1 AND to_kind = $2 AND to_id = $3 AND receipt_type = ANY($4)`
	args := []any{tenantID, toKind, toID, typeStrs}
	if since != "" {
		sinceAt, sinceID, err := storage.ParseReceiptCursor(since)
		if err != nil {
			return nil, fmt.Errorf("parse since cursor: %w", err)
		}
		args = append(args, sinceAt, sinceID)
		sql += fmt.Sprintf(" AND (created_at, receipt_id) > ($%d, $%d)", len(args)-1, len(args))
	}
	sql += " ORDER BY created_at ASC, receipt_id ASC"
	if limit > 0 {
		args = append(args, limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := q.c.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list open obligation candidates: %w", err)
	}
	defer rows.Close()

	var out []*domain.Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan receipt: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// BatchHasCitingReceipts answers, for a batch of candidate receipt ids
// in one round trip, which ones are named as a parent by some receipt
// of one of the given types - the second of the ledger's two-query
// ListOpenObligations algorithm.
func (q queries) BatchHasCitingReceipts(ctx context.Context, tenantID string, candidateIDs []string, types []domain.ReceiptType) (map[string]bool, error) {
	result := make(map[string]bool, len(candidateIDs))
	if len(candidateIDs) == 0 {
		return result, nil
	}

	rows, err := q.c.Query(ctx, `
		SELECT cand, EXISTS(
			SELECT 1 FROM receipts r
			WHERE r.tenant_id = $1 AND r.parents @> to_jsonb(cand::text)
			  AND ($3::text[] IS NULL OR r.receipt_type = ANY($3))
		) FROM unnest($2::text[]) AS cand`,
		tenantID, candidateIDs, typeFilterArg(types),
	)
	if err != nil {
		return nil, fmt.Errorf("batch citing receipts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var has bool
		if err := rows.Scan(&id, &has); err != nil {
			return nil, fmt.Errorf("scan batch citing receipts row: %w", err)
		}
		if has {
			result[id] = true
		}
	}
	return result, rows.Err()
}
