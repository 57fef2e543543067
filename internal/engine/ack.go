/*
Copyright (c) 2026 asyncgate
SPDX-License-Identifier: MIT
*/

package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/asyncgate/asyncgate/internal/domain"
	"github.com/asyncgate/asyncgate/internal/ledger"
	"github.com/asyncgate/asyncgate/internal/principal"
	"github.com/asyncgate/asyncgate/internal/storage"
)

// AckReceiptInput is the ack_receipt parameter set.
type AckReceiptInput struct {
	TenantID       string
	Principal      principal.Principal
	AckedReceiptID string
}

// AckReceipt emits receipt.acknowledged from the
// principal to the service, parents=[acked_id]. Purely informational;
// acks are events, not flags, so the same receipt acked twice produces
// two distinct acknowledgement receipts, both citing the same parent -
// this never discharges any obligation (receipt.acknowledged is not a
// registered terminator type in internal/ledger's rules table).
func (e *Engine) AckReceipt(ctx context.Context, in AckReceiptInput) (*domain.Receipt, error) {
	tx, err := e.Store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	acked, err := tx.GetReceipt(ctx, in.TenantID, in.AckedReceiptID)
	if err != nil {
		if errors.Is(err, storage.ErrNoRows) {
			return nil, fmt.Errorf("acked receipt %s not found: %w", in.AckedReceiptID, storage.ErrNoRows)
		}
		return nil, fmt.Errorf("get acked receipt: %w", err)
	}

	now := e.Clock.Now()
	e.observe(ctx, tx, in.TenantID, in.Principal, now)

	// acked_at goes into the hashed body so a second ack of the same
	// receipt mints a second row rather than deduplicating into the
	// first: acks are events, not flags.
	res, err := e.Ledger.Emit(ctx, tx, ledger.EmitInput{
		TenantID: in.TenantID,
		Type:     domain.ReceiptAcknowledged,
		From:     in.Principal,
		To:       principal.Service,
		TaskID:   acked.TaskID,
		Parents:  []string{acked.ID},
		Body: map[string]any{
			"acked_receipt_id": acked.ID,
			"acked_at":         now.Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("emit receipt.acknowledged: %w", err)
	}
	receiptsEmittedTotal.WithLabelValues(in.TenantID, string(domain.ReceiptAcknowledged)).Inc()

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return res.Receipt, nil
}
