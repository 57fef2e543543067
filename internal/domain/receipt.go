/*
Copyright (c) 2026 asyncgate
SPDX-License-Identifier: MIT
*/

package domain

import "github.com/asyncgate/asyncgate/internal/principal"

// Receipt is an immutable ledger entry. Identity is (TenantID, ID).
// Receipts outlive the tasks/leases they describe and carry no
// referential-integrity constraint against them; they are the ledger,
// not a view.
type Receipt struct {
	TenantID    string
	ID          string
	Type        ReceiptType
	From        principal.Principal
	To          principal.Principal
	TaskID      string // optional
	LeaseID     string // optional
	ScheduleID  string // optional, unused by this core but part of the wire shape
	Parents     []string
	Body        map[string]any
	Hash        string // 32-byte hex content fingerprint
	CreatedAt   Time
	DeliveredAt *Time // telemetry only, never affects the hash
}

// WireReceipt is the external representation of a receipt.
type WireReceipt struct {
	SchemaVersion int                 `json:"schema_version"`
	TenantID      string              `json:"tenant_id"`
	ReceiptID     string              `json:"receipt_id"`
	ReceiptType   ReceiptType         `json:"receipt_type"`
	CreatedAt     string              `json:"created_at"` // RFC3339 with offset
	From          principal.Principal `json:"from"`
	To            principal.Principal `json:"to"`
	TaskID        string              `json:"task_id,omitempty"`
	LeaseID       string              `json:"lease_id,omitempty"`
	ScheduleID    string              `json:"schedule_id,omitempty"`
	Parents       []string            `json:"parents"`
	Body          map[string]any      `json:"body"`
	Hash          string              `json:"hash"`
}

// ToWire renders a stored Receipt into the external wire shape.
func (r *Receipt) ToWire() WireReceipt {
	return WireReceipt{
		SchemaVersion: SchemaVersion,
		TenantID:      r.TenantID,
		ReceiptID:     r.ID,
		ReceiptType:   r.Type,
		CreatedAt:     r.CreatedAt.Format(rfc3339WithOffset),
		From:          r.From,
		To:            r.To,
		TaskID:        r.TaskID,
		LeaseID:       r.LeaseID,
		ScheduleID:    r.ScheduleID,
		Parents:       r.Parents,
		Body:          r.Body,
		Hash:          r.Hash,
	}
}

const rfc3339WithOffset = "2006-01-02T15:04:05.000000Z07:00"
