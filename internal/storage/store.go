/*
Copyright (c) 2026 asyncgate
SPDX-License-Identifier: MIT
*/

// Package storage defines the transactional store boundary between
// the task engine and persistence: tasks, leases, receipts, progress,
// and relationships, with the unique constraints, composite indexes,
// and skip-locked claim semantics the engine relies on.
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/asyncgate/asyncgate/internal/domain"
)

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	TenantID string
	Status   []domain.TaskStatus
	Type     string
}

// Page is a cursor-bounded result page. Cursor is the keyset position
// of the boundary row — created_at for tasks, ReceiptCursor for
// receipts — opaque to callers.
type Page struct {
	Limit  int
	Cursor string
}

// ClaimedTask is what claim_tasks hands back for each lease granted:
// enough of the task plus the new lease to build task.accepted and
// hand work to a worker.
type ClaimedTask struct {
	Task  *domain.Task
	Lease *domain.Lease
}

// LeaseWithTask pairs an expired lease with the task it references,
// as returned by GetExpiredLeases (the sweeper needs both).
type LeaseWithTask struct {
	Lease *domain.Lease
	Task  *domain.Task
}

// ErrNotFound is returned by single-row lookups that found nothing.
// Distinguished from engineerr.TaskNotFound, which is the engine's
// public error kind; storage only needs a sentinel its callers can
// test with errors.Is before wrapping into the richer public kind.
type notFoundError string

func (e notFoundError) Error() string { return string(e) }

// ErrNoRows is the storage-layer not-found sentinel.
const ErrNoRows = notFoundError("storage: no rows")

// ReceiptCursor encodes r's keyset position for receipt pagination.
// Receipt lists are ordered by (created_at, receipt_id), so the
// cursor must carry both: receipt ids are random and alone say
// nothing about a row's position in a created_at ordering, and
// created_at alone cannot break ties between receipts minted in the
// same instant.
func ReceiptCursor(r *domain.Receipt) string {
	return r.CreatedAt.UTC().Format(time.RFC3339Nano) + "|" + r.ID
}

// ParseReceiptCursor decodes a cursor produced by ReceiptCursor.
func ParseReceiptCursor(cursor string) (createdAt time.Time, receiptID string, err error) {
	ts, id, ok := strings.Cut(cursor, "|")
	if !ok {
		return time.Time{}, "", fmt.Errorf("malformed receipt cursor %q", cursor)
	}
	at, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("malformed receipt cursor %q: %w", cursor, err)
	}
	return at, id, nil
}

// Queries is the full set of read/write operations the engine, ledger,
// and sweeper compose. It is implemented identically by Store (outside
// any transaction) and by Tx (inside one), so callers write the same
// code whether or not they need transactional composition.
type Queries interface {
	// Tasks.
	CreateTask(ctx context.Context, t *domain.Task) (task *domain.Task, existed bool, err error)
	GetTask(ctx context.Context, tenantID, taskID string) (*domain.Task, error)
	ListTasks(ctx context.Context, f TaskFilter, p Page) (tasks []*domain.Task, nextCursor string, err error)
	UpdateTaskStatus(ctx context.Context, tenantID, taskID string, newStatus domain.TaskStatus, result *domain.TaskResult, startedAt *time.Time) (*domain.Task, error)
	RequeueWithBackoff(ctx context.Context, tenantID, taskID string, nextEligibleAt time.Time) (*domain.Task, error)
	RequeueOnExpiry(ctx context.Context, tenantID, taskID string, nextEligibleAt time.Time) (*domain.Task, error)
	ConsumeAttempt(ctx context.Context, tenantID, taskID string) (*domain.Task, error)

	// Leases.
	ClaimTasks(ctx context.Context, tenantID, workerID string, capabilities, acceptTypes []string, n int, ttl time.Duration, now time.Time, newLease func() (id string)) ([]ClaimedTask, error)
	GetLease(ctx context.Context, tenantID, leaseID string) (*domain.Lease, error)
	RenewLease(ctx context.Context, tenantID, leaseID string, newExpiresAt time.Time) (*domain.Lease, error)
	ReleaseLease(ctx context.Context, tenantID, leaseID string) error
	GetExpiredLeases(ctx context.Context, instanceID string, now time.Time, limit int) ([]LeaseWithTask, error)

	// Progress.
	UpsertProgress(ctx context.Context, p *domain.Progress) error
	GetProgress(ctx context.Context, tenantID, taskID string) (*domain.Progress, error)

	// Receipts.
	CreateReceipt(ctx context.Context, r *domain.Receipt) (receipt *domain.Receipt, existed bool, err error)
	GetReceipt(ctx context.Context, tenantID, receiptID string) (*domain.Receipt, error)
	GetReceiptByHash(ctx context.Context, tenantID, hash string) (*domain.Receipt, error)
	GetReceiptByTaskAndType(ctx context.Context, tenantID, taskID string, t domain.ReceiptType) (*domain.Receipt, error)
	ListReceipts(ctx context.Context, tenantID string, toKind string, toID string, p Page) (receipts []*domain.Receipt, nextCursor string, err error)
	ListReceiptsByTask(ctx context.Context, tenantID, taskID string) ([]*domain.Receipt, error)
	MarkDelivered(ctx context.Context, tenantID, receiptID string, at time.Time) error

	// Obligation/terminator primitives. These are
	// citing-receipt queries: "receipts whose parents contain X",
	// optionally narrowed to a set of receipt types. Which types count
	// as terminators is the ledger's business (its rules table), not
	// storage's - a nil types slice means any citing receipt matches.
	HasCitingReceipt(ctx context.Context, tenantID, parentID string, types []domain.ReceiptType) (bool, error)
	GetCitingReceipts(ctx context.Context, tenantID, parentID string, types []domain.ReceiptType) ([]*domain.Receipt, error)
	LatestCitingReceipt(ctx context.Context, tenantID, parentID string, types []domain.ReceiptType) (*domain.Receipt, error)
	ListOpenObligationCandidates(ctx context.Context, tenantID string, obligationTypes []domain.ReceiptType, toKind, toID string, since string, limit int) ([]*domain.Receipt, error)
	BatchHasCitingReceipts(ctx context.Context, tenantID string, candidateIDs []string, types []domain.ReceiptType) (map[string]bool, error)

	// Relationships.
	UpsertRelationship(ctx context.Context, rel *domain.Relationship) error
}

// Tx is a Queries implementation scoped to one transaction, plus the
// savepoint bracket operations the state-change-plus-receipt
// operations (complete/fail/cancel, and the sweeper's per-lease work)
// need for "either both happen or neither does" atomicity.
type Tx interface {
	Queries
	Savepoint(ctx context.Context, name string) error
	RollbackToSavepoint(ctx context.Context, name string) error
	ReleaseSavepoint(ctx context.Context, name string) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store is the top-level handle the engine and sweeper are
// constructed with. Reads that don't need transactional composition
// may use it directly; everything else opens a Tx.
type Store interface {
	Queries
	BeginTx(ctx context.Context) (Tx, error)
}
