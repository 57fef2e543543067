/*
Copyright (c) 2026 asyncgate
SPDX-License-Identifier: MIT
*/

// Package ledger implements the receipt ledger: the emission contract
// (hashing, size limits, terminator enforcement, locatability
// leniency) and the open-obligations batch query.
package ledger

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/asyncgate/asyncgate/internal/domain"
	"github.com/asyncgate/asyncgate/internal/engineerr"
	"github.com/asyncgate/asyncgate/internal/ports"
	"github.com/asyncgate/asyncgate/internal/principal"
	"github.com/asyncgate/asyncgate/internal/storage"
)

// Limits holds the receipt size caps.
type Limits struct {
	BodyCapBytes int
	ParentsCap   int
	ArtifactsCap int
}

// Ledger composes the emission contract and obligation queries over a
// storage.Queries handle. Stateless beyond its collaborators, so one
// Ledger can be shared across requests; callers pass the tx-scoped
// storage.Queries for each call so emission participates in the
// caller's transaction/savepoint.
type Ledger struct {
	Clock  ports.Clock
	IDGen  ports.IdGen
	Limits Limits
	Log    *zap.Logger
}

// New constructs a Ledger.
func New(clock ports.Clock, idgen ports.IdGen, limits Limits, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{Clock: clock, IDGen: idgen, Limits: limits, Log: log}
}

// EmitInput is the full parameter set of the emit() contract.
type EmitInput struct {
	TenantID   string
	Type       domain.ReceiptType
	From       principal.Principal
	To         principal.Principal
	TaskID     string
	LeaseID    string
	ScheduleID string
	Parents    []string
	Body       map[string]any
}

// EmitResult reports what happened, including the two non-error
// special cases: idempotent re-emission and the locatability-leniency
// anomaly path.
type EmitResult struct {
	Receipt *domain.Receipt
	Existed bool // idempotent emission: this row already existed by hash
	Anomaly bool // locatability leniency fired: stored with parents=[]
}

// Emit validates, hashes, and inserts one receipt. Emission is
// idempotent: a bit-identical call observes the existing row.
func (l *Ledger) Emit(ctx context.Context, q storage.Queries, in EmitInput) (*EmitResult, error) {
	body := in.Body
	if body == nil {
		body = map[string]any{}
	}
	parents := sortedStrings(in.Parents)

	// Step 5 (locatability leniency) happens before hashing, since it
	// changes what gets hashed: a task.completed receipt missing both
	// artifacts and delivery_proof is stored with parents=[].
	anomaly := false
	if in.Type == domain.ReceiptTaskCompleted && !hasLocatableEvidence(body) {
		anomaly = true
		parents = nil
		l.Log.Warn("receipt stored without locatable evidence; obligation remains open",
			zap.String("tenant_id", in.TenantID),
			zap.String("task_id", in.TaskID),
		)
	}

	// Step 3: size limits.
	bodyJSON := canonicalize(body)
	if len(bodyJSON) > l.Limits.BodyCapBytes {
		return nil, &engineerr.IntegrityViolation{Reason: fmt.Sprintf("receipt body exceeds %d bytes", l.Limits.BodyCapBytes)}
	}
	if len(parents) > l.Limits.ParentsCap {
		return nil, &engineerr.IntegrityViolation{Reason: fmt.Sprintf("receipt parents exceed cap of %d", l.Limits.ParentsCap)}
	}
	if artifacts, ok := body["artifacts"].([]any); ok && len(artifacts) > l.Limits.ArtifactsCap {
		return nil, &engineerr.IntegrityViolation{Reason: fmt.Sprintf("receipt artifacts exceed cap of %d", l.Limits.ArtifactsCap)}
	}

	// Step 4: terminator receipts must carry parents that exist in the
	// tenant. Skipped when the leniency branch already stripped the
	// parents: that row is stored as an anomaly marker, not rejected.
	if IsTerminatorType(in.Type) && !anomaly {
		if len(parents) == 0 {
			return nil, &engineerr.IntegrityViolation{Reason: "terminator receipt requires at least one parent"}
		}
		for _, p := range parents {
			if _, err := q.GetReceipt(ctx, in.TenantID, p); err != nil {
				return nil, &engineerr.IntegrityViolation{Reason: fmt.Sprintf("parent receipt %s not found in tenant", p)}
			}
		}
	}

	// Step 1: canonical body hash.
	bodyHash := sha256Hex(bodyJSON)

	// Step 2: receipt hash over the full tuple, parents sorted.
	hashInput := map[string]any{
		"type":       string(in.Type),
		"task_id":    in.TaskID,
		"lease_id":   in.LeaseID,
		"from_kind":  string(in.From.Kind),
		"from_id":    in.From.ID,
		"to_kind":    string(in.To.Kind),
		"to_id":      in.To.ID,
		"parents":    toAnySlice(parents),
		"body_hash":  bodyHash,
	}
	hash := sha256Hex(canonicalize(hashInput))

	now := l.Clock.Now()
	receipt := &domain.Receipt{
		TenantID:   in.TenantID,
		ID:         l.IDGen.NewID(),
		Type:       in.Type,
		From:       in.From,
		To:         in.To,
		TaskID:     in.TaskID,
		LeaseID:    in.LeaseID,
		ScheduleID: in.ScheduleID,
		Parents:    parents,
		Body:       body,
		Hash:       hash,
		CreatedAt:  now,
	}

	// Step 6: insert; unique-violation on hash returns the existing row.
	stored, existed, err := q.CreateReceipt(ctx, receipt)
	if err != nil {
		return nil, fmt.Errorf("creating receipt: %w", err)
	}
	return &EmitResult{Receipt: stored, Existed: existed, Anomaly: anomaly && !existed}, nil
}

func hasLocatableEvidence(body map[string]any) bool {
	if artifacts, ok := body["artifacts"].([]any); ok && len(artifacts) > 0 {
		return true
	}
	if dp, ok := body["delivery_proof"]; ok && dp != nil {
		return true
	}
	return false
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// ListOpenObligations answers bootstrap with a batched termination
// check: two queries regardless of page size, never N+1.
func (l *Ledger) ListOpenObligations(ctx context.Context, q storage.Queries, tenantID string, toKind, toID string, since string, limit int) (open []*domain.Receipt, nextCursor string, err error) {
	candidateLimit := limit * 3
	if candidateLimit > 1000 {
		candidateLimit = 1000
	}
	if candidateLimit <= 0 {
		candidateLimit = limit
	}

	// Query 1: candidate obligations.
	candidates, err := q.ListOpenObligationCandidates(ctx, tenantID, ObligationTypes(), toKind, toID, since, candidateLimit)
	if err != nil {
		return nil, "", fmt.Errorf("listing obligation candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil, "", nil
	}

	// Query 2: one batch containment check per obligation family,
	// restricted to that family's registered terminator types so a
	// non-terminator citing receipt (an ack, a progress note) never
	// closes anything. With a single family in the rules table this is
	// exactly one query, keeping the two-query guarantee.
	terminated := make(map[string]bool, len(candidates))
	byType := make(map[domain.ReceiptType][]string)
	for _, c := range candidates {
		byType[c.Type] = append(byType[c.Type], c.ID)
	}
	for obligationType, ids := range byType {
		batch, err := q.BatchHasCitingReceipts(ctx, tenantID, ids, terminationRules[obligationType])
		if err != nil {
			return nil, "", fmt.Errorf("batch termination check: %w", err)
		}
		for id, has := range batch {
			terminated[id] = has
		}
	}

	for _, c := range candidates {
		if !terminated[c.ID] {
			open = append(open, c)
		}
		if len(open) >= limit {
			break
		}
	}

	// A full page means there may be more: the cursor is the keyset
	// position of the last returned obligation, which also skips any
	// unreturned candidates that were already terminated.
	if len(open) == limit {
		nextCursor = storage.ReceiptCursor(open[len(open)-1])
	}
	return open, nextCursor, nil
}

// HasTerminator reports whether any terminator-type receipt cites
// parentID in its parents, existence-only (O(1) via the inverted
// index in a real store).
func (l *Ledger) HasTerminator(ctx context.Context, q storage.Queries, tenantID, parentID string) (bool, error) {
	return q.HasCitingReceipt(ctx, tenantID, parentID, TerminatorTypes())
}

// GetTerminators returns every terminator-type receipt citing parentID.
func (l *Ledger) GetTerminators(ctx context.Context, q storage.Queries, tenantID, parentID string) ([]*domain.Receipt, error) {
	return q.GetCitingReceipts(ctx, tenantID, parentID, TerminatorTypes())
}

// LatestTerminator resolves the canonical terminator for parentID,
// per the "latest wins" decision recorded in DESIGN.md.
func (l *Ledger) LatestTerminator(ctx context.Context, q storage.Queries, tenantID, parentID string) (*domain.Receipt, error) {
	return q.LatestCitingReceipt(ctx, tenantID, parentID, TerminatorTypes())
}

// GetCitingReceipts returns every receipt of any type citing
// parentID: the raw forward walk over the provenance DAG.
func (l *Ledger) GetCitingReceipts(ctx context.Context, q storage.Queries, tenantID, parentID string) ([]*domain.Receipt, error) {
	return q.GetCitingReceipts(ctx, tenantID, parentID, nil)
}
