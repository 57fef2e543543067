/*
Copyright (c) 2026 asyncgate
SPDX-License-Identifier: MIT
*/

package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/asyncgate/asyncgate/internal/domain"
	"github.com/asyncgate/asyncgate/internal/ledger"
	"github.com/asyncgate/asyncgate/internal/principal"
)

// ClaimTasksInput is the claim_tasks parameter set.
type ClaimTasksInput struct {
	TenantID     string
	WorkerID     string
	Capabilities []string
	AcceptTypes  []string
	MaxTasks     int
	LeaseTTL     time.Duration // optional, bounded by Config.MaxLeaseTTL
}

// ClaimedLease is one element of the lease tuples claim_tasks returns.
type ClaimedLease struct {
	TaskID               string
	LeaseID              string
	Type                 string
	Payload              map[string]any
	PrincipalAI          string
	Attempt              int
	ExpiresAt            time.Time
	Requirements         map[string]any
	ExpectedOutcomeKind  string
	ExpectedArtifactMIME string
}

const maxClaimBatch = 10

// ClaimTasks leases up to MaxTasks eligible tasks to a worker and
// emits task.accepted for each, citing the task.assigned obligation.
func (e *Engine) ClaimTasks(ctx context.Context, in ClaimTasksInput) ([]ClaimedLease, error) {
	n := in.MaxTasks
	if n > maxClaimBatch {
		n = maxClaimBatch
	}
	if n <= 0 {
		return nil, nil
	}
	ttl := e.clampTTL(in.LeaseTTL)

	tx, err := e.Store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := e.Clock.Now()
	claimed, err := tx.ClaimTasks(ctx, in.TenantID, in.WorkerID, in.Capabilities, in.AcceptTypes, n, ttl, now, e.IDGen.NewID)
	if err != nil {
		return nil, fmt.Errorf("claim tasks: %w", err)
	}

	out := make([]ClaimedLease, 0, len(claimed))
	worker := principal.Principal{Kind: principal.KindWorker, ID: in.WorkerID}
	if len(claimed) > 0 {
		e.observe(ctx, tx, in.TenantID, worker, now)
	}
	for _, c := range claimed {
		assigned, err := tx.GetReceiptByTaskAndType(ctx, in.TenantID, c.Task.ID, domain.ReceiptTaskAssigned)
		if err != nil {
			return nil, fmt.Errorf("fetch task.assigned receipt for %s: %w", c.Task.ID, err)
		}
		_, err = e.Ledger.Emit(ctx, tx, ledger.EmitInput{
			TenantID: in.TenantID,
			Type:     domain.ReceiptTaskAccepted,
			From:     worker,
			To:       c.Task.Owner,
			TaskID:   c.Task.ID,
			LeaseID:  c.Lease.ID,
			Parents:  []string{assigned.ID},
		})
		if err != nil {
			return nil, fmt.Errorf("emit task.accepted: %w", err)
		}
		receiptsEmittedTotal.WithLabelValues(in.TenantID, string(domain.ReceiptTaskAccepted)).Inc()
		leasesClaimedTotal.WithLabelValues(in.TenantID).Inc()

		out = append(out, ClaimedLease{
			TaskID:               c.Task.ID,
			LeaseID:              c.Lease.ID,
			Type:                 c.Task.Type,
			Payload:              c.Task.Payload,
			PrincipalAI:          c.Task.PrincipalAI,
			Attempt:              c.Task.Attempt,
			ExpiresAt:            c.Lease.ExpiresAt,
			Requirements:         c.Task.Requirements,
			ExpectedOutcomeKind:  c.Task.ExpectedOutcomeKind,
			ExpectedArtifactMIME: c.Task.ExpectedArtifactMIME,
		})
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}
