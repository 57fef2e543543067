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
	"github.com/asyncgate/asyncgate/internal/engineerr"
	"github.com/asyncgate/asyncgate/internal/storage"
)

// RenewLeaseInput is the renew_lease parameter set.
type RenewLeaseInput struct {
	TenantID string
	LeaseID  string
	WorkerID string
	TTL      time.Duration // zero means "use the default lease TTL"
}

// RenewLease validates the lease, enforces renewal and
// lifetime caps, advance expires_at, increment renewal_count. Fails
// with a distinguished error kind on limit breach so callers know the
// lease is poisoned rather than merely stale.
func (e *Engine) RenewLease(ctx context.Context, in RenewLeaseInput) (*domain.Lease, error) {
	tx, err := e.Store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	lease, err := tx.GetLease(ctx, in.TenantID, in.LeaseID)
	if err != nil {
		if errors.Is(err, storage.ErrNoRows) {
			return nil, &engineerr.LeaseInvalidOrExpired{LeaseID: in.LeaseID, Reason: "not found"}
		}
		return nil, fmt.Errorf("get lease: %w", err)
	}
	if lease.WorkerID != in.WorkerID {
		return nil, &engineerr.LeaseInvalidOrExpired{LeaseID: in.LeaseID, Reason: "worker mismatch"}
	}
	now := e.Clock.Now()
	if lease.ExpiredAt(now) {
		return nil, &engineerr.LeaseInvalidOrExpired{LeaseID: in.LeaseID, Reason: "expired"}
	}
	task, err := tx.GetTask(ctx, in.TenantID, lease.TaskID)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if task.Status != domain.TaskLeased && task.Status != domain.TaskRunning {
		return nil, &engineerr.LeaseInvalidOrExpired{LeaseID: in.LeaseID, Reason: fmt.Sprintf("task status %s not leased/running", task.Status)}
	}

	if lease.RenewalCount >= e.Config.MaxLeaseRenewals {
		leaseRenewalLimitHitTotal.WithLabelValues(in.TenantID, "renewal_count").Inc()
		return nil, &engineerr.LeaseRenewalLimitExceeded{RenewalCount: lease.RenewalCount, Max: e.Config.MaxLeaseRenewals}
	}
	lifetime := lease.LifetimeSeconds(now)
	if lifetime >= e.Config.MaxLeaseLifetime.Seconds() {
		leaseRenewalLimitHitTotal.WithLabelValues(in.TenantID, "lifetime").Inc()
		return nil, &engineerr.LeaseLifetimeExceeded{LifetimeSeconds: lifetime, Max: int(e.Config.MaxLeaseLifetime.Seconds())}
	}

	ttl := e.clampTTL(in.TTL)
	renewed, err := tx.RenewLease(ctx, in.TenantID, in.LeaseID, now.Add(ttl))
	if err != nil {
		return nil, fmt.Errorf("renew lease: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return renewed, nil
}
