/*
Copyright (c) 2026 asyncgate
SPDX-License-Identifier: MIT
*/

// Package sweeper implements the lease sweeper: a single
// long-running loop per process instance that finds expired leases
// belonging to this instance and requeues their tasks without
// consuming a retry attempt. The loop runs on a jittered interval,
// isolates per-lease errors, and treats context cancellation as its
// shutdown signal.
package sweeper

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/asyncgate/asyncgate/internal/config"
	"github.com/asyncgate/asyncgate/internal/domain"
	"github.com/asyncgate/asyncgate/internal/ledger"
	"github.com/asyncgate/asyncgate/internal/ports"
	"github.com/asyncgate/asyncgate/internal/principal"
	"github.com/asyncgate/asyncgate/internal/storage"
)

// Sweeper owns the single background goroutine per process instance
// that expires leases and requeues their tasks. Its only shared state
// with the engine is the database.
type Sweeper struct {
	Store      storage.Store
	Ledger     *ledger.Ledger
	Clock      ports.Clock
	Config     config.Config
	Log        *zap.Logger
	InstanceID string

	// rng is swappable in tests for deterministic jitter assertions;
	// production code leaves it nil and falls back to math/rand's
	// package-level source.
	rng *rand.Rand
}

// New constructs a Sweeper bound to one process instance's id - it
// will only ever touch tasks that instance created, which is the
// whole of the multi-instance safety story.
func New(store storage.Store, led *ledger.Ledger, clock ports.Clock, cfg config.Config, log *zap.Logger, instanceID string) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{Store: store, Ledger: led, Clock: clock, Config: cfg, Log: log, InstanceID: instanceID}
}

func (s *Sweeper) float64() float64 {
	if s.rng != nil {
		return s.rng.Float64()
	}
	return rand.Float64()
}

// Run drives the sweep loop until ctx is cancelled, the Go analogue of
// lease_sweep_loop's asyncio.Event-gated while loop: ctx.Done() is the
// interruptible-shutdown primitive.
func (s *Sweeper) Run(ctx context.Context) {
	s.Log.Sugar().Infow("lease sweep loop started",
		"instance_id", s.InstanceID,
		"base_interval", s.Config.SweepInterval,
		"jitter", s.Config.SweepIntervalJitter,
	)
	for {
		if err := s.Tick(ctx); err != nil {
			s.Log.Sugar().Errorw("lease sweep tick failed", "error", err)
		}

		interval := s.jitteredInterval()
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.Log.Sugar().Infow("lease sweep loop stopped", "instance_id", s.InstanceID)
			return
		case <-timer.C:
		}
	}
}

// jitteredInterval applies the SweepIntervalJitter randomization:
// base * uniform(1-j, 1+j).
func (s *Sweeper) jitteredInterval() time.Duration {
	j := s.Config.SweepIntervalJitter
	factor := (1 - j) + (2 * j * s.float64())
	return time.Duration(float64(s.Config.SweepInterval) * factor)
}

// Tick runs one sweep pass. It is exported so expire_leases_tick
// callers (the demo CLI, tests) can drive a single pass synchronously
// without the timer loop.
func (s *Sweeper) Tick(ctx context.Context) error {
	now := s.Clock.Now()
	expired, err := s.Store.GetExpiredLeases(ctx, s.InstanceID, now, 100)
	if err != nil {
		return fmt.Errorf("get expired leases: %w", err)
	}

	processed := 0
	for _, lwt := range expired {
		if err := s.sweepOne(ctx, lwt, now); err != nil {
			s.Log.Sugar().Errorw("sweeping one lease failed; continuing",
				"tenant_id", lwt.Lease.TenantID, "lease_id", lwt.Lease.ID, "error", err)
			leaseExpirySweepErrorsTotal.WithLabelValues(lwt.Lease.TenantID).Inc()
			continue
		}
		processed++
		if processed%s.batchSize() == 0 {
			time.Sleep(s.microSleep())
		}
	}

	if processed > 0 {
		s.Log.Sugar().Infow("lease sweep requeued expired leases", "instance_id", s.InstanceID, "count", processed)
	}
	return nil
}

func (s *Sweeper) batchSize() int {
	if s.Config.SweepBatchSize <= 0 {
		return 20
	}
	return s.Config.SweepBatchSize
}

// microSleep is the 10-50ms jittered pause between batches, which
// keeps a large expiry backlog from piling transactions onto the
// storage layer.
func (s *Sweeper) microSleep() time.Duration {
	return time.Duration(10+int(s.float64()*40)) * time.Millisecond
}

// sweepOne processes exactly one expired lease inside its own
// savepoint: skip if the task is missing or
// terminal, requeue without consuming an attempt, release the lease,
// and emit lease.expired.
func (s *Sweeper) sweepOne(ctx context.Context, lwt storage.LeaseWithTask, now time.Time) error {
	tx, err := s.Store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	task, err := tx.GetTask(ctx, lwt.Lease.TenantID, lwt.Lease.TaskID)
	if err != nil {
		// Task missing: nothing to sweep. Not an error in its own
		// right - the lease row is stale and simply dropped.
		return tx.Commit(ctx)
	}
	if task.Status.IsTerminal() {
		return tx.Commit(ctx)
	}

	const sp = "sweep_sp"
	if err := tx.Savepoint(ctx, sp); err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}

	jitter := time.Duration(s.float64() * float64(s.Config.ExpiryRequeueJitterMax))
	updated, err := tx.RequeueOnExpiry(ctx, lwt.Lease.TenantID, task.ID, now.Add(jitter))
	if err != nil {
		tx.RollbackToSavepoint(ctx, sp)
		return fmt.Errorf("requeue on expiry: %w", err)
	}
	if err := tx.ReleaseLease(ctx, lwt.Lease.TenantID, lwt.Lease.ID); err != nil {
		tx.RollbackToSavepoint(ctx, sp)
		return fmt.Errorf("release lease: %w", err)
	}

	assigned, err := tx.GetReceiptByTaskAndType(ctx, lwt.Lease.TenantID, task.ID, domain.ReceiptTaskAssigned)
	if err != nil {
		tx.RollbackToSavepoint(ctx, sp)
		return fmt.Errorf("fetch task.assigned receipt: %w", err)
	}

	_, err = s.Ledger.Emit(ctx, tx, ledger.EmitInput{
		TenantID: lwt.Lease.TenantID,
		Type:     domain.ReceiptLeaseExpired,
		From:     principal.Service,
		To:       updated.Owner,
		TaskID:   updated.ID,
		LeaseID:  lwt.Lease.ID,
		Parents:  []string{assigned.ID},
		Body: map[string]any{
			"previous_worker_id": lwt.Lease.WorkerID,
			"attempt":            updated.Attempt,
			"requeued":           true,
		},
	})
	if err != nil {
		tx.RollbackToSavepoint(ctx, sp)
		return fmt.Errorf("emit lease.expired: %w", err)
	}
	leaseExpiryRequeuedTotal.WithLabelValues(lwt.Lease.TenantID).Inc()

	// Escalation is policy, not state: the receipt flags the lost
	// authority to a target principal but never discharges anything.
	if class := updated.EscalationClass(); class != "" {
		target := updated.EscalationTarget()
		if target == "" {
			target = s.Config.EscalationTarget
		}
		if target != "" {
			_, err = s.Ledger.Emit(ctx, tx, ledger.EmitInput{
				TenantID: lwt.Lease.TenantID,
				Type:     domain.ReceiptTaskEscalated,
				From:     principal.Service,
				To:       principal.Principal{Kind: principal.KindHuman, ID: target},
				TaskID:   updated.ID,
				Parents:  []string{assigned.ID},
				Body: map[string]any{
					"escalation_class":       class,
					"escalation_reason":      "lease expired without completion",
					"escalation_to":          target,
					"expected_outcome_kind":  updated.ExpectedOutcomeKind,
					"expected_artifact_mime": updated.ExpectedArtifactMIME,
				},
			})
			if err != nil {
				tx.RollbackToSavepoint(ctx, sp)
				return fmt.Errorf("emit task.escalated: %w", err)
			}
		}
	}

	if err := tx.ReleaseSavepoint(ctx, sp); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return tx.Commit(ctx)
}
