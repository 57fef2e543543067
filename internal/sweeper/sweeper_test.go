/*
Copyright (c) 2026 asyncgate
SPDX-License-Identifier: MIT
*/

package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/asyncgate/asyncgate/internal/config"
	"github.com/asyncgate/asyncgate/internal/domain"
	"github.com/asyncgate/asyncgate/internal/engine"
	"github.com/asyncgate/asyncgate/internal/ledger"
	"github.com/asyncgate/asyncgate/internal/ports/fakeclock"
	"github.com/asyncgate/asyncgate/internal/principal"
	"github.com/asyncgate/asyncgate/internal/storage/memstore"
)

const (
	tenant    = "t1"
	instanceA = "inst-a"
	instanceB = "inst-b"
)

var agentA1 = principal.Principal{Kind: principal.KindAgent, ID: "A1"}

type rig struct {
	store *memstore.MemStore
	clock *fakeclock.Clock
	eng   *engine.Engine
	sw    *Sweeper
}

func newRig(t *testing.T, sweepInstance string) *rig {
	t.Helper()
	clock := fakeclock.New(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	idgen := fakeclock.NewSeqIDGen("id")
	store := memstore.New()
	cfg := config.Defaults()
	cfg.ExpiryRequeueJitterMax = 0 // deterministic eligibility in tests
	led := ledger.New(clock, idgen, ledger.Limits{
		BodyCapBytes: cfg.ReceiptBodyCapBytes,
		ParentsCap:   cfg.ParentsCap,
		ArtifactsCap: cfg.ArtifactsCap,
	}, nil)
	return &rig{
		store: store,
		clock: clock,
		eng:   engine.New(store, led, clock, idgen, cfg, nil, instanceA),
		sw:    New(store, led, clock, cfg, nil, sweepInstance),
	}
}

// createAndClaim posts a t.demo task and leases it to workerID with a
// one-second TTL.
func (r *rig) createAndClaim(t *testing.T, workerID string, opts ...func(*engine.CreateTaskInput)) (taskID, leaseID string) {
	t.Helper()
	ctx := context.Background()
	in := engine.CreateTaskInput{
		TenantID:    tenant,
		Type:        "t.demo",
		Payload:     map[string]any{"k": 1},
		CreatedBy:   agentA1,
		PrincipalAI: "A1",
	}
	for _, o := range opts {
		o(&in)
	}
	res, err := r.eng.CreateTask(ctx, in)
	require.NoError(t, err)
	r.clock.Advance(100 * time.Millisecond)

	leases, err := r.eng.ClaimTasks(ctx, engine.ClaimTasksInput{
		TenantID: tenant, WorkerID: workerID,
		AcceptTypes: []string{"t.demo"}, MaxTasks: 1,
		LeaseTTL: time.Second,
	})
	require.NoError(t, err)
	require.Len(t, leases, 1)
	return res.TaskID, leases[0].LeaseID
}

func receiptTypes(t *testing.T, store *memstore.MemStore, taskID string) []domain.ReceiptType {
	t.Helper()
	receipts, err := store.ListReceiptsByTask(context.Background(), tenant, taskID)
	require.NoError(t, err)
	out := make([]domain.ReceiptType, len(receipts))
	for i, rc := range receipts {
		out[i] = rc.Type
	}
	return out
}

// TestLostAuthorityRequeue is the lost-authority scenario: the lease
// expires, the sweeper requeues without consuming an attempt, and a
// second worker picks the task up.
func TestLostAuthorityRequeue(t *testing.T) {
	r := newRig(t, instanceA)
	ctx := context.Background()

	taskID, leaseID := r.createAndClaim(t, "W1")
	r.clock.Advance(2 * time.Second)

	require.NoError(t, r.sw.Tick(ctx))

	_, err := r.store.GetLease(ctx, tenant, leaseID)
	require.Error(t, err, "expired lease row is removed")

	task, err := r.store.GetTask(ctx, tenant, taskID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskQueued, task.Status)
	require.Equal(t, 0, task.Attempt, "lost authority is not a retry")
	require.Nil(t, task.StartedAt)

	types := receiptTypes(t, r.store, taskID)
	require.Contains(t, types, domain.ReceiptLeaseExpired)
	require.NotContains(t, types, domain.ReceiptTaskResultReady, "the task is not terminal")

	// The lease.expired receipt cites the task.assigned obligation and
	// records who lost authority.
	receipts, err := r.store.ListReceiptsByTask(ctx, tenant, taskID)
	require.NoError(t, err)
	var assignedID string
	for _, rc := range receipts {
		if rc.Type == domain.ReceiptTaskAssigned {
			assignedID = rc.ID
		}
	}
	for _, rc := range receipts {
		if rc.Type == domain.ReceiptLeaseExpired {
			require.Equal(t, []string{assignedID}, rc.Parents)
			require.Equal(t, "W1", rc.Body["previous_worker_id"])
			require.Equal(t, true, rc.Body["requeued"])
		}
	}

	// A new worker can claim immediately (jitter disabled in tests).
	r.clock.Advance(time.Second)
	leases, err := r.eng.ClaimTasks(ctx, engine.ClaimTasksInput{
		TenantID: tenant, WorkerID: "W2",
		AcceptTypes: []string{"t.demo"}, MaxTasks: 1,
	})
	require.NoError(t, err)
	require.Len(t, leases, 1)
	require.Equal(t, taskID, leases[0].TaskID)
}

// TestSweepInstanceIsolation: a sweeper only touches tasks its own
// instance created.
func TestSweepInstanceIsolation(t *testing.T) {
	r := newRig(t, instanceB) // sweeping as B; tasks are created by A
	ctx := context.Background()

	taskID, leaseID := r.createAndClaim(t, "W1")
	r.clock.Advance(2 * time.Second)

	require.NoError(t, r.sw.Tick(ctx))

	_, err := r.store.GetLease(ctx, tenant, leaseID)
	require.NoError(t, err, "foreign instance's lease is untouched")
	task, err := r.store.GetTask(ctx, tenant, taskID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskLeased, task.Status)
}

func TestSweepSkipsTerminalTask(t *testing.T) {
	r := newRig(t, instanceA)
	ctx := context.Background()

	taskID, _ := r.createAndClaim(t, "W1")

	// Force the task terminal out-of-band while its lease still exists.
	_, err := r.store.UpdateTaskStatus(ctx, tenant, taskID, domain.TaskCanceled,
		&domain.TaskResult{Outcome: "canceled", CompletedAt: r.clock.Now()}, nil)
	require.NoError(t, err)

	r.clock.Advance(2 * time.Second)
	require.NoError(t, r.sw.Tick(ctx))

	task, err := r.store.GetTask(ctx, tenant, taskID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskCanceled, task.Status, "terminal tasks are never requeued")
	require.NotContains(t, receiptTypes(t, r.store, taskID), domain.ReceiptLeaseExpired)
}

func TestSweepDoesNotTouchLiveLeases(t *testing.T) {
	r := newRig(t, instanceA)
	ctx := context.Background()

	taskID, leaseID := r.createAndClaim(t, "W1")
	// Half the TTL: the lease is still live.
	r.clock.Advance(500 * time.Millisecond)

	require.NoError(t, r.sw.Tick(ctx))

	_, err := r.store.GetLease(ctx, tenant, leaseID)
	require.NoError(t, err)
	task, err := r.store.GetTask(ctx, tenant, taskID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskLeased, task.Status)
}

func TestSweepEmitsEscalation(t *testing.T) {
	r := newRig(t, instanceA)
	ctx := context.Background()

	taskID, _ := r.createAndClaim(t, "W1", func(in *engine.CreateTaskInput) {
		in.Requirements = map[string]any{
			"escalation": map[string]any{"class": "ops", "to": "oncall"},
		}
	})
	r.clock.Advance(2 * time.Second)

	require.NoError(t, r.sw.Tick(ctx))

	receipts, err := r.store.ListReceiptsByTask(ctx, tenant, taskID)
	require.NoError(t, err)
	var escalated *domain.Receipt
	for _, rc := range receipts {
		if rc.Type == domain.ReceiptTaskEscalated {
			escalated = rc
		}
	}
	require.NotNil(t, escalated)
	require.Equal(t, "oncall", escalated.To.ID)
	require.Equal(t, "ops", escalated.Body["escalation_class"])

	// Escalation never discharges: the obligation is still open.
	open, _, err := r.eng.ListOpenObligations(ctx, engine.ListOpenObligationsInput{
		TenantID: tenant, To: agentA1,
	})
	require.NoError(t, err)
	require.Len(t, open, 1)
}

func TestJitteredIntervalBounds(t *testing.T) {
	r := newRig(t, instanceA)
	base := r.sw.Config.SweepInterval
	j := r.sw.Config.SweepIntervalJitter
	for i := 0; i < 100; i++ {
		d := r.sw.jitteredInterval()
		require.GreaterOrEqual(t, d, time.Duration(float64(base)*(1-j)))
		require.LessOrEqual(t, d, time.Duration(float64(base)*(1+j)))
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	r := newRig(t, instanceA)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		r.sw.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("sweeper did not stop on context cancellation")
	}
}
