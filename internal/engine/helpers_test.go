/*
Copyright (c) 2026 asyncgate
SPDX-License-Identifier: MIT
*/

package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/asyncgate/asyncgate/internal/config"
	"github.com/asyncgate/asyncgate/internal/domain"
	"github.com/asyncgate/asyncgate/internal/ledger"
	"github.com/asyncgate/asyncgate/internal/ports/fakeclock"
	"github.com/asyncgate/asyncgate/internal/principal"
	"github.com/asyncgate/asyncgate/internal/storage/memstore"
)

const testTenant = "t1"

const testInstance = "inst-test-1"

var (
	agentA1 = principal.Principal{Kind: principal.KindAgent, ID: "A1"}
	agentA2 = principal.Principal{Kind: principal.KindAgent, ID: "A2"}
)

type testRig struct {
	eng   *Engine
	store *memstore.MemStore
	clock *fakeclock.Clock
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	clock := fakeclock.New(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	idgen := fakeclock.NewSeqIDGen("id")
	store := memstore.New()
	cfg := config.Defaults()
	led := ledger.New(clock, idgen, ledger.Limits{
		BodyCapBytes: cfg.ReceiptBodyCapBytes,
		ParentsCap:   cfg.ParentsCap,
		ArtifactsCap: cfg.ArtifactsCap,
	}, nil)
	eng := New(store, led, clock, idgen, cfg, nil, testInstance)
	return &testRig{eng: eng, store: store, clock: clock}
}

// createDemoTask posts a t.demo task for agent A1 and returns its id.
func (r *testRig) createDemoTask(t *testing.T, opts ...func(*CreateTaskInput)) string {
	t.Helper()
	in := CreateTaskInput{
		TenantID:    testTenant,
		Type:        "t.demo",
		Payload:     map[string]any{"k": 1},
		CreatedBy:   agentA1,
		PrincipalAI: "A1",
	}
	for _, o := range opts {
		o(&in)
	}
	res, err := r.eng.CreateTask(context.Background(), in)
	require.NoError(t, err)
	return res.TaskID
}

// claimOne leases the next task for a worker and requires exactly one.
func (r *testRig) claimOne(t *testing.T, workerID string) ClaimedLease {
	t.Helper()
	leases, err := r.eng.ClaimTasks(context.Background(), ClaimTasksInput{
		TenantID:     testTenant,
		WorkerID:     workerID,
		Capabilities: []string{"demo"},
		AcceptTypes:  []string{"t.demo"},
		MaxTasks:     1,
	})
	require.NoError(t, err)
	require.Len(t, leases, 1)
	return leases[0]
}

// receiptTypes returns the types of every receipt recorded for a
// task, in created_at order.
func (r *testRig) receiptTypes(t *testing.T, taskID string) []domain.ReceiptType {
	t.Helper()
	receipts, err := r.store.ListReceiptsByTask(context.Background(), testTenant, taskID)
	require.NoError(t, err)
	out := make([]domain.ReceiptType, len(receipts))
	for i, rc := range receipts {
		out[i] = rc.Type
	}
	return out
}

func (r *testRig) getTask(t *testing.T, taskID string) *domain.Task {
	t.Helper()
	task, err := r.store.GetTask(context.Background(), testTenant, taskID)
	require.NoError(t, err)
	return task
}
