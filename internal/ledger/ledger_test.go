/*
Copyright (c) 2026 asyncgate
SPDX-License-Identifier: MIT
*/

package ledger

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/asyncgate/asyncgate/internal/domain"
	"github.com/asyncgate/asyncgate/internal/engineerr"
	"github.com/asyncgate/asyncgate/internal/ports/fakeclock"
	"github.com/asyncgate/asyncgate/internal/principal"
	"github.com/asyncgate/asyncgate/internal/storage/memstore"
)

const tenant = "t1"

var (
	agentA1 = principal.Principal{Kind: principal.KindAgent, ID: "A1"}
	workerW = principal.Principal{Kind: principal.KindWorker, ID: "W1"}
)

func newTestLedger(t *testing.T) (*Ledger, *memstore.MemStore, *fakeclock.Clock) {
	t.Helper()
	clock := fakeclock.New(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	led := New(clock, fakeclock.NewSeqIDGen("r"), Limits{
		BodyCapBytes: 64 * 1024,
		ParentsCap:   10,
		ArtifactsCap: 100,
	}, nil)
	return led, memstore.New(), clock
}

func emitAssigned(t *testing.T, led *Ledger, store *memstore.MemStore, to principal.Principal, taskID string) *domain.Receipt {
	t.Helper()
	res, err := led.Emit(context.Background(), store, EmitInput{
		TenantID: tenant,
		Type:     domain.ReceiptTaskAssigned,
		From:     principal.Service,
		To:       to,
		TaskID:   taskID,
		Body:     map[string]any{"instructions": map[string]any{"task": taskID}},
	})
	require.NoError(t, err)
	require.False(t, res.Existed)
	return res.Receipt
}

func TestEmitIsIdempotentByHash(t *testing.T) {
	led, store, _ := newTestLedger(t)
	ctx := context.Background()

	in := EmitInput{
		TenantID: tenant,
		Type:     domain.ReceiptTaskProgress,
		From:     workerW,
		To:       agentA1,
		TaskID:   "task-1",
		Body:     map[string]any{"message": "halfway"},
	}
	first, err := led.Emit(ctx, store, in)
	require.NoError(t, err)
	require.False(t, first.Existed)

	second, err := led.Emit(ctx, store, in)
	require.NoError(t, err)
	require.True(t, second.Existed)
	require.Equal(t, first.Receipt.ID, second.Receipt.ID)
	require.Equal(t, first.Receipt.Hash, second.Receipt.Hash)
}

func TestEmitHashSensitiveToParents(t *testing.T) {
	led, store, _ := newTestLedger(t)
	ctx := context.Background()

	p1 := emitAssigned(t, led, store, agentA1, "task-1")
	p2 := emitAssigned(t, led, store, agentA1, "task-2")

	body := map[string]any{
		"result_summary": "ok",
		"artifacts":      []any{map[string]any{"type": "t", "uri": "u"}},
	}
	first, err := led.Emit(ctx, store, EmitInput{
		TenantID: tenant, Type: domain.ReceiptTaskCompleted,
		From: workerW, To: agentA1, TaskID: "task-1",
		Parents: []string{p1.ID}, Body: body,
	})
	require.NoError(t, err)
	second, err := led.Emit(ctx, store, EmitInput{
		TenantID: tenant, Type: domain.ReceiptTaskCompleted,
		From: workerW, To: agentA1, TaskID: "task-1",
		Parents: []string{p2.ID}, Body: body,
	})
	require.NoError(t, err)

	require.False(t, second.Existed, "identical bodies with different parents must be distinct receipts")
	require.NotEqual(t, first.Receipt.Hash, second.Receipt.Hash)
	require.NotEqual(t, first.Receipt.ID, second.Receipt.ID)
}

func TestEmitParentOrderIndependent(t *testing.T) {
	led, store, _ := newTestLedger(t)
	ctx := context.Background()

	p1 := emitAssigned(t, led, store, agentA1, "task-1")
	p2 := emitAssigned(t, led, store, agentA1, "task-2")

	first, err := led.Emit(ctx, store, EmitInput{
		TenantID: tenant, Type: domain.ReceiptTaskCompleted,
		From: workerW, To: agentA1, TaskID: "task-1",
		Parents: []string{p1.ID, p2.ID},
		Body:    map[string]any{"result_summary": "ok", "delivery_proof": map[string]any{"sent": true}},
	})
	require.NoError(t, err)
	second, err := led.Emit(ctx, store, EmitInput{
		TenantID: tenant, Type: domain.ReceiptTaskCompleted,
		From: workerW, To: agentA1, TaskID: "task-1",
		Parents: []string{p2.ID, p1.ID},
		Body:    map[string]any{"result_summary": "ok", "delivery_proof": map[string]any{"sent": true}},
	})
	require.NoError(t, err)
	require.True(t, second.Existed, "permuted parents must deduplicate into one receipt")
	require.Equal(t, first.Receipt.ID, second.Receipt.ID)
}

func TestEmitTerminatorRequiresParents(t *testing.T) {
	led, store, _ := newTestLedger(t)
	_, err := led.Emit(context.Background(), store, EmitInput{
		TenantID: tenant, Type: domain.ReceiptTaskFailed,
		From: workerW, To: agentA1, TaskID: "task-1",
		Body: map[string]any{"error": map[string]any{"msg": "x"}},
	})
	var iv *engineerr.IntegrityViolation
	require.ErrorAs(t, err, &iv)
}

func TestEmitTerminatorParentMustExistInTenant(t *testing.T) {
	led, store, _ := newTestLedger(t)
	_, err := led.Emit(context.Background(), store, EmitInput{
		TenantID: tenant, Type: domain.ReceiptTaskCanceled,
		From: agentA1, To: agentA1, TaskID: "task-1",
		Parents: []string{"no-such-receipt"},
	})
	var iv *engineerr.IntegrityViolation
	require.ErrorAs(t, err, &iv)
}

func TestEmitCompletedWithoutEvidenceIsAnomaly(t *testing.T) {
	led, store, _ := newTestLedger(t)
	p1 := emitAssigned(t, led, store, agentA1, "task-1")

	res, err := led.Emit(context.Background(), store, EmitInput{
		TenantID: tenant, Type: domain.ReceiptTaskCompleted,
		From: workerW, To: agentA1, TaskID: "task-1",
		Parents: []string{p1.ID},
		Body:    map[string]any{"result_summary": "done, trust me"},
	})
	require.NoError(t, err)
	require.True(t, res.Anomaly)
	require.Empty(t, res.Receipt.Parents, "anomalous success is stored with parents=[]")

	// The obligation stays open.
	has, err := led.HasTerminator(context.Background(), store, tenant, p1.ID)
	require.NoError(t, err)
	require.False(t, has)
}

func TestEmitBodyCap(t *testing.T) {
	led, store, _ := newTestLedger(t)
	led.Limits.BodyCapBytes = 128

	pad := strings.Repeat("x", 200)
	_, err := led.Emit(context.Background(), store, EmitInput{
		TenantID: tenant, Type: domain.ReceiptTaskProgress,
		From: workerW, To: agentA1, TaskID: "task-1",
		Body: map[string]any{"pad": pad},
	})
	var iv *engineerr.IntegrityViolation
	require.ErrorAs(t, err, &iv)
}

func TestEmitParentsCap(t *testing.T) {
	led, store, _ := newTestLedger(t)

	var parents []string
	for i := 0; i < 11; i++ {
		r := emitAssigned(t, led, store, agentA1, "task-"+strings.Repeat("i", i+1))
		parents = append(parents, r.ID)
	}
	_, err := led.Emit(context.Background(), store, EmitInput{
		TenantID: tenant, Type: domain.ReceiptTaskCompleted,
		From: workerW, To: agentA1, TaskID: "task-1",
		Parents: parents,
		Body:    map[string]any{"delivery_proof": map[string]any{"sent": true}},
	})
	var iv *engineerr.IntegrityViolation
	require.ErrorAs(t, err, &iv)
}

func TestEmitArtifactsCap(t *testing.T) {
	led, store, _ := newTestLedger(t)
	p1 := emitAssigned(t, led, store, agentA1, "task-1")

	artifacts := make([]any, 101)
	for i := range artifacts {
		artifacts[i] = map[string]any{"type": "t", "uri": "u"}
	}
	_, err := led.Emit(context.Background(), store, EmitInput{
		TenantID: tenant, Type: domain.ReceiptTaskCompleted,
		From: workerW, To: agentA1, TaskID: "task-1",
		Parents: []string{p1.ID},
		Body:    map[string]any{"artifacts": artifacts},
	})
	var iv *engineerr.IntegrityViolation
	require.ErrorAs(t, err, &iv)
}

func TestListOpenObligations(t *testing.T) {
	led, store, clock := newTestLedger(t)
	ctx := context.Background()

	a1 := emitAssigned(t, led, store, agentA1, "task-1")
	clock.Advance(time.Second)
	a2 := emitAssigned(t, led, store, agentA1, "task-2")
	clock.Advance(time.Second)
	a3 := emitAssigned(t, led, store, agentA1, "task-3")
	clock.Advance(time.Second)

	// Close the second obligation.
	_, err := led.Emit(ctx, store, EmitInput{
		TenantID: tenant, Type: domain.ReceiptTaskCompleted,
		From: workerW, To: agentA1, TaskID: "task-2",
		Parents: []string{a2.ID},
		Body:    map[string]any{"delivery_proof": map[string]any{"sent": true}},
	})
	require.NoError(t, err)

	open, cursor, err := led.ListOpenObligations(ctx, store, tenant, "agent", "A1", "", 50)
	require.NoError(t, err)
	require.Empty(t, cursor)
	ids := []string{}
	for _, r := range open {
		ids = append(ids, r.ID)
	}
	require.Equal(t, []string{a1.ID, a3.ID}, ids, "only unterminated obligations, oldest first")
}

func TestListOpenObligationsPaginatesAcrossEqualTimestamps(t *testing.T) {
	led, store, _ := newTestLedger(t)
	ctx := context.Background()

	// Five obligations minted in the same instant: the cursor's
	// receipt_id tiebreak is all that separates the pages.
	want := map[string]bool{}
	for i := 0; i < 5; i++ {
		r := emitAssigned(t, led, store, agentA1, fmt.Sprintf("task-%d", i))
		want[r.ID] = true
	}

	got := map[string]bool{}
	since := ""
	for pages := 0; ; pages++ {
		require.Less(t, pages, 10, "pagination must terminate")
		open, next, err := led.ListOpenObligations(ctx, store, tenant, "agent", "A1", since, 2)
		require.NoError(t, err)
		for _, r := range open {
			require.False(t, got[r.ID], "no obligation repeats across pages")
			got[r.ID] = true
		}
		if next == "" {
			break
		}
		since = next
	}
	require.Equal(t, want, got, "every open obligation is reachable across pages")
}

func TestListOpenObligationsEmpty(t *testing.T) {
	led, store, _ := newTestLedger(t)
	open, cursor, err := led.ListOpenObligations(context.Background(), store, tenant, "agent", "nobody", "", 50)
	require.NoError(t, err)
	require.Empty(t, open)
	require.Empty(t, cursor)
}

func TestTerminatorHelpers(t *testing.T) {
	led, store, clock := newTestLedger(t)
	ctx := context.Background()

	a1 := emitAssigned(t, led, store, agentA1, "task-1")

	first, err := led.Emit(ctx, store, EmitInput{
		TenantID: tenant, Type: domain.ReceiptTaskFailed,
		From: workerW, To: agentA1, TaskID: "task-1",
		Parents: []string{a1.ID},
		Body:    map[string]any{"error": map[string]any{"msg": "boom"}},
	})
	require.NoError(t, err)
	clock.Advance(time.Second)
	second, err := led.Emit(ctx, store, EmitInput{
		TenantID: tenant, Type: domain.ReceiptTaskFailed,
		From: workerW, To: agentA1, TaskID: "task-1",
		Parents: []string{a1.ID},
		Body:    map[string]any{"error": map[string]any{"msg": "boom again"}},
	})
	require.NoError(t, err)

	has, err := led.HasTerminator(ctx, store, tenant, a1.ID)
	require.NoError(t, err)
	require.True(t, has)

	terms, err := led.GetTerminators(ctx, store, tenant, a1.ID)
	require.NoError(t, err)
	require.Len(t, terms, 2)

	// Multiple terminators are allowed; latest wins as the canonical one.
	latest, err := led.LatestTerminator(ctx, store, tenant, a1.ID)
	require.NoError(t, err)
	require.Equal(t, second.Receipt.ID, latest.ID)
	_ = first
}
