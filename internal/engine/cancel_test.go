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

	"github.com/asyncgate/asyncgate/internal/domain"
	"github.com/asyncgate/asyncgate/internal/engineerr"
	"github.com/asyncgate/asyncgate/internal/principal"
)

func TestCancelByNonOwnerRejected(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	taskID := rig.createDemoTask(t)

	before := rig.receiptTypes(t, taskID)

	_, err := rig.eng.CancelTask(ctx, CancelTaskInput{
		TenantID: testTenant, TaskID: taskID,
		Caller: agentA2, Reason: "not yours to take",
	})
	var unauthorized *engineerr.Unauthorized
	require.ErrorAs(t, err, &unauthorized)

	require.Equal(t, before, rig.receiptTypes(t, taskID), "a rejected cancel emits nothing")
	require.Equal(t, domain.TaskQueued, rig.getTask(t, taskID).Status)
}

func TestCancelByOwner(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	taskID := rig.createDemoTask(t)
	rig.clock.Advance(time.Second)

	task, err := rig.eng.CancelTask(ctx, CancelTaskInput{
		TenantID: testTenant, TaskID: taskID,
		Caller: agentA1, Reason: "changed my mind",
	})
	require.NoError(t, err)
	require.Equal(t, domain.TaskCanceled, task.Status)

	types := rig.receiptTypes(t, taskID)
	require.Contains(t, types, domain.ReceiptTaskCanceled)
	require.Contains(t, types, domain.ReceiptTaskResultReady)

	open, _, err := rig.eng.ListOpenObligations(ctx, ListOpenObligationsInput{
		TenantID: testTenant, To: agentA1,
	})
	require.NoError(t, err)
	require.Empty(t, open, "cancel discharges the obligation")
}

func TestCancelLeasedTaskReleasesLease(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	taskID := rig.createDemoTask(t)
	rig.clock.Advance(time.Second)
	lease := rig.claimOne(t, "W1")
	rig.clock.Advance(time.Second)

	_, err := rig.eng.CancelTask(ctx, CancelTaskInput{
		TenantID: testTenant, TaskID: taskID,
		Caller: agentA1, Reason: "obsolete",
	})
	require.NoError(t, err)

	_, err = rig.store.GetLease(ctx, testTenant, lease.LeaseID)
	require.Error(t, err, "cancel releases any live lease")
}

func TestCancelTerminalTaskReturnsCurrentStatus(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	taskID := rig.createDemoTask(t)
	rig.clock.Advance(time.Second)
	lease := rig.claimOne(t, "W1")
	_, err := rig.eng.Complete(ctx, CompleteInput{
		TenantID: testTenant, LeaseID: lease.LeaseID, WorkerID: "W1",
		ResultSummary: "done",
		Artifacts:     []domain.Artifact{{Type: "s3", URI: "s3://b/k"}},
	})
	require.NoError(t, err)

	before := rig.receiptTypes(t, taskID)
	task, err := rig.eng.CancelTask(ctx, CancelTaskInput{
		TenantID: testTenant, TaskID: taskID,
		Caller: agentA1, Reason: "too late",
	})
	require.NoError(t, err)
	require.Equal(t, domain.TaskSucceeded, task.Status, "terminal tasks report their status, unchanged")
	require.Equal(t, before, rig.receiptTypes(t, taskID))
}

func TestCancelSystemOwnedRequiresInternal(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	res, err := rig.eng.CreateTask(ctx, CreateTaskInput{
		TenantID:         testTenant,
		Type:             "t.demo",
		CreatedBy:        principal.Principal{Kind: principal.KindSystem, ID: principal.SystemID},
		PrincipalAI:      "sys",
		CallerIsInternal: true,
	})
	require.NoError(t, err)

	_, err = rig.eng.CancelTask(ctx, CancelTaskInput{
		TenantID: testTenant, TaskID: res.TaskID,
		Caller: principal.System, Reason: "external impostor",
	})
	var unauthorized *engineerr.Unauthorized
	require.ErrorAs(t, err, &unauthorized)

	task, err := rig.eng.CancelTask(ctx, CancelTaskInput{
		TenantID: testTenant, TaskID: res.TaskID,
		Caller: principal.System, CallerIsInternal: true, Reason: "sanctioned",
	})
	require.NoError(t, err)
	require.Equal(t, domain.TaskCanceled, task.Status)
}

func TestCancelMissingTask(t *testing.T) {
	rig := newTestRig(t)
	_, err := rig.eng.CancelTask(context.Background(), CancelTaskInput{
		TenantID: testTenant, TaskID: "no-such-task", Caller: agentA1,
	})
	var nf *engineerr.TaskNotFound
	require.ErrorAs(t, err, &nf)
}
