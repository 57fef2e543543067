/*
Copyright (c) 2026 asyncgate
SPDX-License-Identifier: MIT
*/

package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/asyncgate/asyncgate/internal/domain"
	"github.com/asyncgate/asyncgate/internal/engineerr"
	"github.com/asyncgate/asyncgate/internal/principal"
)

func TestCreateTaskEmitsAssignedObligation(t *testing.T) {
	rig := newTestRig(t)
	taskID := rig.createDemoTask(t)

	task := rig.getTask(t, taskID)
	require.Equal(t, domain.TaskQueued, task.Status)
	require.Equal(t, 0, task.Attempt)
	require.Equal(t, testInstance, task.OwningInstance)
	require.Equal(t, agentA1, task.Owner)

	types := rig.receiptTypes(t, taskID)
	require.Equal(t, []domain.ReceiptType{domain.ReceiptTaskAssigned}, types)
}

func TestCreateTaskIdempotencyKeyReturnsExisting(t *testing.T) {
	rig := newTestRig(t)
	withKey := func(in *CreateTaskInput) { in.IdempotencyKey = "k1" }

	first := rig.createDemoTask(t, withKey)
	second := rig.createDemoTask(t, withKey)

	require.Equal(t, first, second, "same idempotency key must return the same task id")
	types := rig.receiptTypes(t, first)
	require.Equal(t, []domain.ReceiptType{domain.ReceiptTaskAssigned}, types,
		"a deduplicated create must not mint a second task.assigned")
}

func TestCreateTaskRejectsInternalPrefixFromExternalCaller(t *testing.T) {
	rig := newTestRig(t)
	_, err := rig.eng.CreateTask(context.Background(), CreateTaskInput{
		TenantID:    testTenant,
		Type:        "t.demo",
		CreatedBy:   principal.Principal{Kind: principal.KindService, ID: "svc:rogue"},
		PrincipalAI: "A1",
	})
	var unauthorized *engineerr.Unauthorized
	require.ErrorAs(t, err, &unauthorized)
}

func TestCreateTaskSystemCreatorResolvesSystemOwner(t *testing.T) {
	rig := newTestRig(t)
	res, err := rig.eng.CreateTask(context.Background(), CreateTaskInput{
		TenantID:         testTenant,
		Type:             "t.demo",
		CreatedBy:        principal.Principal{Kind: principal.KindSystem, ID: principal.SystemID},
		PrincipalAI:      "sys",
		CallerIsInternal: true,
	})
	require.NoError(t, err)

	task := rig.getTask(t, res.TaskID)
	require.Equal(t, principal.System, task.Owner)

	receipts, err := rig.store.ListReceiptsByTask(context.Background(), testTenant, res.TaskID)
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	require.Equal(t, principal.System, receipts[0].To, "task.assigned is addressed to the resolved owner")
}

func TestCreateTaskNormalizesExternalPrefix(t *testing.T) {
	rig := newTestRig(t)
	res, err := rig.eng.CreateTask(context.Background(), CreateTaskInput{
		TenantID:    testTenant,
		Type:        "t.demo",
		CreatedBy:   principal.Principal{Kind: principal.KindAgent, ID: "ext:A9"},
		PrincipalAI: "A9",
	})
	require.NoError(t, err)

	task := rig.getTask(t, res.TaskID)
	require.Equal(t, "A9", task.Owner.ID, "the ext: marker is stripped once at create")
}
