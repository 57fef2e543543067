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
)

// TestHappyPath walks the full agent/worker round trip: create, claim,
// start, complete with an artifact, then verify the receipt chain and
// an empty bootstrap.
func TestHappyPath(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	taskID := rig.createDemoTask(t)
	rig.clock.Advance(time.Second)

	lease := rig.claimOne(t, "W1")
	rig.clock.Advance(time.Second)

	_, err := rig.eng.ReportProgress(ctx, ReportProgressInput{
		TenantID: testTenant, LeaseID: lease.LeaseID, WorkerID: "W1", Message: "starting",
	})
	require.NoError(t, err)
	rig.clock.Advance(time.Second)

	res, err := rig.eng.Complete(ctx, CompleteInput{
		TenantID: testTenant, LeaseID: lease.LeaseID, WorkerID: "W1",
		ResultSummary: "done",
		Artifacts:     []domain.Artifact{{Type: "s3", URI: "s3://b/k"}},
	})
	require.NoError(t, err)
	require.False(t, res.Anomaly)
	require.Equal(t, domain.TaskSucceeded, res.Task.Status)

	types := rig.receiptTypes(t, taskID)
	require.Equal(t, []domain.ReceiptType{
		domain.ReceiptTaskAssigned,
		domain.ReceiptTaskAccepted,
		domain.ReceiptTaskStarted,
		domain.ReceiptTaskProgress,
	}, types[:4])
	require.ElementsMatch(t, []domain.ReceiptType{
		domain.ReceiptTaskCompleted,
		domain.ReceiptTaskResultReady,
	}, types[4:], "both terminal receipts share one timestamp")

	// Lease gone, bootstrap empty.
	_, err = rig.store.GetLease(ctx, testTenant, lease.LeaseID)
	require.Error(t, err)

	open, _, err := rig.eng.ListOpenObligations(ctx, ListOpenObligationsInput{
		TenantID: testTenant, To: agentA1,
	})
	require.NoError(t, err)
	require.Empty(t, open, "the completed obligation is discharged")
}

func TestCompleteTerminatorCitesAssigned(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	taskID := rig.createDemoTask(t)
	rig.clock.Advance(time.Second)
	lease := rig.claimOne(t, "W1")
	rig.clock.Advance(time.Second)

	_, err := rig.eng.Complete(ctx, CompleteInput{
		TenantID: testTenant, LeaseID: lease.LeaseID, WorkerID: "W1",
		ResultSummary: "done",
		DeliveryProof: map[string]any{"channel": "webhook", "delivered": true},
	})
	require.NoError(t, err)

	receipts, err := rig.store.ListReceiptsByTask(ctx, testTenant, taskID)
	require.NoError(t, err)
	var assignedID string
	for _, r := range receipts {
		if r.Type == domain.ReceiptTaskAssigned {
			assignedID = r.ID
		}
	}
	for _, r := range receipts {
		if r.Type == domain.ReceiptTaskCompleted || r.Type == domain.ReceiptTaskResultReady {
			require.Equal(t, []string{assignedID}, r.Parents)
		}
	}
}

func TestCompleteWithoutEvidenceLeavesObligationOpen(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.createDemoTask(t)
	rig.clock.Advance(time.Second)
	lease := rig.claimOne(t, "W1")
	rig.clock.Advance(time.Second)

	res, err := rig.eng.Complete(ctx, CompleteInput{
		TenantID: testTenant, LeaseID: lease.LeaseID, WorkerID: "W1",
		ResultSummary: "done, no evidence",
	})
	require.NoError(t, err)
	require.True(t, res.Anomaly)
	require.Equal(t, domain.TaskSucceeded, res.Task.Status)

	open, _, err := rig.eng.ListOpenObligations(ctx, ListOpenObligationsInput{
		TenantID: testTenant, To: agentA1,
	})
	require.NoError(t, err)
	require.Len(t, open, 1, "success without locatable evidence does not discharge")
}

func TestCompleteAfterLeaseExpiryFails(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.createDemoTask(t)
	rig.clock.Advance(time.Second)
	lease := rig.claimOne(t, "W1")

	rig.clock.Advance(rig.eng.Config.DefaultLeaseTTL + time.Second)

	_, err := rig.eng.Complete(ctx, CompleteInput{
		TenantID: testTenant, LeaseID: lease.LeaseID, WorkerID: "W1",
		ResultSummary: "too late",
		Artifacts:     []domain.Artifact{{Type: "s3", URI: "s3://b/k"}},
	})
	var lie *engineerr.LeaseInvalidOrExpired
	require.ErrorAs(t, err, &lie)
}

func TestCompleteWrongWorkerFails(t *testing.T) {
	rig := newTestRig(t)
	rig.createDemoTask(t)
	rig.clock.Advance(time.Second)
	lease := rig.claimOne(t, "W1")

	_, err := rig.eng.Complete(context.Background(), CompleteInput{
		TenantID: testTenant, LeaseID: lease.LeaseID, WorkerID: "W2",
		ResultSummary: "not mine",
	})
	var lie *engineerr.LeaseInvalidOrExpired
	require.ErrorAs(t, err, &lie)
}
