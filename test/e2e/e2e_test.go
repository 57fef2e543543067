//go:build e2e

/*
Copyright (c) 2026 asyncgate
SPDX-License-Identifier: MIT
*/

package e2e

import (
	"context"
	"errors"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/asyncgate/asyncgate/internal/config"
	"github.com/asyncgate/asyncgate/internal/domain"
	"github.com/asyncgate/asyncgate/internal/engine"
	"github.com/asyncgate/asyncgate/internal/engineerr"
	"github.com/asyncgate/asyncgate/internal/ledger"
	"github.com/asyncgate/asyncgate/internal/ports/fakeclock"
	"github.com/asyncgate/asyncgate/internal/ports/uuidgen"
	"github.com/asyncgate/asyncgate/internal/principal"
	"github.com/asyncgate/asyncgate/internal/sweeper"
)

const instanceID = "e2e-inst-1"

var agentA1 = principal.Principal{Kind: principal.KindAgent, ID: "A1"}

// Each spec gets its own tenant so the shared container needs no
// cleanup between specs.
func freshTenant() string {
	return fmt.Sprintf("tenant-%d", GinkgoRandomSeed()) + "-" + fmt.Sprint(GinkgoParallelProcess()) + "-" + uuidgen.New().NewID()
}

func newEngine(clock *fakeclock.Clock) (*engine.Engine, *sweeper.Sweeper) {
	cfg := config.Defaults()
	cfg.ExpiryRequeueJitterMax = 0
	idgen := uuidgen.New()
	led := ledger.New(clock, idgen, ledger.Limits{
		BodyCapBytes: cfg.ReceiptBodyCapBytes,
		ParentsCap:   cfg.ParentsCap,
		ArtifactsCap: cfg.ArtifactsCap,
	}, nil)
	eng := engine.New(store, led, clock, idgen, cfg, nil, instanceID)
	sw := sweeper.New(store, led, clock, cfg, nil, instanceID)
	return eng, sw
}

func createDemo(ctx context.Context, eng *engine.Engine, tenant string, opts ...func(*engine.CreateTaskInput)) string {
	in := engine.CreateTaskInput{
		TenantID:    tenant,
		Type:        "t.demo",
		Payload:     map[string]any{"k": float64(1)},
		CreatedBy:   agentA1,
		PrincipalAI: "A1",
	}
	for _, o := range opts {
		o(&in)
	}
	res, err := eng.CreateTask(ctx, in)
	Expect(err).NotTo(HaveOccurred())
	return res.TaskID
}

func claimDemo(ctx context.Context, eng *engine.Engine, tenant, worker string, ttl time.Duration) engine.ClaimedLease {
	leases, err := eng.ClaimTasks(ctx, engine.ClaimTasksInput{
		TenantID:     tenant,
		WorkerID:     worker,
		Capabilities: []string{"demo"},
		AcceptTypes:  []string{"t.demo"},
		MaxTasks:     1,
		LeaseTTL:     ttl,
	})
	Expect(err).NotTo(HaveOccurred())
	Expect(leases).To(HaveLen(1))
	return leases[0]
}

func typesFor(ctx context.Context, tenant, taskID string) []domain.ReceiptType {
	receipts, err := store.ListReceiptsByTask(ctx, tenant, taskID)
	Expect(err).NotTo(HaveOccurred())
	out := make([]domain.ReceiptType, len(receipts))
	for i, r := range receipts {
		out[i] = r.Type
	}
	return out
}

var _ = Describe("task dispatch", Ordered, func() {
	var (
		ctx   context.Context
		clock *fakeclock.Clock
		eng   *engine.Engine
		sw    *sweeper.Sweeper
	)

	BeforeEach(func() {
		ctx = context.Background()
		clock = fakeclock.New(time.Now().UTC().Truncate(time.Microsecond))
		eng, sw = newEngine(clock)
	})

	It("runs the happy path end to end", func() {
		tenant := freshTenant()
		taskID := createDemo(ctx, eng, tenant)
		clock.Advance(time.Second)

		lease := claimDemo(ctx, eng, tenant, "W1", 0)
		clock.Advance(time.Second)

		_, err := eng.ReportProgress(ctx, engine.ReportProgressInput{
			TenantID: tenant, LeaseID: lease.LeaseID, WorkerID: "W1", Message: "starting",
		})
		Expect(err).NotTo(HaveOccurred())
		clock.Advance(time.Second)

		res, err := eng.Complete(ctx, engine.CompleteInput{
			TenantID: tenant, LeaseID: lease.LeaseID, WorkerID: "W1",
			ResultSummary: "done",
			Artifacts:     []domain.Artifact{{Type: "s3", URI: "s3://b/k"}},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Anomaly).To(BeFalse())

		types := typesFor(ctx, tenant, taskID)
		Expect(types[:4]).To(Equal([]domain.ReceiptType{
			domain.ReceiptTaskAssigned,
			domain.ReceiptTaskAccepted,
			domain.ReceiptTaskStarted,
			domain.ReceiptTaskProgress,
		}))
		Expect(types[4:]).To(ConsistOf(
			domain.ReceiptTaskCompleted,
			domain.ReceiptTaskResultReady,
		))

		open, _, err := eng.ListOpenObligations(ctx, engine.ListOpenObligationsInput{
			TenantID: tenant, To: agentA1,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(open).To(BeEmpty())
	})

	It("requeues a lost-authority lease without consuming an attempt", func() {
		tenant := freshTenant()
		taskID := createDemo(ctx, eng, tenant)
		clock.Advance(time.Second)

		claimDemo(ctx, eng, tenant, "W1", time.Second)
		clock.Advance(2 * time.Second)

		Expect(sw.Tick(ctx)).To(Succeed())

		task, err := store.GetTask(ctx, tenant, taskID)
		Expect(err).NotTo(HaveOccurred())
		Expect(task.Status).To(Equal(domain.TaskQueued))
		Expect(task.Attempt).To(Equal(0))

		types := typesFor(ctx, tenant, taskID)
		Expect(types).To(ContainElement(domain.ReceiptLeaseExpired))
		Expect(types).NotTo(ContainElement(domain.ReceiptTaskResultReady))

		clock.Advance(time.Second)
		lease := claimDemo(ctx, eng, tenant, "W2", 0)
		Expect(lease.TaskID).To(Equal(taskID))
	})

	It("consumes attempts on retry and terminates at max_attempts", func() {
		tenant := freshTenant()
		taskID := createDemo(ctx, eng, tenant) // max_attempts defaults to 2
		clock.Advance(time.Second)

		lease := claimDemo(ctx, eng, tenant, "W1", 0)
		res, err := eng.Fail(ctx, engine.FailInput{
			TenantID: tenant, LeaseID: lease.LeaseID, WorkerID: "W1",
			Retryable: true, Error: map[string]any{"msg": "x"},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Requeued).To(BeTrue())

		task, err := store.GetTask(ctx, tenant, taskID)
		Expect(err).NotTo(HaveOccurred())
		Expect(task.Attempt).To(Equal(1))
		Expect(typesFor(ctx, tenant, taskID)).To(ContainElement(domain.ReceiptTaskRetryScheduled))

		clock.Advance(16 * time.Second)
		lease = claimDemo(ctx, eng, tenant, "W2", 0)
		res, err = eng.Fail(ctx, engine.FailInput{
			TenantID: tenant, LeaseID: lease.LeaseID, WorkerID: "W2",
			Retryable: true, Error: map[string]any{"msg": "x"},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Requeued).To(BeFalse())

		task, err = store.GetTask(ctx, tenant, taskID)
		Expect(err).NotTo(HaveOccurred())
		Expect(task.Status).To(Equal(domain.TaskFailed))
		Expect(task.Attempt).To(Equal(2))
		types := typesFor(ctx, tenant, taskID)
		Expect(types).To(ContainElement(domain.ReceiptTaskFailed))
		Expect(types).To(ContainElement(domain.ReceiptTaskResultReady))
	})

	It("deduplicates create_task by idempotency key", func() {
		tenant := freshTenant()
		withKey := func(in *engine.CreateTaskInput) { in.IdempotencyKey = "k1" }
		first := createDemo(ctx, eng, tenant, withKey)
		second := createDemo(ctx, eng, tenant, withKey)

		Expect(second).To(Equal(first))
		Expect(typesFor(ctx, tenant, first)).To(Equal([]domain.ReceiptType{domain.ReceiptTaskAssigned}))
	})

	It("hashes identical bodies with different parents to distinct receipts", func() {
		tenant := freshTenant()
		t1 := createDemo(ctx, eng, tenant)
		clock.Advance(time.Second)
		t2 := createDemo(ctx, eng, tenant)
		clock.Advance(time.Second)

		r1, err := store.GetReceiptByTaskAndType(ctx, tenant, t1, domain.ReceiptTaskAssigned)
		Expect(err).NotTo(HaveOccurred())
		r2, err := store.GetReceiptByTaskAndType(ctx, tenant, t2, domain.ReceiptTaskAssigned)
		Expect(err).NotTo(HaveOccurred())

		body := map[string]any{
			"result_summary": "ok",
			"artifacts":      []any{map[string]any{"type": "t", "uri": "u"}},
		}
		led := eng.Ledger
		a, err := led.Emit(ctx, store, ledger.EmitInput{
			TenantID: tenant, Type: domain.ReceiptTaskCompleted,
			From: principal.Principal{Kind: principal.KindWorker, ID: "W1"}, To: agentA1,
			TaskID: t1, Parents: []string{r1.ID}, Body: body,
		})
		Expect(err).NotTo(HaveOccurred())
		b, err := led.Emit(ctx, store, ledger.EmitInput{
			TenantID: tenant, Type: domain.ReceiptTaskCompleted,
			From: principal.Principal{Kind: principal.KindWorker, ID: "W1"}, To: agentA1,
			TaskID: t1, Parents: []string{r2.ID}, Body: body,
		})
		Expect(err).NotTo(HaveOccurred())

		Expect(b.Existed).To(BeFalse())
		Expect(b.Receipt.Hash).NotTo(Equal(a.Receipt.Hash))
	})

	It("rejects cancel from a non-owner", func() {
		tenant := freshTenant()
		taskID := createDemo(ctx, eng, tenant)
		before := typesFor(ctx, tenant, taskID)

		_, err := eng.CancelTask(ctx, engine.CancelTaskInput{
			TenantID: tenant, TaskID: taskID,
			Caller: principal.Principal{Kind: principal.KindAgent, ID: "A2"},
			Reason: "not mine",
		})
		var unauthorized *engineerr.Unauthorized
		Expect(errors.As(err, &unauthorized)).To(BeTrue())

		task, getErr := store.GetTask(ctx, tenant, taskID)
		Expect(getErr).NotTo(HaveOccurred())
		Expect(task.Status).To(Equal(domain.TaskQueued))
		Expect(typesFor(ctx, tenant, taskID)).To(Equal(before))
	})

	It("round-trips timestamps with their UTC offset", func() {
		tenant := freshTenant()
		taskID := createDemo(ctx, eng, tenant)

		task, err := store.GetTask(ctx, tenant, taskID)
		Expect(err).NotTo(HaveOccurred())
		Expect(task.CreatedAt.Equal(clock.Now())).To(BeTrue())
		_, offset := task.CreatedAt.Zone()
		Expect(offset).To(Equal(0))
	})
})
