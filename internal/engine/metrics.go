/*
Copyright (c) 2026 asyncgate
SPDX-License-Identifier: MIT
*/

package engine

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/asyncgate/asyncgate/internal/domain"
)

// Prometheus metrics for the engine's state transitions and receipt
// emissions, registered once at init.
var (
	tasksCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asyncgate_tasks_created_total",
			Help: "Total number of tasks created, by tenant and type.",
		},
		[]string{"tenant_id", "type"},
	)
	tasksTerminalTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asyncgate_tasks_terminal_total",
			Help: "Total number of tasks reaching a terminal status, by tenant and status.",
		},
		[]string{"tenant_id", "status"},
	)
	leasesClaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asyncgate_leases_claimed_total",
			Help: "Total number of leases granted, by tenant.",
		},
		[]string{"tenant_id"},
	)
	leaseRenewalLimitHitTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asyncgate_lease_renewal_limit_hit_total",
			Help: "Total number of renew_lease calls rejected for renewal/lifetime limits.",
		},
		[]string{"tenant_id", "reason"},
	)
	receiptsEmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asyncgate_receipts_emitted_total",
			Help: "Total number of receipts emitted, by tenant and receipt type.",
		},
		[]string{"tenant_id", "receipt_type"},
	)
	anomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asyncgate_anomalies_total",
			Help: "Total number of locatability-leniency anomalies accepted.",
		},
		[]string{"tenant_id"},
	)
)

func init() {
	prometheus.MustRegister(
		tasksCreatedTotal, tasksTerminalTotal, leasesClaimedTotal,
		leaseRenewalLimitHitTotal, receiptsEmittedTotal, anomaliesTotal,
	)
}

var tracer = otel.Tracer("asyncgate/engine")

func taskEventAttrs(t *domain.Task) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("asyncgate.tenant_id", t.TenantID),
		attribute.String("asyncgate.task_id", t.ID),
		attribute.String("asyncgate.task_type", t.Type),
		attribute.String("asyncgate.task_status", string(t.Status)),
		attribute.Int("asyncgate.attempt", t.Attempt),
	}
}

func emitTaskEvent(ctx context.Context, eventName string, t *domain.Task, extra ...attribute.KeyValue) {
	attrs := append(taskEventAttrs(t), extra...)
	_, span := tracer.Start(ctx, eventName)
	defer span.End()
	span.AddEvent(eventName, trace.WithAttributes(attrs...))
}
