/*
Copyright (c) 2026 asyncgate
SPDX-License-Identifier: MIT
*/

package sweeper

import "github.com/prometheus/client_golang/prometheus"

// Sweep metrics, registered once at init alongside the engine's.
var (
	leaseExpiryRequeuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asyncgate_lease_expiry_requeued_total",
			Help: "Total number of expired leases requeued by the sweeper, by tenant.",
		},
		[]string{"tenant_id"},
	)
	leaseExpirySweepErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asyncgate_lease_expiry_sweep_errors_total",
			Help: "Total number of per-lease sweep errors, isolated so one bad row never stops the tick.",
		},
		[]string{"tenant_id"},
	)
)

func init() {
	prometheus.MustRegister(leaseExpiryRequeuedTotal, leaseExpirySweepErrorsTotal)
}
