/*
Copyright (c) 2026 asyncgate
SPDX-License-Identifier: MIT
*/

package engine

import (
	"context"
	"fmt"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/asyncgate/asyncgate/internal/config"
	"github.com/asyncgate/asyncgate/internal/domain"
	"github.com/asyncgate/asyncgate/internal/principal"
)

// ListOpenObligationsInput mirrors the list_open_obligations bootstrap
// primitive: the sole source of truth for an agent's
// outstanding work.
type ListOpenObligationsInput struct {
	TenantID string
	To       principal.Principal
	Since    string
	Limit    int
}

// ListOpenObligations is the bootstrap primitive. It delegates to the
// ledger's batch termination-check algorithm (two queries regardless
// of page size) after clamping the page size.
func (e *Engine) ListOpenObligations(ctx context.Context, in ListOpenObligationsInput) (open []*domain.Receipt, nextCursor string, err error) {
	limit := e.clampListLimit(in.Limit)
	return e.Ledger.ListOpenObligations(ctx, e.Store, in.TenantID, string(in.To.Kind), in.To.ID, in.Since, limit)
}

// BootstrapBuckets is the wire shape of the deprecated bucketing
// path: always empty. list_open_obligations is the sole source
// of truth; this method exists only for transitional API compatibility
// with callers that have not migrated off the old attention-bucket
// response shape.
type BootstrapBuckets struct {
	NeedsAttention []*domain.Receipt `json:"needs_attention"`
	InProgress     []*domain.Receipt `json:"in_progress"`
	Recent         []*domain.Receipt `json:"recent"`
}

// Bootstrap is the deprecated legacy op. New code must not add
// bucketing, attention heuristics, or priority sorting here - the
// buckets are always empty, on purpose.
func (e *Engine) Bootstrap(ctx context.Context, tenantID string, to principal.Principal) (*BootstrapBuckets, error) {
	e.Log.Sugar().Debugw("deprecated bootstrap bucket path invoked; buckets are always empty, use ListOpenObligations",
		"tenant_id", tenantID, "to_kind", to.Kind, "to_id", to.ID)
	return &BootstrapBuckets{}, nil
}

// GetConfig exposes the engine's effective configuration, per §4.6's
// System ops surface. The host never re-reads it; this is purely an
// introspection endpoint.
func (e *Engine) GetConfig() config.Config {
	return e.Config
}

// GetMetricsSnapshot gathers the current values of every metric
// registered against the process-wide Prometheus registry, keyed by
// metric family name, for a host that wants a point-in-time read
// without standing up a /metrics scrape endpoint.
func (e *Engine) GetMetricsSnapshot() (map[string]*dto.MetricFamily, error) {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather metrics: %w", err)
	}
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out, nil
}
