/*
Copyright (c) 2026 asyncgate
SPDX-License-Identifier: MIT
*/

package engine

import (
	"context"
	"time"

	"github.com/asyncgate/asyncgate/internal/domain"
	"github.com/asyncgate/asyncgate/internal/principal"
	"github.com/asyncgate/asyncgate/internal/storage"
)

// observe records first-seen/last-seen and bumps the session counter
// for p. Pure observation, never consulted by any state-machine
// decision in this package. Failures
// are logged and swallowed so a relationship write never blocks a
// task/lease/receipt operation.
func (e *Engine) observe(ctx context.Context, q storage.Queries, tenantID string, p principal.Principal, now time.Time) {
	if p.ID == "" {
		return
	}
	err := q.UpsertRelationship(ctx, &domain.Relationship{
		TenantID:      tenantID,
		PrincipalKind: string(p.Kind),
		PrincipalID:   p.ID,
		LastSeenAt:    now,
	})
	if err != nil {
		e.Log.Sugar().Warnw("relationship observation failed", "tenant_id", tenantID, "principal_id", p.ID, "error", err)
	}
}
