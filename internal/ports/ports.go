/*
Copyright (c) 2026 asyncgate
SPDX-License-Identifier: MIT
*/

// Package ports declares the narrow collaborator contracts the engine
// consumes from its host: Clock, IdGen, AuthResolver, and
// TenantResolver.
package ports

import (
	"context"
	"time"

	"github.com/asyncgate/asyncgate/internal/principal"
)

// Clock yields the current time. Production code uses realclock;
// tests use fakeclock for deterministic control over lease expiry and
// backoff math.
type Clock interface {
	Now() time.Time
}

// IdGen mints unique, opaque ids for tasks, leases, and receipts.
type IdGen interface {
	NewID() string
}

// AuthResolver yields the calling principal and whether it is
// authenticated as an internal (system/service) caller. A true
// external collaborator: the core has no production implementation.
type AuthResolver interface {
	Resolve(ctx context.Context) (p principal.Principal, isInternal bool, err error)
}

// TenantResolver yields the tenant id for an incoming request. A true
// external collaborator: the core has no production implementation.
type TenantResolver interface {
	Resolve(ctx context.Context) (tenantID string, err error)
}
