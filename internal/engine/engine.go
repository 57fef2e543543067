/*
Copyright (c) 2026 asyncgate
SPDX-License-Identifier: MIT
*/

// Package engine implements the task engine: the state
// machine for tasks and leases, orchestrating atomic
// state-change-plus-receipt operations over Storage and the Receipt
// Ledger inside a single transaction, with a savepoint bracket where a
// nested rollback must not lose the outer lease check.
package engine

import (
	"time"

	"go.uber.org/zap"

	"github.com/asyncgate/asyncgate/internal/config"
	"github.com/asyncgate/asyncgate/internal/ledger"
	"github.com/asyncgate/asyncgate/internal/ports"
	"github.com/asyncgate/asyncgate/internal/storage"
)

// Engine is the public object the host constructs and calls into. It
// is the sole writer of tasks/leases/receipts; the HTTP/RPC layer,
// explicitly out of scope here, is expected to be a thin adapter over
// these methods.
type Engine struct {
	Store  storage.Store
	Ledger *ledger.Ledger
	Clock  ports.Clock
	IDGen  ports.IdGen
	Config config.Config
	Log    *zap.Logger

	// InstanceID is stamped onto every task this engine creates, and is
	// the partition key the sweeper uses to claim ownership of
	// lease-expiry work.
	InstanceID string
}

// New constructs an Engine from its collaborators.
func New(store storage.Store, led *ledger.Ledger, clock ports.Clock, idgen ports.IdGen, cfg config.Config, log *zap.Logger, instanceID string) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		Store:      store,
		Ledger:     led,
		Clock:      clock,
		IDGen:      idgen,
		Config:     cfg,
		Log:        log,
		InstanceID: instanceID,
	}
}

// clampTTL caps a requested lease TTL at Config.MaxLeaseTTL,
// defaulting to Config.DefaultLeaseTTL when zero or negative.
func (e *Engine) clampTTL(requested time.Duration) time.Duration {
	if requested <= 0 {
		return e.Config.DefaultLeaseTTL
	}
	if requested > e.Config.MaxLeaseTTL {
		return e.Config.MaxLeaseTTL
	}
	return requested
}

// backoffDuration implements requeue_with_backoff's delay math:
// base * 2^(attempt-1), capped at MaxRetryBackoff. attempt is the new
// (post-increment) attempt number.
func (e *Engine) backoffDuration(attempt int) time.Duration {
	base := e.Config.DefaultRetryBackoff
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= e.Config.MaxRetryBackoff {
			return e.Config.MaxRetryBackoff
		}
	}
	if d > e.Config.MaxRetryBackoff {
		return e.Config.MaxRetryBackoff
	}
	return d
}
