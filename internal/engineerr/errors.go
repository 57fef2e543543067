/*
Copyright (c) 2026 asyncgate
SPDX-License-Identifier: MIT
*/

// Package engineerr defines the distinct failure kinds the engine
// surfaces. Each kind is a concrete type implementing
// error and carrying structured fields, so callers can recover them
// with errors.As instead of string matching.
package engineerr

import (
	"fmt"

	"github.com/asyncgate/asyncgate/internal/domain"
)

// TaskNotFound means the task does not exist under the tenant.
type TaskNotFound struct {
	TenantID string
	TaskID   string
}

func (e *TaskNotFound) Error() string {
	return fmt.Sprintf("task not found: tenant=%s task=%s", e.TenantID, e.TaskID)
}

// InvalidStateTransition means the state machine rejected a transition.
type InvalidStateTransition struct {
	Current   domain.TaskStatus
	Requested domain.TaskStatus
}

func (e *InvalidStateTransition) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.Current, e.Requested)
}

// LeaseInvalidOrExpired means the lease is missing, expired, or not
// owned by the calling worker.
type LeaseInvalidOrExpired struct {
	LeaseID string
	Reason  string
}

func (e *LeaseInvalidOrExpired) Error() string {
	return fmt.Sprintf("lease invalid or expired: lease=%s reason=%s", e.LeaseID, e.Reason)
}

// LeaseRenewalLimitExceeded means the lease has been renewed the
// maximum number of allowed times.
type LeaseRenewalLimitExceeded struct {
	RenewalCount int
	Max          int
}

func (e *LeaseRenewalLimitExceeded) Error() string {
	return fmt.Sprintf("lease renewal limit exceeded: count=%d max=%d", e.RenewalCount, e.Max)
}

// LeaseLifetimeExceeded means the lease's wall-clock lifetime has
// exceeded the configured maximum.
type LeaseLifetimeExceeded struct {
	LifetimeSeconds float64
	Max             int
}

func (e *LeaseLifetimeExceeded) Error() string {
	return fmt.Sprintf("lease lifetime exceeded: lifetime=%.fs max=%ds", e.LifetimeSeconds, e.Max)
}

// Unauthorized means the principal is not permitted for this operation.
type Unauthorized struct {
	Reason string
}

func (e *Unauthorized) Error() string {
	return fmt.Sprintf("unauthorized: %s", e.Reason)
}

// IntegrityViolation means a hard cap (body size, parents, artifacts)
// was exceeded, or a unique-constraint violation occurred other than
// an idempotency/receipt-dedup collision (which are not errors).
type IntegrityViolation struct {
	Reason string
}

func (e *IntegrityViolation) Error() string {
	return fmt.Sprintf("integrity violation: %s", e.Reason)
}

// QuotaExceeded is a collaborator-side concern the core merely
// surfaces if the host wraps an operation in a quota check.
type QuotaExceeded struct {
	Reason string
}

func (e *QuotaExceeded) Error() string { return fmt.Sprintf("quota exceeded: %s", e.Reason) }

// RateLimitExceeded is a collaborator-side concern the core merely
// surfaces if the host wraps an operation in a rate limiter.
type RateLimitExceeded struct {
	Reason string
}

func (e *RateLimitExceeded) Error() string { return fmt.Sprintf("rate limit exceeded: %s", e.Reason) }

// Transient reports whether err is a kind that invites retry.
func Transient(err error) bool {
	switch err.(type) {
	case *LeaseInvalidOrExpired, *RateLimitExceeded:
		return true
	default:
		return false
	}
}
