/*
Copyright (c) 2026 asyncgate
SPDX-License-Identifier: MIT
*/

// Package principal defines the closed set of actor kinds AsyncGate
// reasons about, and the normalization rules applied to external ids.
package principal

import "strings"

// Kind is a closed set of actor kinds.
type Kind string

const (
	KindAgent   Kind = "agent"
	KindWorker  Kind = "worker"
	KindService Kind = "service"
	KindSystem  Kind = "system"
	KindHuman   Kind = "human"
)

// Principal identifies an actor by kind and id.
type Principal struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

const (
	// SystemID is the canonical system principal id. Tasks created by
	// (or owned on behalf of) this id resolve their obligation owner to
	// the System principal rather than the raw creator.
	SystemID = "sys:asyncgate-core"
	// ServiceID is the principal the engine itself acts as when
	// emitting receipts that have no human/agent actor (e.g.
	// task.result_ready, lease.expired).
	ServiceID = "svc:asyncgate"
)

// internalPrefixes are reserved; external callers may not mint ids
// under these prefixes themselves.
var internalPrefixes = []string{"sys:", "svc:"}

// System is the canonical system principal.
var System = Principal{Kind: KindSystem, ID: SystemID}

// Service is the canonical service principal the engine acts as.
var Service = Principal{Kind: KindService, ID: ServiceID}

// IsSystem reports whether id is the canonical system principal id.
func IsSystem(id string) bool {
	return id == SystemID
}

// IsInternalID reports whether id carries a reserved internal prefix.
func IsInternalID(id string) bool {
	for _, p := range internalPrefixes {
		if strings.HasPrefix(id, p) {
			return true
		}
	}
	return false
}

// NormalizeExternal strips the legacy "ext:" marker external callers
// may still send, without imposing a prefix scheme of its own.
func NormalizeExternal(id string) string {
	if strings.HasPrefix(id, "ext:") {
		return id[len("ext:"):]
	}
	return id
}

// Normalize is the canonical normalization applied to every incoming
// principal id before storage or comparison.
func Normalize(id string) string {
	return NormalizeExternal(id)
}

// ResolveObligationOwner implements the "obligation owner != creator
// when system-owned" design note: the owner is the normalized creator,
// unless the creator is the canonical system id, in which case the
// owner is the canonical system principal.
func ResolveObligationOwner(createdBy Principal) Principal {
	normalized := Normalize(createdBy.ID)
	if IsSystem(normalized) {
		return System
	}
	return Principal{Kind: createdBy.Kind, ID: normalized}
}
