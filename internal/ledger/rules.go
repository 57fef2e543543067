/*
Copyright (c) 2026 asyncgate
SPDX-License-Identifier: MIT
*/

package ledger

import "github.com/asyncgate/asyncgate/internal/domain"

// terminationRules maps each obligation type to the receipt types
// that discharge it. Extending it
// (e.g. a future lease.granted -> {lease.released, lease.expired}
// family) is the only sanctioned way to add obligation/terminator
// pairs; nothing in this package infers termination semantically.
var terminationRules = map[domain.ReceiptType][]domain.ReceiptType{
	domain.ReceiptTaskAssigned: {
		domain.ReceiptTaskCompleted,
		domain.ReceiptTaskFailed,
		domain.ReceiptTaskCanceled,
	},
}

// ObligationTypes returns the keys of the termination rules table.
func ObligationTypes() []domain.ReceiptType {
	out := make([]domain.ReceiptType, 0, len(terminationRules))
	for k := range terminationRules {
		out = append(out, k)
	}
	return out
}

// TerminatorTypes returns the union of all values in the termination
// rules table.
func TerminatorTypes() []domain.ReceiptType {
	seen := map[domain.ReceiptType]bool{}
	for _, v := range terminationRules {
		for _, t := range v {
			seen[t] = true
		}
	}
	out := make([]domain.ReceiptType, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	return out
}

// IsObligationType reports whether t is a registered obligation type.
func IsObligationType(t domain.ReceiptType) bool {
	_, ok := terminationRules[t]
	return ok
}

// IsTerminatorType reports whether t appears as a terminator for any
// obligation type.
func IsTerminatorType(t domain.ReceiptType) bool {
	for _, terminators := range terminationRules {
		for _, x := range terminators {
			if x == t {
				return true
			}
		}
	}
	return false
}

// CanTerminate reports whether a receipt of type terminatorType is a
// registered terminator for obligations of type obligationType.
func CanTerminate(terminatorType, obligationType domain.ReceiptType) bool {
	for _, t := range terminationRules[obligationType] {
		if t == terminatorType {
			return true
		}
	}
	return false
}
