/*
Copyright (c) 2026 asyncgate
SPDX-License-Identifier: MIT
*/

package domain

import "github.com/asyncgate/asyncgate/internal/principal"

// Task identifies a unit of work. Identity is (TenantID, ID).
type Task struct {
	// Immutable after creation.
	TenantID            string
	ID                  string
	Type                string
	Payload             map[string]any
	CreatedBy           principal.Principal
	Owner               principal.Principal // resolved obligation owner, fixed at create_task
	PrincipalAI         string
	Requirements        map[string]any
	IdempotencyKey       string // empty means "no idempotency key"
	MaxAttempts         int
	RetryBackoffSeconds int
	ExpectedOutcomeKind string
	ExpectedArtifactMIME string
	OwningInstance      string
	Priority            int

	// Mutable.
	Status         TaskStatus
	Attempt        int
	NextEligibleAt Time
	StartedAt      *Time
	CreatedAt      Time
	UpdatedAt      Time
	Result         *TaskResult
}

// TaskResult is populated exactly once, when a task reaches a terminal
// status.
type TaskResult struct {
	Outcome      string         `json:"outcome"`
	Result       map[string]any `json:"result,omitempty"`
	Artifacts    []Artifact     `json:"artifacts,omitempty"`
	Error        map[string]any `json:"error,omitempty"`
	CompletedAt  Time           `json:"completed_at"`
}

// Artifact is a locatable pointer to delivered work product.
type Artifact struct {
	Type string `json:"type"`
	URI  string `json:"uri"`
}

// HasIdempotencyKey reports whether the task was created with a
// deduplication key.
func (t *Task) HasIdempotencyKey() bool {
	return t.IdempotencyKey != ""
}

// RequiredCapabilities extracts the "capabilities" list from the
// task's requirements. A worker may only claim the task if every
// entry here appears in the worker's advertised capability set.
func (t *Task) RequiredCapabilities() []string {
	caps, ok := t.Requirements["capabilities"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		if s, ok := c.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// EscalationClass returns the escalation class the task requested, or
// "" if none. Escalation is policy, not state: it only controls
// whether the sweeper emits a task.escalated receipt on lease expiry.
func (t *Task) EscalationClass() string {
	esc, ok := t.Requirements["escalation"].(map[string]any)
	if !ok {
		return ""
	}
	class, _ := esc["class"].(string)
	return class
}

// EscalationTarget returns the principal id the task asked
// escalations to be addressed to, or "" to use the configured default.
func (t *Task) EscalationTarget() string {
	esc, ok := t.Requirements["escalation"].(map[string]any)
	if !ok {
		return ""
	}
	to, _ := esc["to"].(string)
	return to
}
