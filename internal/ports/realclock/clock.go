/*
Copyright (c) 2026 asyncgate
SPDX-License-Identifier: MIT
*/

// Package realclock provides the production Clock implementation.
package realclock

import "time"

// Clock returns the real wall-clock time, UTC.
type Clock struct{}

// New returns a real Clock.
func New() Clock { return Clock{} }

// Now implements ports.Clock.
func (Clock) Now() time.Time { return time.Now().UTC() }
