/*
Copyright (c) 2026 asyncgate
SPDX-License-Identifier: MIT
*/

// Package uuidgen provides the production IdGen implementation.
package uuidgen

import "github.com/google/uuid"

// Generator mints UUIDv4 ids.
type Generator struct{}

// New returns a production IdGen.
func New() Generator { return Generator{} }

// NewID implements ports.IdGen.
func (Generator) NewID() string { return uuid.NewString() }
