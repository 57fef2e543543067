/*
Copyright (c) 2026 asyncgate
SPDX-License-Identifier: MIT
*/

package fakeclock

import (
	"fmt"
	"sync"
)

// SeqIDGen mints deterministic, monotonically-increasing ids prefixed
// with a caller-chosen label, for tests that assert on specific ids.
type SeqIDGen struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSeqIDGen returns a SeqIDGen producing "<prefix>-1", "<prefix>-2", ...
func NewSeqIDGen(prefix string) *SeqIDGen {
	return &SeqIDGen{prefix: prefix}
}

// NewID implements ports.IdGen.
func (g *SeqIDGen) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
