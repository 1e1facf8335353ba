package testutil

import (
	"fmt"
	"sync"
)

// SequentialRunIDs produces predictable run identifiers for tests.
//
// Production code stamps every batch run with a UUIDv7; tests inject this
// generator so audit lines and golden files are byte-stable.
//
// Thread-safety: safe for concurrent use.
type SequentialRunIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialRunIDs creates a generator returning "<prefix>-0001",
// "<prefix>-0002", ... If prefix is empty, "test-run" is used.
func NewSequentialRunIDs(prefix string) *SequentialRunIDs {
	if prefix == "" {
		prefix = "test-run"
	}
	return &SequentialRunIDs{prefix: prefix}
}

// Generate returns the next run ID.
func (g *SequentialRunIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%04d", g.prefix, g.n)
}
