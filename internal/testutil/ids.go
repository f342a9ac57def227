package testutil

import (
	"fmt"
	"sync"
)

// SequenceGenerator generates "<prefix>-0001", "<prefix>-0002", ...
//
// This enables deterministic trigger ids in golden traces without having to
// know in advance how many ids a scenario needs.
//
// Thread-safety: SequenceGenerator is safe for concurrent use.
type SequenceGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceGenerator creates a generator. An empty prefix becomes "trg".
func NewSequenceGenerator(prefix string) *SequenceGenerator {
	if prefix == "" {
		prefix = "trg"
	}
	return &SequenceGenerator{prefix: prefix}
}

// Generate returns the next id in the sequence.
func (g *SequenceGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%04d", g.prefix, g.n)
}

// Reset restarts the sequence at 1.
func (g *SequenceGenerator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n = 0
}
