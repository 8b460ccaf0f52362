package testutil

import (
	"fmt"
	"sync"
)

// FixedIDGenerator hands out run IDs from a prefix and a counter, so stored
// run histories compare equal across test runs. It is safe for concurrent use.
type FixedIDGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewFixedIDGenerator returns a generator whose first ID is prefix-0001.
// An empty prefix means "run".
func NewFixedIDGenerator(prefix string) *FixedIDGenerator {
	if prefix == "" {
		prefix = "run"
	}
	return &FixedIDGenerator{prefix: prefix}
}

// NewID returns the next ID.
func (g *FixedIDGenerator) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%04d", g.prefix, g.n)
}
