package ratelimit

import "sync"

// Cap is a per-key lifetime counter with a hard ceiling. Counts never
// decrement and are only reset by discarding the Cap.
type Cap struct {
	mu     sync.Mutex
	limit  int
	counts map[string]int
}

// NewCap creates a Cap admitting at most limit calls per key.
func NewCap(limit int) *Cap {
	return &Cap{limit: limit, counts: make(map[string]int)}
}

// Allow records one call for key and reports whether it is admitted. A
// rejected call does not change the count.
func (c *Cap) Allow(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts[key] >= c.limit {
		return false
	}
	c.counts[key]++
	return true
}

// Count returns the number of admitted calls recorded for key.
func (c *Cap) Count(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key]
}
