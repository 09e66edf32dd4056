package resolver

import (
	"strings"
	"sync"
)

// memoCache is a bounded score cache keyed by an order-independent,
// case-insensitive pair of strings. When capacity is exceeded the oldest
// ~20% of entries are evicted, tracked by insertion order.
type memoCache struct {
	mu       sync.Mutex
	capacity int
	scores   map[string]float64
	order    []string
}

func newMemoCache(capacity int) *memoCache {
	if capacity <= 0 {
		capacity = 10000
	}
	return &memoCache{
		capacity: capacity,
		scores:   make(map[string]float64, capacity),
	}
}

// pairKey builds the canonical cache key: both sides lowercased and sorted
// so (a, b) and (b, a) share one entry.
func pairKey(a, b string) string {
	a, b = strings.ToLower(a), strings.ToLower(b)
	if a > b {
		a, b = b, a
	}
	return a + "\x00" + b
}

func (c *memoCache) get(a, b string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	score, ok := c.scores[pairKey(a, b)]
	return score, ok
}

func (c *memoCache) put(a, b string, score float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := pairKey(a, b)
	if _, exists := c.scores[key]; !exists {
		c.order = append(c.order, key)
	}
	c.scores[key] = score

	if len(c.scores) <= c.capacity {
		return
	}
	evict := c.capacity / 5
	if evict < 1 {
		evict = 1
	}
	for _, old := range c.order[:evict] {
		delete(c.scores, old)
	}
	c.order = append(c.order[:0], c.order[evict:]...)
}

func (c *memoCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.scores)
}
