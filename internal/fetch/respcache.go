package fetch

import (
	"sync"
	"time"
)

// responseCache is a bounded, URL-keyed cache of successful fetch results.
// Entries expire on a short TTL; when full, the oldest entry is evicted.
// Hits bypass rate limiting entirely, so only successful bodies are stored
// (a failure must never be served from cache).
type responseCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	entries  map[string]cachedResponse
	order    []string
}

type cachedResponse struct {
	result    Result
	expiresAt time.Time
}

func newResponseCache(ttl time.Duration, capacity int) *responseCache {
	if capacity <= 0 {
		capacity = 256
	}
	return &responseCache{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]cachedResponse, capacity),
	}
}

func (c *responseCache) get(url string, now time.Time) (Result, bool) {
	if c.ttl <= 0 {
		return Result{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[url]
	if !ok {
		return Result{}, false
	}
	if now.After(entry.expiresAt) {
		delete(c.entries, url)
		c.removeFromOrder(url)
		return Result{}, false
	}
	return entry.result, true
}

func (c *responseCache) put(url string, result Result, now time.Time) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[url]; !exists {
		c.order = append(c.order, url)
	}
	c.entries[url] = cachedResponse{result: result, expiresAt: now.Add(c.ttl)}

	for len(c.entries) > c.capacity && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
}

func (c *responseCache) removeFromOrder(url string) {
	for i, u := range c.order {
		if u == url {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

func (c *responseCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
