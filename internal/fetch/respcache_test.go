package fetch

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResponseCacheHitAndExpiry(t *testing.T) {
	t.Parallel()

	cache := newResponseCache(time.Minute, 8)
	now := time.Now()
	cache.put("https://forum.example/a", Result{URL: "https://forum.example/a", Body: "body"}, now)

	got, ok := cache.get("https://forum.example/a", now.Add(30*time.Second))
	assert.True(t, ok)
	assert.Equal(t, "body", got.Body)

	_, ok = cache.get("https://forum.example/a", now.Add(2*time.Minute))
	assert.False(t, ok, "expired entry must miss")
	assert.Equal(t, 0, cache.len(), "expired entry is dropped on read")
}

func TestResponseCacheEvictsOldestFirst(t *testing.T) {
	t.Parallel()

	cache := newResponseCache(time.Minute, 3)
	now := time.Now()
	for i := 0; i < 4; i++ {
		url := fmt.Sprintf("https://forum.example/%d", i)
		cache.put(url, Result{URL: url}, now)
	}

	assert.Equal(t, 3, cache.len())
	_, ok := cache.get("https://forum.example/0", now)
	assert.False(t, ok, "oldest entry must be evicted")
	_, ok = cache.get("https://forum.example/3", now)
	assert.True(t, ok)
}

func TestResponseCacheDisabledWithZeroTTL(t *testing.T) {
	t.Parallel()

	cache := newResponseCache(0, 8)
	cache.put("https://forum.example/a", Result{Body: "x"}, time.Now())
	_, ok := cache.get("https://forum.example/a", time.Now())
	assert.False(t, ok)
}
