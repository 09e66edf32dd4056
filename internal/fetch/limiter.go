package fetch

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// originLimiter enforces a hard requests-per-second ceiling per origin,
// underneath the adaptive health-based delays. One token bucket is lazily
// created per origin.
type originLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newOriginLimiter(rps float64, burst int) *originLimiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &originLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      limit,
		burst:    burst,
	}
}

// Wait blocks until a token is available for the origin, respecting the
// context.
func (l *originLimiter) Wait(ctx context.Context, origin string) error {
	l.mu.Lock()
	limiter, ok := l.limiters[origin]
	if !ok {
		limiter = rate.NewLimiter(l.rps, l.burst)
		l.limiters[origin] = limiter
	}
	l.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}
