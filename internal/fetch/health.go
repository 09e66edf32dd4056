package fetch

import (
	"math/rand"
	"sync"
	"time"
)

// healthDecayThreshold is the rolling total at which an origin's counters
// are halved, so the failure-rate signal tracks recent conditions instead
// of accumulating forever.
const healthDecayThreshold = 100

// Failure-rate bands for the adaptive per-origin delay.
const (
	healthyFailureRate  = 0.10
	degradedFailureRate = 0.30
)

// originHealth tracks request outcomes for one origin. Each entry carries
// its own mutex so distinct origins never serialize against each other.
type originHealth struct {
	mu            sync.Mutex
	successCount  int
	failureCount  int
	lastRequestAt time.Time
}

// healthTracker owns per-origin health entries. The outer map lock is held
// only long enough to find or create an entry.
type healthTracker struct {
	mu       sync.RWMutex
	origins  map[string]*originHealth
	minDelay time.Duration
	midDelay time.Duration
	maxDelay time.Duration
	jitter   time.Duration
}

func newHealthTracker(minDelay, midDelay, maxDelay, jitter time.Duration) *healthTracker {
	return &healthTracker{
		origins:  make(map[string]*originHealth),
		minDelay: minDelay,
		midDelay: midDelay,
		maxDelay: maxDelay,
		jitter:   jitter,
	}
}

func (t *healthTracker) entry(origin string) *originHealth {
	t.mu.RLock()
	h, ok := t.origins[origin]
	t.mu.RUnlock()
	if ok {
		return h
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok = t.origins[origin]; ok {
		return h
	}
	h = &originHealth{}
	t.origins[origin] = h
	return h
}

// NextDelay computes how long the caller should still sleep before hitting
// the origin: the failure-rate-derived target delay plus jitter, minus the
// time already elapsed since the origin's last request. It also stamps the
// origin's lastRequestAt, assuming the caller proceeds after sleeping.
func (t *healthTracker) NextDelay(origin string, now time.Time) time.Duration {
	h := t.entry(origin)
	h.mu.Lock()
	defer h.mu.Unlock()

	target := t.targetDelayLocked(h)
	if t.jitter > 0 {
		target += time.Duration(rand.Int63n(int64(t.jitter)))
	}

	remaining := target
	if !h.lastRequestAt.IsZero() {
		elapsed := now.Sub(h.lastRequestAt)
		remaining = target - elapsed
	}
	h.lastRequestAt = now
	if remaining < 0 {
		return 0
	}
	return remaining
}

// targetDelayLocked maps the origin's recent failure rate onto a delay
// band. Callers must hold h.mu.
func (t *healthTracker) targetDelayLocked(h *originHealth) time.Duration {
	total := h.successCount + h.failureCount
	if total == 0 {
		return t.minDelay
	}
	rate := float64(h.failureCount) / float64(total)
	switch {
	case rate < healthyFailureRate:
		return t.minDelay
	case rate <= degradedFailureRate:
		return t.midDelay
	default:
		return t.maxDelay
	}
}

// RecordSuccess notes a completed fetch for the origin.
func (t *healthTracker) RecordSuccess(origin string) {
	h := t.entry(origin)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.successCount++
	t.decayLocked(h)
}

// RecordFailure notes an exhausted-retry failure for the origin.
func (t *healthTracker) RecordFailure(origin string) {
	h := t.entry(origin)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failureCount++
	t.decayLocked(h)
}

func (t *healthTracker) decayLocked(h *originHealth) {
	if h.successCount+h.failureCount >= healthDecayThreshold {
		h.successCount /= 2
		h.failureCount /= 2
	}
}

// Snapshot returns the current counters for an origin, for tests and
// stats reporting.
func (t *healthTracker) Snapshot(origin string) (successes, failures int) {
	h := t.entry(origin)
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.successCount, h.failureCount
}
