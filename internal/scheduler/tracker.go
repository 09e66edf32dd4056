package scheduler

import (
	"sync"
	"time"
)

// Duration window bounds: the tracker keeps the most recent durations and
// trims the window by half when it overflows.
const (
	durationWindowMax  = 100
	durationWindowTrim = 50
)

// Stats is a read-only snapshot of a scheduling run for external
// reporting.
type Stats struct {
	State             State         `json:"state"`
	RunID             string        `json:"run_id,omitempty"`
	Attempted         int64         `json:"attempted"`
	Succeeded         int64         `json:"succeeded"`
	Failed            int64         `json:"failed"`
	ActiveWorkers     int64         `json:"active_workers"`
	PendingRetries    int           `json:"pending_retries"`
	SuccessRate       float64       `json:"success_rate"`
	ItemsPerMinute    float64       `json:"items_per_minute"`
	AvgTargetDuration time.Duration `json:"avg_target_duration"`
	RunStartedAt      *time.Time    `json:"run_started_at,omitempty"`
}

// perfTracker aggregates counters and timing samples across one run. All
// fields are guarded by a single mutex; updates are cheap relative to the
// network-bound work they describe.
type perfTracker struct {
	mu sync.Mutex

	state          State
	runID          string
	attempted      int64
	succeeded      int64
	failed         int64
	activeWorkers  int64
	pendingRetries int
	itemsSeen      int64
	runStartedAt   time.Time
	durations      []time.Duration
}

func newPerfTracker() *perfTracker {
	return &perfTracker{state: StateIdle}
}

func (p *perfTracker) beginRun(runID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runID = runID
	p.attempted = 0
	p.succeeded = 0
	p.failed = 0
	p.pendingRetries = 0
	p.itemsSeen = 0
	p.runStartedAt = time.Now()
	p.durations = p.durations[:0]
}

func (p *perfTracker) setState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
}

func (p *perfTracker) workerStarted() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeWorkers++
	p.attempted++
}

func (p *perfTracker) workerFinished(succeeded bool, items int, duration time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeWorkers--
	if succeeded {
		p.succeeded++
		p.itemsSeen += int64(items)
	} else {
		p.failed++
	}
	p.durations = append(p.durations, duration)
	if len(p.durations) > durationWindowMax {
		p.durations = append(p.durations[:0], p.durations[len(p.durations)-durationWindowTrim:]...)
	}
}

func (p *perfTracker) setPendingRetries(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pendingRetries = n
}

// successRate is the fraction of attempted targets that succeeded so far
// in this run. With no attempts yet it reports 1.0 so delay selection
// starts optimistic.
func (p *perfTracker) successRate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.successRateLocked()
}

func (p *perfTracker) successRateLocked() float64 {
	done := p.succeeded + p.failed
	if done == 0 {
		return 1.0
	}
	return float64(p.succeeded) / float64(done)
}

func (p *perfTracker) snapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := Stats{
		State:          p.state,
		RunID:          p.runID,
		Attempted:      p.attempted,
		Succeeded:      p.succeeded,
		Failed:         p.failed,
		ActiveWorkers:  p.activeWorkers,
		PendingRetries: p.pendingRetries,
		SuccessRate:    p.successRateLocked(),
	}
	if len(p.durations) > 0 {
		var total time.Duration
		for _, d := range p.durations {
			total += d
		}
		stats.AvgTargetDuration = total / time.Duration(len(p.durations))
	}
	if !p.runStartedAt.IsZero() {
		t := p.runStartedAt
		stats.RunStartedAt = &t
		if minutes := time.Since(p.runStartedAt).Minutes(); minutes > 0 {
			stats.ItemsPerMinute = float64(p.itemsSeen) / minutes
		}
	}
	return stats
}
