package scheduler

import (
	"sort"
	"time"

	"github.com/creatorcache/creatorcache/internal/content"
)

// failedTarget is a run-scoped retry entry. It disappears on success and
// is re-queued with a doubled (capped) delay on repeated failure.
type failedTarget struct {
	Target   content.CanonicalTarget
	Err      error
	Delay    time.Duration
	Attempts int
}

// sortByDelay orders failures by their assigned delay, ascending, so the
// quickest retries happen first.
func sortByDelay(failed []failedTarget) {
	sort.SliceStable(failed, func(i, j int) bool {
		return failed[i].Delay < failed[j].Delay
	})
}

// groupByDelay partitions a delay-sorted list into runs of equal delay.
// The wait for each group happens once, not once per target.
func groupByDelay(failed []failedTarget) [][]failedTarget {
	var groups [][]failedTarget
	for i := 0; i < len(failed); {
		j := i + 1
		for j < len(failed) && failed[j].Delay == failed[i].Delay {
			j++
		}
		groups = append(groups, failed[i:j])
		i = j
	}
	return groups
}

// nextDelay doubles a failure's delay up to the cap.
func nextDelay(current, base, cap time.Duration) time.Duration {
	if current <= 0 {
		return base
	}
	doubled := current * 2
	if doubled > cap {
		return cap
	}
	return doubled
}
