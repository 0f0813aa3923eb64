package router

import (
	"sort"
	"sync"
)

const latencyWindowSize = 50

// latencyTracker keeps a sliding window of per-arm request latencies so
// the router can exclude arms that have gone slow.
type latencyTracker struct {
	mu      sync.Mutex
	samples map[string][]int64
}

func newLatencyTracker() *latencyTracker {
	return &latencyTracker{samples: make(map[string][]int64)}
}

func (t *latencyTracker) observe(arm string, ms int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	window := append(t.samples[arm], ms)
	if len(window) > latencyWindowSize {
		window = window[len(window)-latencyWindowSize:]
	}
	t.samples[arm] = window
}

// p95 returns the 95th-percentile latency for an arm; 0 with fewer
// than 5 samples, so fresh arms are never excluded.
func (t *latencyTracker) p95(arm string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	window := t.samples[arm]
	if len(window) < 5 {
		return 0
	}
	sorted := make([]int64, len(window))
	copy(sorted, window)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)) * 0.95)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
