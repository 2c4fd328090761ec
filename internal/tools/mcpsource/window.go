package mcpsource

import (
	"math"
	"slices"
	"sync"
)

const defaultWindowSize = 100

// rollingWindow keeps the latest call latencies of one tool.
type rollingWindow struct {
	mu      sync.Mutex
	samples []int64
	failed  []bool
	pos     int
	count   int
}

func newRollingWindow(size int) *rollingWindow {
	if size <= 0 {
		size = defaultWindowSize
	}
	return &rollingWindow{samples: make([]int64, size), failed: make([]bool, size)}
}

// Record overwrites the oldest sample once the window is full.
func (w *rollingWindow) Record(ms int64, failed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.pos] = ms
	w.failed[w.pos] = failed
	w.pos = (w.pos + 1) % len(w.samples)
	w.count++
}

func (w *rollingWindow) filled() int { return min(w.count, len(w.samples)) }

func (w *rollingWindow) percentile(p float64) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.filled()
	if n == 0 {
		return 0
	}
	sorted := slices.Clone(w.samples[:n])
	slices.Sort(sorted)
	// Nearest rank.
	idx := int(math.Ceil(p*float64(n))) - 1
	return sorted[max(idx, 0)]
}

func (w *rollingWindow) P50() int64 { return w.percentile(0.5) }
func (w *rollingWindow) P99() int64 { return w.percentile(0.99) }

// ErrorRate is the fraction of failed calls in the window.
func (w *rollingWindow) ErrorRate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.filled()
	if n == 0 {
		return 0
	}
	bad := 0
	for _, f := range w.failed[:n] {
		if f {
			bad++
		}
	}
	return float64(bad) / float64(n)
}

// Count is the total number of calls, including those that left the window.
func (w *rollingWindow) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}
