package registry

import (
	"slices"
	"sync"
)

// rollingWindow tracks the last N latencies for a tool for percentile
// calculation, using a ring buffer so only the most recent [size]
// measurements are kept. All methods are safe for concurrent use.
type rollingWindow struct {
	mu      sync.Mutex
	samples []int64
	failed  []bool
	pos     int
	count   int
	errors  int
	size    int
}

func newRollingWindow(size int) *rollingWindow {
	if size <= 0 {
		size = 100
	}
	return &rollingWindow{
		samples: make([]int64, size),
		failed:  make([]bool, size),
		size:    size,
	}
}

// Record adds a latency measurement (in ms), incrementing the error counter
// when isError is true. The oldest measurement is overwritten once the
// buffer is full, and its error, if it was one, leaves the error counter.
func (w *rollingWindow) Record(latencyMs int64, isError bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.count >= w.size && w.failed[w.pos] {
		w.errors--
	}
	w.samples[w.pos] = latencyMs
	w.failed[w.pos] = isError
	w.pos = (w.pos + 1) % w.size
	w.count++

	if isError {
		w.errors++
	}
}

func (w *rollingWindow) windowLen() int {
	if w.count >= w.size {
		return w.size
	}
	return w.count
}

func (w *rollingWindow) sortedCopy() []int64 {
	n := w.windowLen()
	if n == 0 {
		return nil
	}
	cp := make([]int64, n)
	if w.count >= w.size {
		for i := 0; i < w.size; i++ {
			cp[i] = w.samples[(w.pos+i)%w.size]
		}
	} else {
		copy(cp, w.samples[:n])
	}
	slices.Sort(cp)
	return cp
}

// P50 returns the median latency in ms, or 0 with no measurements.
func (w *rollingWindow) P50() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	sorted := w.sortedCopy()
	if len(sorted) == 0 {
		return 0
	}
	return sorted[len(sorted)/2]
}

// P99 returns the 99th-percentile latency in ms, or 0 with no measurements.
func (w *rollingWindow) P99() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	sorted := w.sortedCopy()
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * 0.99)
	return sorted[idx]
}

// ErrorRate returns the fraction of calls in the current window that
// resulted in an error (0.0-1.0).
func (w *rollingWindow) ErrorRate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.windowLen()
	if n == 0 {
		return 0
	}
	errInWindow := min(w.errors, n)
	return float64(errInWindow) / float64(n)
}

// Count returns the total number of invocations recorded, which may exceed
// the window capacity.
func (w *rollingWindow) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// ToolStat is a point-in-time snapshot of one tool's call latency and error
// rate, used to decide whether a tool is healthy enough to keep routing to.
type ToolStat struct {
	P50Ms     int64
	P99Ms     int64
	ErrorRate float64
	Count     int
}

const toolStatsWindowSize = 100

// ToolStats tracks a rolling window of call latency and error outcomes per
// tool name, so a caller can down-rank or flag tools that have degraded
// without waiting on the circuit breaker the inference path uses.
type ToolStats struct {
	mu      sync.Mutex
	windows map[string]*rollingWindow
}

// NewToolStats creates an empty ToolStats.
func NewToolStats() *ToolStats {
	return &ToolStats{windows: make(map[string]*rollingWindow)}
}

// Record adds one call observation for tool.
func (s *ToolStats) Record(tool string, latencyMs int64, isError bool) {
	s.mu.Lock()
	w, ok := s.windows[tool]
	if !ok {
		w = newRollingWindow(toolStatsWindowSize)
		s.windows[tool] = w
	}
	s.mu.Unlock()
	w.Record(latencyMs, isError)
}

// Snapshot returns tool's current stats. The second return is false if no
// calls have been recorded for tool yet.
func (s *ToolStats) Snapshot(tool string) (ToolStat, bool) {
	s.mu.Lock()
	w, ok := s.windows[tool]
	s.mu.Unlock()
	if !ok {
		return ToolStat{}, false
	}
	return ToolStat{
		P50Ms:     w.P50(),
		P99Ms:     w.P99(),
		ErrorRate: w.ErrorRate(),
		Count:     w.Count(),
	}, true
}

// Unhealthy reports whether tool's error rate over its current window meets
// or exceeds threshold. A tool with no recorded calls is never unhealthy.
func (s *ToolStats) Unhealthy(tool string, threshold float64) bool {
	stat, ok := s.Snapshot(tool)
	if !ok {
		return false
	}
	return stat.ErrorRate >= threshold
}
