/******************************************************************************
 *
 *  Description :
 *
 *    Fixed-window percentile estimator. Keeps the most recent N samples in
 *    a ring buffer; percentiles are computed on demand over that window.
 *    Used for latency telemetry: buffer (client-side) and server-side
 *    processing times.
 *
 *****************************************************************************/
package stats

import (
	"sync"

	mstats "github.com/montanaflynn/stats"
)

// DefaultWindow is the sample window used when NewTracker is given a
// non-positive size.
const DefaultWindow = 128

// Tracker is a fixed-window sample collector. Safe for concurrent use.
type Tracker struct {
	mu     sync.Mutex
	window []float64
	next   int
	full   bool
}

// NewTracker creates a tracker keeping the most recent size samples.
func NewTracker(size int) *Tracker {
	if size <= 0 {
		size = DefaultWindow
	}
	return &Tracker{window: make([]float64, size)}
}

// Add records one sample, evicting the oldest if the window is full.
func (t *Tracker) Add(v float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.window[t.next] = v
	t.next++
	if t.next == len(t.window) {
		t.next = 0
		t.full = true
	}
}

// Count returns the number of samples currently in the window.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.full {
		return len(t.window)
	}
	return t.next
}

// Percentile estimates the p-th percentile (0 < p <= 100) over the current
// window. Returns 0 if no samples were recorded yet.
func (t *Tracker) Percentile(p float64) float64 {
	samples := t.snapshot()
	if len(samples) == 0 {
		return 0
	}
	v, err := mstats.Percentile(mstats.Float64Data(samples), p)
	if err != nil {
		return 0
	}
	return v
}

// Reset discards all recorded samples.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.next = 0
	t.full = false
}

func (t *Tracker) snapshot() []float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.next
	if t.full {
		n = len(t.window)
	}
	out := make([]float64, n)
	copy(out, t.window[:n])
	return out
}
