package stats

import "testing"

func TestTrackerEmpty(t *testing.T) {
	tr := NewTracker(10)
	if tr.Count() != 0 {
		t.Fatalf("count: %d", tr.Count())
	}
	if got := tr.Percentile(50); got != 0 {
		t.Fatalf("empty percentile: %v", got)
	}
}

func TestTrackerDefaultWindow(t *testing.T) {
	tr := NewTracker(0)
	for i := 0; i < DefaultWindow+1; i++ {
		tr.Add(1)
	}
	if tr.Count() != DefaultWindow {
		t.Fatalf("count: %d", tr.Count())
	}
}

func TestTrackerUniformSamples(t *testing.T) {
	tr := NewTracker(8)
	for i := 0; i < 4; i++ {
		tr.Add(10)
	}
	if got := tr.Percentile(50); got != 10 {
		t.Fatalf("p50: %v", got)
	}
	if got := tr.Percentile(95); got != 10 {
		t.Fatalf("p95: %v", got)
	}
}

func TestTrackerPercentilesOrdered(t *testing.T) {
	tr := NewTracker(100)
	for i := 1; i <= 100; i++ {
		tr.Add(float64(i))
	}
	p50 := tr.Percentile(50)
	p95 := tr.Percentile(95)
	if p50 < 45 || p50 > 56 {
		t.Fatalf("p50: %v", p50)
	}
	if p95 < 90 || p95 > 100 {
		t.Fatalf("p95: %v", p95)
	}
	if p95 < p50 {
		t.Fatalf("p95 %v below p50 %v", p95, p50)
	}
}

func TestTrackerEvictsOldest(t *testing.T) {
	tr := NewTracker(100)
	for i := 1; i <= 200; i++ {
		tr.Add(float64(i))
	}
	if tr.Count() != 100 {
		t.Fatalf("count: %d", tr.Count())
	}
	// The window holds 101..200 only.
	if got := tr.Percentile(50); got <= 100 {
		t.Fatalf("p50 over evicted window: %v", got)
	}
}

func TestTrackerReset(t *testing.T) {
	tr := NewTracker(10)
	tr.Add(5)
	tr.Reset()
	if tr.Count() != 0 || tr.Percentile(50) != 0 {
		t.Fatal("reset did not clear samples")
	}
}
