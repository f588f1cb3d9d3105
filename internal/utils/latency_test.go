package utils

import (
	"testing"
	"time"
)

func TestLatencyTrackerPercentile(t *testing.T) {
	tracker := NewLatencyTracker(100)
	for i := 1; i <= 100; i++ {
		tracker.Observe(time.Duration(i) * time.Millisecond)
	}

	if got := tracker.Percentile(95); got != 95*time.Millisecond {
		t.Fatalf("p95 = %v, want 95ms", got)
	}
	if got := tracker.Percentile(0); got != time.Millisecond {
		t.Fatalf("p0 = %v, want 1ms", got)
	}
	if got := tracker.Percentile(100); got != 100*time.Millisecond {
		t.Fatalf("p100 = %v, want 100ms", got)
	}
}

func TestLatencyTrackerEmpty(t *testing.T) {
	tracker := NewLatencyTracker(10)
	if got := tracker.Percentile(95); got != 0 {
		t.Fatalf("p95 on empty tracker = %v, want 0", got)
	}
	if tracker.Count() != 0 {
		t.Fatalf("count = %d", tracker.Count())
	}
}

func TestLatencyTrackerRingOverwrite(t *testing.T) {
	tracker := NewLatencyTracker(4)
	for i := 1; i <= 8; i++ {
		tracker.Observe(time.Duration(i) * time.Second)
	}

	if tracker.Count() != 8 {
		t.Fatalf("count = %d, want all observations counted", tracker.Count())
	}
	// Only the last four samples remain; the minimum must be 5s.
	if got := tracker.Percentile(0); got != 5*time.Second {
		t.Fatalf("p0 = %v, want 5s after overwrite", got)
	}
}
