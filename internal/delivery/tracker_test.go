package delivery

import (
	"testing"
	"time"
)

func TestTrackerMarkOnce(t *testing.T) {
	tr := NewTracker(10 * time.Minute)

	if !tr.Mark("m1", "alice") {
		t.Fatal("first mark must be new")
	}
	if tr.Mark("m1", "alice") {
		t.Fatal("repeat mark must report already delivered")
	}
	if !tr.Mark("m1", "bob") {
		t.Fatal("different recipient must be independent")
	}
	if !tr.Mark("m2", "alice") {
		t.Fatal("different message must be independent")
	}
	if !tr.Delivered("m1", "alice") || tr.Delivered("m3", "alice") {
		t.Fatal("Delivered must reflect marks")
	}
}

func TestTrackerSweepEvictsStale(t *testing.T) {
	tr := NewTracker(10 * time.Minute)
	tr.Mark("m1", "alice")

	if evicted := tr.sweep(time.Now()); evicted != 0 {
		t.Fatalf("fresh record evicted: %d", evicted)
	}
	if evicted := tr.sweep(time.Now().Add(11 * time.Minute)); evicted != 1 {
		t.Fatalf("sweep evicted %d, want 1", evicted)
	}
	if tr.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", tr.Len())
	}

	// After eviction a repeat delivery becomes possible again.
	if !tr.Mark("m1", "alice") {
		t.Fatal("mark after eviction must be treated as new")
	}
}

func TestTrackerMarkRefreshesTTL(t *testing.T) {
	tr := NewTracker(10 * time.Minute)
	tr.Mark("m1", "alice")

	time.Sleep(time.Millisecond)
	tr.Mark("m1", "bob") // touches the record

	if evicted := tr.sweep(time.Now()); evicted != 0 {
		t.Fatal("recently touched record must survive the sweep")
	}
}
