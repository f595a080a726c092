package registry

import "testing"

func TestGovernorCapacity(t *testing.T) {
	cases := []struct {
		target, processes, want int
	}{
		{10000, 4, 2500},
		{10000, 3, 3334}, // ceiling division
		{1, 4, 1},
		{100, 0, 100}, // zero processes treated as one
	}
	for _, tc := range cases {
		g := NewGovernor(tc.target, tc.processes)
		if got := g.Capacity(); got != tc.want {
			t.Fatalf("capacity(%d, %d) = %d, want %d", tc.target, tc.processes, got, tc.want)
		}
	}
}

func TestGovernorAtCapacity(t *testing.T) {
	g := NewGovernor(1000, 1)

	if g.AtCapacity(899) {
		t.Fatal("89.9%% load must be admitted")
	}
	if !g.AtCapacity(900) {
		t.Fatal("90%% load must be rejected")
	}
	if !g.AtCapacity(1000) {
		t.Fatal("full load must be rejected")
	}
}

func TestGovernorDrainingRejectsEverything(t *testing.T) {
	g := NewGovernor(1000, 1)
	g.SetDraining(true)
	if !g.AtCapacity(0) {
		t.Fatal("draining process must reject even at zero load")
	}
	g.SetDraining(false)
	if g.AtCapacity(0) {
		t.Fatal("un-draining must restore admission")
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	g := NewGovernor(1000, 1)

	cases := []struct {
		load float64
		want int
	}{
		{0, 1},
		{0.1, 1},
		{0.3, 2},
		{0.9, 5},
		{1.0, 5},
		{1.5, 8},
		{2.0, 10},
		{9.0, 10}, // clamped
	}
	prev := 0
	for _, tc := range cases {
		got := g.RetryAfterSeconds(tc.load)
		if got != tc.want {
			t.Fatalf("RetryAfterSeconds(%v) = %d, want %d", tc.load, got, tc.want)
		}
		if got < prev {
			t.Fatalf("RetryAfterSeconds must be non-decreasing, got %d after %d", got, prev)
		}
		prev = got
	}
}
