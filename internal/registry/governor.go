package registry

import (
	"math"
	"sync/atomic"
)

// Admission threshold: registrations are rejected once the load ratio
// reaches 90% of per-process capacity.
const admissionThreshold = 0.9

// Governor computes the per-process load ratio and gates new registrations.
// Capacity is the system-wide connection target divided across processes.
type Governor struct {
	capacity int
	draining atomic.Bool
}

func NewGovernor(targetConnections, processCount int) *Governor {
	if processCount < 1 {
		processCount = 1
	}
	capacity := (targetConnections + processCount - 1) / processCount
	if capacity < 1 {
		capacity = 1
	}
	return &Governor{capacity: capacity}
}

func (g *Governor) Capacity() int { return g.capacity }

func (g *Governor) Load(active int) float64 {
	return float64(active) / float64(g.capacity)
}

// AtCapacity reports whether a new registration must be rejected. A draining
// process rejects everything regardless of load.
func (g *Governor) AtCapacity(active int) bool {
	return g.draining.Load() || g.Load(active) >= admissionThreshold
}

func (g *Governor) SetDraining(v bool) { g.draining.Store(v) }
func (g *Governor) Draining() bool     { return g.draining.Load() }

// RetryAfterSeconds maps load to a client backoff hint: ceil(load*5),
// clamped to [1,10]. Non-decreasing in load.
func (g *Governor) RetryAfterSeconds(load float64) int {
	s := int(math.Ceil(load * 5))
	if s < 1 {
		return 1
	}
	if s > 10 {
		return 10
	}
	return s
}
