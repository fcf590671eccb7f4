package dispatcher

import (
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Gate caps the number of in-flight dispatches. Acquisition never waits:
// at capacity the caller drops its work.
type Gate struct {
	sem    *semaphore.Weighted
	max    int64
	active atomic.Int64
}

// NewGate creates a gate admitting at most max concurrent holders.
func NewGate(max int) *Gate {
	if max < 1 {
		max = 1
	}
	return &Gate{sem: semaphore.NewWeighted(int64(max)), max: int64(max)}
}

// TryAcquire takes a slot if one is free.
func (g *Gate) TryAcquire() bool {
	if !g.sem.TryAcquire(1) {
		return false
	}
	g.active.Add(1)
	return true
}

// Release returns a slot. Callers release in a defer.
func (g *Gate) Release() {
	g.active.Add(-1)
	g.sem.Release(1)
}

// Active returns the number of held slots.
func (g *Gate) Active() int {
	return int(g.active.Load())
}

// Max returns the gate capacity.
func (g *Gate) Max() int {
	return int(g.max)
}
