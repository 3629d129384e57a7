package devicekeeper

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultConcurrency caps how many devices are acquiring or holding at once.
const DefaultConcurrency = 3

// Gate admits a bounded number of active attempts across the fleet.
type Gate interface {
	// Acquire blocks until a permit is free or ctx ends.
	Acquire(ctx context.Context) error
	Release()
}

// AdmissionGate is a counting semaphore with an observable in-use count.
type AdmissionGate struct {
	sem      *semaphore.Weighted
	capacity int64
	inUse    atomic.Int64
}

// NewAdmissionGate returns a gate with capacity permits; capacity <= 0 uses DefaultConcurrency.
func NewAdmissionGate(capacity int) *AdmissionGate {
	if capacity <= 0 {
		capacity = DefaultConcurrency
	}
	return &AdmissionGate{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
	}
}

func (g *AdmissionGate) Acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	g.inUse.Add(1)
	return nil
}

func (g *AdmissionGate) Release() {
	g.inUse.Add(-1)
	g.sem.Release(1)
}

// InUse reports permits currently held.
func (g *AdmissionGate) InUse() int { return int(g.inUse.Load()) }

// Capacity reports the configured ceiling.
func (g *AdmissionGate) Capacity() int { return int(g.capacity) }
