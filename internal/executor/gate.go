package executor

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// gateCapacity is the total weight of the shared gate. A call admitted under
// a limit of n takes gateCapacity/n, so at most n such calls run at once.
// Limits above maxGateLimit are treated as maxGateLimit.
const (
	gateCapacity = 1 << 16
	maxGateLimit = 255
)

type gate struct {
	sem *semaphore.Weighted
}

func newGate() *gate {
	return &gate{sem: semaphore.NewWeighted(gateCapacity)}
}

func weightFor(limit int) int64 {
	if limit < 1 {
		limit = 1
	}
	if limit > maxGateLimit {
		limit = maxGateLimit
	}
	return gateCapacity / int64(limit)
}

// acquire waits until a slot under limit is free or ctx is done. The returned
// release func must be called exactly once.
func (g *gate) acquire(ctx context.Context, limit int) (func(), error) {
	w := weightFor(limit)
	if err := g.sem.Acquire(ctx, w); err != nil {
		return nil, err
	}
	return func() { g.sem.Release(w) }, nil
}
