package paper

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Governor caps concurrent pipeline iterations of one job and carries the job's
// write-once quota-exhausted flag.
type Governor struct {
	sem       *semaphore.Weighted
	exhausted atomic.Bool
	once      sync.Once
	reason    string
}

// NewGovernor allows limit concurrent slots; limit < 1 means one.
func NewGovernor(limit int) *Governor {
	return &Governor{sem: semaphore.NewWeighted(int64(max(limit, 1)))}
}

// Acquire blocks for a slot. The returned release is safe to call more than once.
func (g *Governor) Acquire(ctx context.Context) (func(), error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { g.sem.Release(1) }) }, nil
}

// Exhaust sets the flag. Only the first call records its reason and returns true.
func (g *Governor) Exhaust(reason string) bool {
	first := false
	g.once.Do(func() {
		g.reason = reason
		g.exhausted.Store(true)
		first = true
	})
	return first
}

// Exhausted reports whether the flag is set.
func (g *Governor) Exhausted() bool {
	return g.exhausted.Load()
}

// Reason is the message given to the first Exhaust call.
func (g *Governor) Reason() string {
	if !g.Exhausted() {
		return ""
	}
	return g.reason
}
