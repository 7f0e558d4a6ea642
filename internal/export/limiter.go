package export

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Limiter bounds how many HTTP deliveries run in parallel. A zero or
// negative limit disables the bound entirely. Waiters queue in FIFO order
// and resume one at a time as slots free up.
type Limiter struct {
	sem *semaphore.Weighted // nil when unbounded
}

// NewLimiter creates a limiter admitting up to n concurrent deliveries.
func NewLimiter(n int) *Limiter {
	if n <= 0 {
		return &Limiter{}
	}
	return &Limiter{sem: semaphore.NewWeighted(int64(n))}
}

// Acquire blocks until a delivery slot is free or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.sem == nil {
		return nil
	}
	return l.sem.Acquire(ctx, 1)
}

// Release frees a slot. Must be called exactly once per successful Acquire,
// regardless of delivery outcome.
func (l *Limiter) Release() {
	if l.sem != nil {
		l.sem.Release(1)
	}
}
