package runner

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// RunOrdered executes n jobs with at most maxWorkers concurrently and
// returns their results indexed by job number, independent of completion
// order. Jobs report failure through their result value.
func RunOrdered[T any](ctx context.Context, maxWorkers, n int, job func(ctx context.Context, i int) T) []T {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	results := make([]T, n)
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(maxWorkers)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			results[i] = job(gCtx, i)
			return nil
		})
	}
	g.Wait()
	return results
}

// Limiter bounds concurrent external calls (backend requests, verifier
// processes) across the whole process. A nil Limiter does not limit.
type Limiter struct {
	sem *semaphore.Weighted
}

func NewLimiter(n int) *Limiter {
	if n < 1 {
		n = 1
	}
	return &Limiter{sem: semaphore.NewWeighted(int64(n))}
}

// Do runs fn while holding one token.
func (l *Limiter) Do(ctx context.Context, fn func() error) error {
	if l == nil {
		return fn()
	}
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.sem.Release(1)
	return fn()
}
