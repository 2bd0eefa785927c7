package agent

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/inquest-ai/inquest/pkg/apperr"
	"github.com/inquest-ai/inquest/pkg/metrics"
)

// BoundedExecutor caps concurrent model calls across all jobs and adapts the
// cap to upstream throttling: additive increase on success streaks,
// multiplicative decrease on rate limits. The hard ceiling is the configured
// parallelism; the floor is 1.
type BoundedExecutor struct {
	sem *semaphore.Weighted
	max int64

	mu        sync.Mutex
	desired   int64 // AIMD target limit
	borrowed  int64 // tokens withheld from the semaphore
	successes int   // successes since the last adjustment
}

// successesPerIncrease is the streak length that earns one more token.
const successesPerIncrease = 8

// NewBoundedExecutor creates an executor with the given maximum parallelism.
func NewBoundedExecutor(maxParallel int) *BoundedExecutor {
	if maxParallel < 1 {
		maxParallel = 1
	}
	e := &BoundedExecutor{
		sem:     semaphore.NewWeighted(int64(maxParallel)),
		max:     int64(maxParallel),
		desired: int64(maxParallel),
	}
	metrics.ExecutorLimit.Set(float64(maxParallel))
	return e
}

// Do runs fn holding one execution token. The error is fed back into the
// AIMD controller: rate-limit errors halve the limit, successes slowly
// restore it.
func (e *BoundedExecutor) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return apperr.Wrap(apperr.KindCancelled, "waiting for execution slot", err)
	}
	defer func() {
		e.sem.Release(1)
		// Releasing may free the token a pending shrink is waiting for.
		e.mu.Lock()
		e.reconcile()
		e.mu.Unlock()
	}()

	err := fn(ctx)
	e.observe(err)
	return err
}

// observe applies the AIMD update.
func (e *BoundedExecutor) observe(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case apperr.Is(err, apperr.KindRateLimited):
		e.successes = 0
		e.desired /= 2
		if e.desired < 1 {
			e.desired = 1
		}
	case err != nil:
		// Non-throttle failures leave the limit alone but reset the streak.
		e.successes = 0
	default:
		e.successes++
		if e.successes >= successesPerIncrease && e.desired < e.max {
			e.successes = 0
			e.desired++
		}
	}
	e.reconcile()
}

// reconcile moves the effective limit (max - borrowed) toward desired.
// Shrinking only captures currently-free tokens; tokens in use are captured
// as their holders release them. Callers hold e.mu.
func (e *BoundedExecutor) reconcile() {
	for e.max-e.borrowed > e.desired && e.sem.TryAcquire(1) {
		e.borrowed++
	}
	for e.max-e.borrowed < e.desired && e.borrowed > 0 {
		e.sem.Release(1)
		e.borrowed--
	}
	metrics.ExecutorLimit.Set(float64(e.max - e.borrowed))
}

// Limit reports the current effective limit, for the status surface.
func (e *BoundedExecutor) Limit() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return int(e.max - e.borrowed)
}
