package agent

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inquest-ai/inquest/pkg/apperr"
)

func TestExecutorHalvesOnRateLimit(t *testing.T) {
	e := NewBoundedExecutor(8)
	ctx := context.Background()

	err := e.Do(ctx, func(context.Context) error {
		return apperr.E(apperr.KindRateLimited, "429")
	})
	require.Error(t, err)
	assert.Equal(t, 4, e.Limit())

	_ = e.Do(ctx, func(context.Context) error { return apperr.E(apperr.KindRateLimited, "429") })
	assert.Equal(t, 2, e.Limit())

	// Floor is 1, never 0.
	for i := 0; i < 4; i++ {
		_ = e.Do(ctx, func(context.Context) error { return apperr.E(apperr.KindRateLimited, "429") })
	}
	assert.Equal(t, 1, e.Limit())
}

func TestExecutorGrowsOnSuccessStreak(t *testing.T) {
	e := NewBoundedExecutor(4)
	ctx := context.Background()

	_ = e.Do(ctx, func(context.Context) error { return apperr.E(apperr.KindRateLimited, "429") })
	require.Equal(t, 2, e.Limit())

	for i := 0; i < successesPerIncrease; i++ {
		require.NoError(t, e.Do(ctx, func(context.Context) error { return nil }))
	}
	assert.Equal(t, 3, e.Limit())

	// Never grows past the configured ceiling.
	for i := 0; i < successesPerIncrease*4; i++ {
		require.NoError(t, e.Do(ctx, func(context.Context) error { return nil }))
	}
	assert.Equal(t, 4, e.Limit())
}

func TestExecutorPlainErrorResetsStreak(t *testing.T) {
	e := NewBoundedExecutor(4)
	ctx := context.Background()

	_ = e.Do(ctx, func(context.Context) error { return apperr.E(apperr.KindRateLimited, "429") })
	require.Equal(t, 2, e.Limit())

	for i := 0; i < successesPerIncrease-1; i++ {
		require.NoError(t, e.Do(ctx, func(context.Context) error { return nil }))
	}
	// A non-throttle failure clears the streak without shrinking.
	_ = e.Do(ctx, func(context.Context) error { return apperr.E(apperr.KindUpstream, "boom") })
	assert.Equal(t, 2, e.Limit())

	_ = e.Do(ctx, func(context.Context) error { return nil })
	assert.Equal(t, 2, e.Limit())
}

func TestExecutorBoundsConcurrency(t *testing.T) {
	const limit = 3
	e := NewBoundedExecutor(limit)
	ctx := context.Background()

	var active, peak atomic.Int64
	var wg sync.WaitGroup
	gate := make(chan struct{})

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.Do(ctx, func(context.Context) error {
				n := active.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				<-gate
				active.Add(-1)
				return nil
			})
		}()
	}
	close(gate)
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int64(limit))
}

func TestExecutorCancelledAcquire(t *testing.T) {
	e := NewBoundedExecutor(1)
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = e.Do(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	cancel()

	err := e.Do(ctx, func(context.Context) error { return nil })
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindCancelled))
	close(release)
}
