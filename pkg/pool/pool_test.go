package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBoundedConcurrency verifies at most K units run at once
func TestBoundedConcurrency(t *testing.T) {
	const max = 3
	p := New(context.Background(), max)

	var running, peak int32
	for i := 0; i < 20; i++ {
		p.Go(func(ctx context.Context) error {
			n := atomic.AddInt32(&running, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return nil
		})
	}
	require.NoError(t, p.Wait())
	assert.LessOrEqual(t, peak, int32(max))
}

// TestFirstErrorShortCircuits verifies units submitted after a failure never run
func TestFirstErrorShortCircuits(t *testing.T) {
	p := New(context.Background(), 1)
	boom := errors.New("boom")

	var ran int32
	p.Go(func(ctx context.Context) error { return boom })
	for i := 0; i < 10; i++ {
		p.Go(func(ctx context.Context) error {
			atomic.AddInt32(&ran, 1)
			return nil
		})
	}

	err := p.Wait()
	require.ErrorIs(t, err, boom)
	assert.Zero(t, atomic.LoadInt32(&ran))
}

// TestInFlightUnitsFinish verifies a failure does not interrupt running units
func TestInFlightUnitsFinish(t *testing.T) {
	p := New(context.Background(), 2)
	boom := errors.New("boom")

	started := make(chan struct{})
	var finished int32
	p.Go(func(ctx context.Context) error {
		close(started)
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&finished, 1)
		return nil
	})
	p.Go(func(ctx context.Context) error {
		<-started
		return boom
	})

	err := p.Wait()
	require.ErrorIs(t, err, boom)
	assert.Equal(t, int32(1), atomic.LoadInt32(&finished))
}

// TestExternalCancellation verifies context cancellation aborts scheduling
func TestExternalCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := New(ctx, 1)

	var mu sync.Mutex
	ran := 0
	p.Go(func(ctx context.Context) error {
		mu.Lock()
		ran++
		mu.Unlock()
		cancel()
		return nil
	})
	p.Go(func(ctx context.Context) error {
		mu.Lock()
		ran++
		mu.Unlock()
		return nil
	})

	p.Wait()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, ran)
}

// TestCancelledRunIsNotSuccess verifies Wait surfaces an external
// cancellation even when no unit observed it
func TestCancelledRunIsNotSuccess(t *testing.T) {
	cause := errors.New("shutting down")
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(cause)

	p := New(ctx, 2)
	var ran int32
	p.Go(func(ctx context.Context) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})

	err := p.Wait()
	require.ErrorIs(t, err, cause)
	assert.Zero(t, atomic.LoadInt32(&ran))
}

// TestEmptyPool verifies Wait on a pool with no units
func TestEmptyPool(t *testing.T) {
	p := New(context.Background(), 4)
	require.NoError(t, p.Wait())
}
