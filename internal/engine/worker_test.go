package engine

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

func TestWorkerPool_Do(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	var ran bool
	err := pool.Do(context.Background(), func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, int64(1), pool.Metrics().Completed)
}

func TestWorkerPool_DoReturnsError(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	boom := errors.New("boom")
	err := pool.Do(context.Background(), func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(1), pool.Metrics().Failed)
}

func TestWorkerPool_DoRecoversPanic(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	err := pool.Do(context.Background(), func(ctx context.Context) error { panic("bad run") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad run")

	m := pool.Metrics()
	assert.Equal(t, int64(1), m.Panics)
	assert.Equal(t, int64(1), m.Failed)

	// The slot is released after a panic.
	require.NoError(t, pool.Do(context.Background(), func(ctx context.Context) error { return nil }))
}

func TestWorkerPool_ConcurrencyLimit(t *testing.T) {
	const size = 3
	pool := NewWorkerPool(size)
	defer pool.Shutdown()

	var current, peak int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = pool.Do(context.Background(), func(ctx context.Context) error {
				c := atomic.AddInt64(&current, 1)
				mu.Lock()
				peak = max(peak, c)
				mu.Unlock()
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt64(&current, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak, int64(size))
	assert.Positive(t, peak)
}

// occupy holds one pool slot until the returned release func is called.
func occupy(t *testing.T, pool *WorkerPool) (release func(), done <-chan error) {
	t.Helper()
	started := make(chan struct{})
	block := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		errCh <- pool.Do(context.Background(), func(ctx context.Context) error {
			close(started)
			<-block
			return nil
		})
	}()
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("work did not start")
	}
	return func() { close(block) }, errCh
}

func TestWorkerPool_Backpressure(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	release, first := occupy(t, pool)

	second := make(chan error, 1)
	go func() {
		second <- pool.Do(context.Background(), func(ctx context.Context) error { return nil })
	}()

	select {
	case <-second:
		t.Fatal("second Do should have blocked")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, int64(1), pool.Metrics().Active)

	release()
	require.NoError(t, <-first)
	select {
	case err := <-second:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("second Do did not unblock")
	}
	assert.Equal(t, int64(2), pool.Metrics().Completed)
}

func TestWorkerPool_ContextCancellation(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	release, first := occupy(t, pool)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- pool.Do(ctx, func(ctx context.Context) error { return nil })
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Do did not return after cancellation")
	}
	release()
	require.NoError(t, <-first)
}

func TestWorkerPool_GracefulShutdown(t *testing.T) {
	pool := NewWorkerPool(2)

	var completed int64
	var wg sync.WaitGroup
	started := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = pool.Do(context.Background(), func(ctx context.Context) error {
				started <- struct{}{}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt64(&completed, 1)
				return nil
			})
		}()
	}
	<-started
	<-started
	pool.Shutdown()

	assert.Equal(t, int64(2), atomic.LoadInt64(&completed))
	assert.Zero(t, pool.Metrics().Active)
	wg.Wait()
}

func TestWorkerPool_AfterShutdown(t *testing.T) {
	pool := NewWorkerPool(2)
	pool.Shutdown()
	pool.Shutdown()

	err := pool.Do(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolShutdown)
}

func TestRunLocks_ReleaseEntries(t *testing.T) {
	locks := runLocks{held: make(map[string]*runLock)}
	unlockA := locks.lock("a")
	unlockB := locks.lock("b")
	assert.Len(t, locks.held, 2)

	acquired := make(chan struct{})
	go func() {
		unlock := locks.lock("a")
		close(acquired)
		unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("second lock on the same run should wait")
	case <-time.After(30 * time.Millisecond):
	}
	unlockA()
	<-acquired
	unlockB()

	require.Eventually(t, func() bool {
		locks.mu.Lock()
		defer locks.mu.Unlock()
		return len(locks.held) == 0
	}, time.Second, 5*time.Millisecond)
}
