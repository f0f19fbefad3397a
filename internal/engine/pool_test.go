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

func TestCallPool_RunsSubmittedWork(t *testing.T) {
	pool := NewCallPool(2)
	defer pool.Shutdown(context.Background())

	var ran int64
	err := pool.Submit(context.Background(), func(ctx context.Context) error {
		atomic.AddInt64(&ran, 1)
		return nil
	})
	require.NoError(t, err)
	pool.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt64(&ran))
	assert.EqualValues(t, 1, pool.Stats().Completed)
}

func TestCallPool_ConcurrencyLimit(t *testing.T) {
	const size = 3
	pool := NewCallPool(size)
	defer pool.Shutdown(context.Background())

	var current, peak int64
	var mu sync.Mutex
	for i := 0; i < 10; i++ {
		err := pool.Submit(context.Background(), func(ctx context.Context) error {
			c := atomic.AddInt64(&current, 1)
			mu.Lock()
			if c > peak {
				peak = c
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return nil
		})
		require.NoError(t, err)
	}
	pool.Wait()

	assert.LessOrEqual(t, peak, int64(size))
	assert.EqualValues(t, 10, pool.Stats().Completed)
}

func TestCallPool_SubmitRespectsContextWhileFull(t *testing.T) {
	pool := NewCallPool(1)
	release := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		<-release
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, pool.Shutdown(context.Background()))
}

func TestCallPool_CountsFailuresAndPanics(t *testing.T) {
	pool := NewCallPool(2)
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		return errors.New("boom")
	}))
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		panic("worker exploded")
	}))
	pool.Wait()

	stats := pool.Stats()
	assert.EqualValues(t, 2, stats.Failed)
	assert.EqualValues(t, 1, stats.Panics)
	assert.Zero(t, stats.Active)
}

func TestCallPool_RejectsAfterShutdown(t *testing.T) {
	pool := NewCallPool(1)
	require.NoError(t, pool.Shutdown(context.Background()))

	err := pool.Submit(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolShutdown)
}

func TestCallPool_ShutdownHonorsDeadline(t *testing.T) {
	pool := NewCallPool(1)
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		<-release
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pool.Shutdown(ctx), context.DeadlineExceeded)
}
