package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// PoolStats tracks worker call pool counters.
type PoolStats struct {
	Active    int64 `json:"active"`
	Waiting   int64 `json:"waiting"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when a call is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("call pool is shut down")

// CallPool bounds how many worker calls execute at once across all runs.
type CallPool struct {
	sem    chan struct{}
	wg     sync.WaitGroup
	stats  PoolStats
	mu     sync.Mutex
	done   chan struct{}
	closed bool
}

// NewCallPool creates a pool with the given max concurrency.
func NewCallPool(size int) *CallPool {
	if size <= 0 {
		size = 1
	}
	return &CallPool{
		sem:  make(chan struct{}, size),
		done: make(chan struct{}),
	}
}

// Size returns the concurrency limit.
func (p *CallPool) Size() int { return cap(p.sem) }

// Submit runs fn on its own goroutine once a slot is free. It blocks while
// the pool is at capacity and gives up when ctx is done or the pool shuts
// down. A panic in fn is recovered and counted as a failure.
func (p *CallPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	atomic.AddInt64(&p.stats.Waiting, 1)
	select {
	case p.sem <- struct{}{}:
		atomic.AddInt64(&p.stats.Waiting, -1)
	case <-ctx.Done():
		atomic.AddInt64(&p.stats.Waiting, -1)
		return ctx.Err()
	case <-p.done:
		atomic.AddInt64(&p.stats.Waiting, -1)
		return ErrPoolShutdown
	}

	// wg.Add must happen under the lock so Shutdown cannot miss it.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	atomic.AddInt64(&p.stats.Active, 1)
	p.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.stats.Panics, 1)
				atomic.AddInt64(&p.stats.Failed, 1)
			}
			atomic.AddInt64(&p.stats.Active, -1)
			<-p.sem
			p.wg.Done()
		}()

		if err := fn(ctx); err != nil {
			atomic.AddInt64(&p.stats.Failed, 1)
		} else {
			atomic.AddInt64(&p.stats.Completed, 1)
		}
	}()

	return nil
}

// Wait blocks until all submitted calls return.
func (p *CallPool) Wait() {
	p.wg.Wait()
}

// Shutdown stops accepting calls and waits for running ones until ctx is
// done. Callers are expected to have cancelled the calls' contexts first.
func (p *CallPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of the pool counters.
func (p *CallPool) Stats() PoolStats {
	return PoolStats{
		Active:    atomic.LoadInt64(&p.stats.Active),
		Waiting:   atomic.LoadInt64(&p.stats.Waiting),
		Completed: atomic.LoadInt64(&p.stats.Completed),
		Failed:    atomic.LoadInt64(&p.stats.Failed),
		Panics:    atomic.LoadInt64(&p.stats.Panics),
	}
}
