package registry

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// WorkerPool bounds how many handlers run at once on one connection
type WorkerPool struct {
	name     string
	size     int
	sem      *semaphore.Weighted
	wg       sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
	inFlight atomic.Int64
}

// NewWorkerPool creates a pool with size slots; size below 1 means one slot
func NewWorkerPool(name string, size int) *WorkerPool {
	if size < 1 {
		size = 1
	}
	return &WorkerPool{
		name: name,
		size: size,
		sem:  semaphore.NewWeighted(int64(size)),
	}
}

// Run waits for a free slot, runs fn on the caller's goroutine and releases
// the slot. It returns ctx.Err() if no slot frees up in time and
// ErrPoolClosed once the pool is closed.
func (p *WorkerPool) Run(ctx context.Context, fn func(ctx context.Context)) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrPoolClosed
	}
	p.wg.Add(1)
	p.mu.RUnlock()
	defer p.wg.Done()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)

	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	fn(ctx)
	return nil
}

// Name returns the connection name the pool belongs to
func (p *WorkerPool) Name() string {
	return p.name
}

// Size returns the number of slots
func (p *WorkerPool) Size() int {
	return p.size
}

// InFlight returns the number of handlers currently running
func (p *WorkerPool) InFlight() int {
	return int(p.inFlight.Load())
}

// Close rejects new work and waits for running handlers to return
func (p *WorkerPool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.wg.Wait()
}
