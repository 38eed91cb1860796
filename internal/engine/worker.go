package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// PoolMetrics is a snapshot of what the act pool is doing and has done.
type PoolMetrics struct {
	Size      int   `json:"size"`
	Active    int64 `json:"active"`
	Waiting   int64 `json:"waiting"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when an act is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// PanicHandler receives the value of a task that panicked.
type PanicHandler func(recovered any)

// WorkerPool runs acts on a bounded number of goroutines. A task that
// panics is counted and reported, and never takes the process down.
type WorkerPool struct {
	slots   chan struct{}
	tasks   sync.WaitGroup
	onPanic PanicHandler

	active, waiting, completed, failed, panics atomic.Int64

	mu     sync.Mutex
	stop   chan struct{}
	closed bool
}

// NewWorkerPool creates a pool running at most size acts at once.
func NewWorkerPool(size int, onPanic PanicHandler) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		slots:   make(chan struct{}, size),
		stop:    make(chan struct{}),
		onPanic: onPanic,
	}
}

// Submit runs fn on the pool. It blocks while every slot is taken and gives
// up when ctx is done or the pool shuts down. fn receives ctx.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.isClosed() {
		return ErrPoolShutdown
	}

	p.waiting.Add(1)
	select {
	case p.slots <- struct{}{}:
		p.waiting.Add(-1)
	case <-ctx.Done():
		p.waiting.Add(-1)
		return ctx.Err()
	case <-p.stop:
		p.waiting.Add(-1)
		return ErrPoolShutdown
	}

	// tasks.Add happens under the lock so Shutdown cannot Wait in between.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return ErrPoolShutdown
	}
	p.tasks.Add(1)
	p.active.Add(1)
	p.mu.Unlock()

	go p.run(ctx, fn)
	return nil
}

func (p *WorkerPool) run(ctx context.Context, fn func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.failed.Add(1)
			if p.onPanic != nil {
				p.onPanic(r)
			}
		}
		p.active.Add(-1)
		<-p.slots
		p.tasks.Done()
	}()

	if err := fn(ctx); err != nil {
		p.failed.Add(1)
		return
	}
	p.completed.Add(1)
}

func (p *WorkerPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Wait blocks until all submitted acts finish.
func (p *WorkerPool) Wait() {
	p.tasks.Wait()
}

// Shutdown rejects new acts, releases blocked submitters and waits for
// running acts to finish.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stop)
	p.mu.Unlock()

	p.tasks.Wait()
}

func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Size:      cap(p.slots),
		Active:    p.active.Load(),
		Waiting:   p.waiting.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
