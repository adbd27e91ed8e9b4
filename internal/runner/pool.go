// Package runner executes research and document-processing units of work on
// a worker pool, decoupled from the request-handling path.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrQueueFull is returned when a unit cannot be enqueued without blocking.
var ErrQueueFull = errors.New("work queue is full")

// Pool is a fixed-size worker pool over a buffered job queue. Requests
// fire-and-enqueue; they never block on execution.
type Pool struct {
	jobs    chan func(context.Context)
	workers int
	wg      sync.WaitGroup
	once    sync.Once
}

// NewPool creates a pool with the given number of workers and queue capacity.
func NewPool(workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Pool{
		jobs:    make(chan func(context.Context), queueSize),
		workers: workers,
	}
}

// Start launches the workers. Workers run until ctx is cancelled, then drain
// nothing further; in-flight units run to completion.
func (p *Pool) Start(ctx context.Context) {
	p.once.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
		slog.Info("worker pool started", "workers", p.workers, "queue_size", cap(p.jobs))
	})
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case job := <-p.jobs:
			p.run(ctx, id, job)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pool) run(ctx context.Context, id int, job func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("worker recovered from panic", "worker", id, "panic", r)
		}
	}()
	job(ctx)
}

// Enqueue submits a unit of work without blocking. Returns ErrQueueFull when
// the queue has no capacity.
func (p *Pool) Enqueue(job func(context.Context)) error {
	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Wait blocks until all workers have stopped. Call after cancelling the
// context passed to Start.
func (p *Pool) Wait() {
	p.wg.Wait()
}
