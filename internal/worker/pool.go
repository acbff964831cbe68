package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Task is a unit of work run by a pool goroutine.
type Task func(ctx context.Context)

// Pool manages a fixed number of worker goroutines fed through a channel.
type Pool struct {
	name       string
	numWorkers int
	tasks      chan Task
	logger     *slog.Logger
	wg         sync.WaitGroup
	stopOnce   sync.Once
}

// NewPool creates a worker pool with the given number of workers.
func NewPool(name string, numWorkers int, logger *slog.Logger) *Pool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	return &Pool{
		name:       name,
		numWorkers: numWorkers,
		tasks:      make(chan Task, numWorkers*2),
		logger:     logger,
	}
}

// Size is the number of worker goroutines.
func (p *Pool) Size() int { return p.numWorkers }

// Start launches all worker goroutines. They read from the task channel
// until it is closed.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.Info("worker pool started", "pool", p.name, "num_workers", p.numWorkers)
}

// Submit hands a task to the pool, blocking until a worker slot in the
// channel is free or ctx is done.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	select {
	case p.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes the task channel and waits for queued tasks to finish.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.tasks)
		p.wg.Wait()
		p.logger.Info("worker pool stopped", "pool", p.name)
	})
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for task := range p.tasks {
		p.run(ctx, id, task)
	}
}

// run executes one task and keeps the worker alive if it panics.
func (p *Pool) run(ctx context.Context, id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker task panicked",
				"pool", p.name,
				"worker_id", id,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	task(ctx)
}
