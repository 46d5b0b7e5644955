package executor

import (
	"context"
	"log/slog"
	"sync"

	"github.com/xraph/tenancy/job"
)

// item is one unit of dispatched work: a locked job and its owning
// tenant.
type item struct {
	tenantID string
	job      *job.Job
}

// runFunc executes a locked job for a tenant. Pools never interpret
// jobs themselves.
type runFunc func(tenantID string, j *job.Job)

// Pool is a fixed set of worker goroutines fed by a bounded queue.
// Submit is non-blocking: when the queue is full the caller keeps the
// job and decides what to do with it.
type Pool struct {
	queue  chan item
	run    runFunc
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewPool creates a pool with the given worker count and queue
// capacity. Workers start consuming immediately.
func NewPool(workers, capacity int, run runFunc, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = 1
	}
	p := &Pool{
		queue:  make(chan item, capacity),
		run:    run,
		logger: logger,
	}
	p.wg.Add(workers)
	for range workers {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for it := range p.queue {
		p.run(it.tenantID, it.job)
	}
}

// Submit offers a job to the pool without blocking. It returns false
// when the queue is full or the pool has been stopped; the job is not
// consumed in either case.
func (p *Pool) Submit(tenantID string, j *job.Job) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.queue <- item{tenantID: tenantID, job: j}:
		return true
	default:
		return false
	}
}

// Stop rejects further submissions and waits for queued and in-flight
// jobs to finish. If the context expires first, Stop returns its error
// with workers still draining in the background.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown grace expired with jobs in flight")
		return ctx.Err()
	}
}
