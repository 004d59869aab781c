// Package worker provides a bounded worker pool for concurrent task
// execution, used to prefetch recommendation and search entries without
// fanning out unbounded goroutines.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrBackpressure is returned by TrySubmit when the queue is full.
var ErrBackpressure = errors.New("worker pool queue is full")

// Job is a unit of work.
type Job struct {
	// ID identifies the job in results and logs.
	ID string
	// Execute runs the work. It receives the pool's context.
	Execute func(ctx context.Context) (interface{}, error)
}

// Result is the outcome of one job.
type Result struct {
	JobID string
	Value interface{}
	Err   error
}

// Stats is a snapshot of pool counters.
type Stats struct {
	JobsSubmitted int64
	JobsCompleted int64
	JobsFailed    int64
}

// Pool runs jobs on a fixed number of worker goroutines pulling from a
// bounded queue.
type Pool struct {
	workers  int
	jobQueue chan Job
	results  chan Result
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// NewPool creates a pool with the given worker count and queue buffer and
// starts its workers immediately.
func NewPool(ctx context.Context, workers int, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}

	poolCtx, cancel := context.WithCancel(ctx)

	p := &Pool{
		workers:  workers,
		jobQueue: make(chan Job, queueSize),
		results:  make(chan Result, queueSize),
		ctx:      poolCtx,
		cancel:   cancel,
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case job := <-p.jobQueue:
			value, err := job.Execute(p.ctx)
			p.completed.Add(1)
			if err != nil {
				p.failed.Add(1)
			}
			// Drop the result if nobody is consuming the channel.
			select {
			case p.results <- Result{JobID: job.ID, Value: value, Err: err}:
			default:
			}
		}
	}
}

// Submit queues a job, blocking while the queue is full. It fails once
// the pool's context is cancelled.
func (p *Pool) Submit(job Job) error {
	if err := p.ctx.Err(); err != nil {
		return err
	}
	select {
	case <-p.ctx.Done():
		return p.ctx.Err()
	case p.jobQueue <- job:
		p.submitted.Add(1)
		return nil
	}
}

// TrySubmit queues a job without blocking, returning ErrBackpressure when
// the queue is full.
func (p *Pool) TrySubmit(job Job) error {
	if err := p.ctx.Err(); err != nil {
		return err
	}
	select {
	case p.jobQueue <- job:
		p.submitted.Add(1)
		return nil
	default:
		return ErrBackpressure
	}
}

// SubmitAndWait submits the jobs and collects their results. Results come
// back in completion order, not submission order.
func (p *Pool) SubmitAndWait(jobs []Job) []Result {
	for _, job := range jobs {
		if err := p.Submit(job); err != nil {
			break
		}
	}

	results := make([]Result, 0, len(jobs))
	for i := 0; i < len(jobs); i++ {
		select {
		case <-p.ctx.Done():
			return results
		case result := <-p.results:
			results = append(results, result)
		}
	}

	return results
}

// Results returns the channel job outcomes are delivered on.
func (p *Pool) Results() <-chan Result {
	return p.results
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() Stats {
	return Stats{
		JobsSubmitted: p.submitted.Load(),
		JobsCompleted: p.completed.Load(),
		JobsFailed:    p.failed.Load(),
	}
}

// Close stops accepting jobs and waits for in-flight jobs to finish.
// Jobs still waiting in the queue are abandoned. The queue channel is
// never closed so concurrent Submit calls cannot panic.
func (p *Pool) Close() {
	p.cancel()
	p.wg.Wait()
	close(p.results)
}

// Workers returns the number of workers in the pool.
func (p *Pool) Workers() int {
	return p.workers
}

// QueueLen returns the number of jobs waiting in the queue.
func (p *Pool) QueueLen() int {
	return len(p.jobQueue)
}
