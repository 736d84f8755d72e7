// Package queue executes host operations off the interaction thread through
// a bounded work queue and a fixed worker pool.
//
// Ordering: jobs against the same host run strictly in submission order, one
// at a time, so commands never interleave on a single session. Jobs against
// different hosts run in parallel up to the worker count. The queue is
// bounded: when it is saturated, Submit fails fast with ErrQueueFull
// instead of growing without limit.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrQueueFull means the queue is saturated; the caller may resubmit
	// once in-flight work drains.
	ErrQueueFull = errors.New("queue: full")

	// ErrClosed means the queue has been shut down.
	ErrClosed = errors.New("queue: closed")
)

// RunFunc executes one job and produces its result. The Dispatcher provides
// the production implementation; tests substitute their own.
type RunFunc func(ctx context.Context, job Job) Result

// task pairs a job with its submission context and future.
type task struct {
	job Job
	ctx context.Context
	fut *Future
}

// hostQueue holds one host's pending tasks. running guards the per-host
// FIFO: at most one task per host is ever handed to a worker.
type hostQueue struct {
	pending []*task
	running bool
}

// Queue is a bounded, per-host-FIFO work queue with a fixed worker pool.
type Queue struct {
	run      RunFunc
	capacity int

	mu     sync.Mutex
	hosts  map[string]*hostQueue
	queued int // tasks pending or running, bounded by capacity
	closed bool

	ready chan string // host IDs with runnable work
	stop  chan struct{}
	wg    sync.WaitGroup
}

// New creates a queue with the given worker count and total capacity and
// starts its workers.
func New(run RunFunc, workers, capacity int) *Queue {
	if workers <= 0 {
		workers = 4
	}
	if capacity <= 0 {
		capacity = 64
	}
	q := &Queue{
		run:      run,
		capacity: capacity,
		hosts:    make(map[string]*hostQueue),
		ready:    make(chan string, capacity),
		stop:     make(chan struct{}),
	}
	q.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go q.worker()
	}
	return q
}

// Submit enqueues a job. The returned Future resolves exactly once; cancel
// ctx to cancel the job (a job cancelled before it starts never runs).
// Fails fast with ErrQueueFull when the queue is saturated.
func (q *Queue) Submit(ctx context.Context, job Job) (*Future, error) {
	t := &task{job: job, ctx: ctx, fut: newFuture()}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	if q.queued >= q.capacity {
		q.mu.Unlock()
		return nil, ErrQueueFull
	}
	q.queued++
	hq, ok := q.hosts[job.HostID]
	if !ok {
		hq = &hostQueue{}
		q.hosts[job.HostID] = hq
	}
	hq.pending = append(hq.pending, t)
	notify := !hq.running && len(hq.pending) == 1
	q.mu.Unlock()

	if notify {
		q.ready <- job.HostID
	}
	return t.fut, nil
}

// SubmitAll enqueues one job per entry and returns one future per job, in
// order. A job rejected at submission (queue full or closed) still gets a
// future, pre-resolved with the submission error, so broadcast callers
// always collect exactly one outcome per host.
func (q *Queue) SubmitAll(ctx context.Context, jobs []Job) []*Future {
	futs := make([]*Future, len(jobs))
	for i, job := range jobs {
		fut, err := q.Submit(ctx, job)
		if err != nil {
			fut = newFuture()
			now := time.Now()
			fut.fulfill(Result{Job: job, Err: err, Started: now, Finished: now})
		}
		futs[i] = fut
	}
	return futs
}

// worker pulls runnable hosts and executes one task at a time per host.
func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.stop:
			return
		case hostID := <-q.ready:
			q.runNext(hostID)
		}
	}
}

// runNext pops the oldest pending task for a host, runs it, and re-arms the
// host if more work is waiting.
func (q *Queue) runNext(hostID string) {
	q.mu.Lock()
	hq, ok := q.hosts[hostID]
	if !ok || hq.running || len(hq.pending) == 0 {
		q.mu.Unlock()
		return
	}
	t := hq.pending[0]
	hq.pending = hq.pending[1:]
	hq.running = true
	q.mu.Unlock()

	res := q.execute(t)

	// Release capacity before fulfilling: a submitter reacting to this
	// result must not race an ErrQueueFull from its own slot.
	q.mu.Lock()
	q.queued--
	hq.running = false
	more := len(hq.pending) > 0
	if !more {
		delete(q.hosts, hostID)
	}
	q.mu.Unlock()

	t.fut.fulfill(res)
	if more {
		q.ready <- hostID
	}
}

// execute runs one task unless its context was cancelled before it started.
func (q *Queue) execute(t *task) Result {
	started := time.Now()
	if err := t.ctx.Err(); err != nil {
		return Result{Job: t.job, Err: err, Started: started, Finished: started}
	}
	res := q.run(t.ctx, t.job)
	res.Job = t.job
	res.Started = started
	res.Finished = time.Now()
	return res
}

// Close stops the workers and fails every task that has not started with
// ErrClosed. In-flight tasks finish; Close returns once all workers exit.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	var orphaned []*task
	for id, hq := range q.hosts {
		orphaned = append(orphaned, hq.pending...)
		q.queued -= len(hq.pending)
		hq.pending = nil
		if !hq.running {
			delete(q.hosts, id)
		}
	}
	q.mu.Unlock()

	now := time.Now()
	for _, t := range orphaned {
		t.fut.fulfill(Result{Job: t.job, Err: ErrClosed, Started: now, Finished: now})
	}

	close(q.stop)
	q.wg.Wait()
}
