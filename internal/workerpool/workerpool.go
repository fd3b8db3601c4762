// Package workerpool implements a bounded pool of goroutines for
// offloading CPU-bound work (DKIM/ARC signing, report gzip compression)
// off of the connection and queue goroutines that submit it, the same
// way the teacher's post-DATA hook runs external, possibly-slow work
// under its own context.Context deadline rather than blocking the
// caller indefinitely.
package workerpool

import (
	"context"
	"errors"
	"sync"

	"blitiri.com.ar/go/chasquid/internal/expvarom"
)

var (
	ErrClosed = errors.New("workerpool: pool is closed")

	jobsSubmitted = expvarom.NewMap("chasquid/workerpool/jobsSubmitted",
		"pool", "count of jobs submitted, by pool name")
	jobsCompleted = expvarom.NewMap("chasquid/workerpool/jobsCompleted",
		"pool", "count of jobs completed, by pool name (ok/error/rejected)")
)

// Job is a unit of CPU-bound work. It should respect ctx's deadline and
// cancellation the way exec.CommandContext-backed hooks do.
type Job func(ctx context.Context) (interface{}, error)

// Pool is a fixed-size set of goroutines draining a work queue. Jobs are
// submitted with Submit and their result collected from the returned
// Future; there's no result fan-in beyond that, callers wanting several
// results together should gather their own Futures (mirroring how
// Queue.SendLoop gathers per-recipient sends with a sync.WaitGroup).
type Pool struct {
	name string

	mu     sync.Mutex
	closed bool
	workC  chan workItem
	wg     sync.WaitGroup
}

type workItem struct {
	ctx    context.Context
	job    Job
	result chan Future
}

// Future holds the outcome of a submitted Job, once it's run.
type Future struct {
	Value interface{}
	Err   error
}

// New starts a Pool with the given number of worker goroutines. name is
// used as the expvar label for this pool's job counters.
func New(name string, workers int) *Pool {
	if workers < 1 {
		workers = 1
	}

	p := &Pool{
		name:  name,
		workC: make(chan workItem, workers*4),
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}

	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for wi := range p.workC {
		if wi.ctx.Err() != nil {
			jobsCompleted.Add(p.name+":rejected", 1)
			wi.result <- Future{Err: wi.ctx.Err()}
			close(wi.result)
			continue
		}

		v, err := wi.job(wi.ctx)
		if err != nil {
			jobsCompleted.Add(p.name+":error", 1)
		} else {
			jobsCompleted.Add(p.name+":ok", 1)
		}
		wi.result <- Future{Value: v, Err: err}
		close(wi.result)
	}
}

// Submit enqueues job for execution by one of the pool's workers, and
// returns a channel that receives exactly one Future once it completes.
// Submit itself never blocks on job's execution, only (briefly) on queue
// space; if ctx is already done when a worker picks up the job, the job
// is skipped and the Future carries ctx.Err() instead.
func (p *Pool) Submit(ctx context.Context, job Job) (<-chan Future, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	jobsSubmitted.Add(p.name, 1)
	result := make(chan Future, 1)
	wi := workItem{ctx: ctx, job: job, result: result}

	select {
	case p.workC <- wi:
	case <-ctx.Done():
		jobsCompleted.Add(p.name+":rejected", 1)
		result <- Future{Err: ctx.Err()}
		close(result)
	}

	return result, nil
}

// Run submits job and blocks until its Future is available or ctx is
// done, whichever comes first.
func (p *Pool) Run(ctx context.Context, job Job) (interface{}, error) {
	result, err := p.Submit(ctx, job)
	if err != nil {
		return nil, err
	}

	select {
	case f := <-result:
		return f.Value, f.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting new jobs and waits for in-flight and already
// queued jobs to drain. It does not cancel jobs that are running.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.workC)
	p.mu.Unlock()

	p.wg.Wait()
}
