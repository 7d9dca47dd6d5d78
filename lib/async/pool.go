// Package async provides bounded worker pool utilities.
package async

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/coachpo/pulse/errs"
)

const msgClosed = "pool closed"

// Task represents a unit of work executed by the pool workers.
type Task func(context.Context) error

// ErrorHandler receives task errors and recovered panics.
type ErrorHandler func(err error)

// Pool defines a bounded worker pool enforcing backpressure when saturated.
// A pool with a single worker executes tasks strictly in submission order.
type Pool struct {
	ctx     context.Context
	cancel  context.CancelFunc
	jobs    chan job
	wg      sync.WaitGroup
	workers sync.WaitGroup
	once    sync.Once

	mu     sync.RWMutex
	closed bool

	onError ErrorHandler
}

type job struct {
	ctx context.Context
	fn  Task
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithErrorHandler registers a callback for task errors and panics.
func WithErrorHandler(fn ErrorHandler) PoolOption {
	return func(p *Pool) {
		p.onError = fn
	}
}

// NewPool creates a worker pool with the given concurrency and queue depth.
func NewPool(workers, queue int, opts ...PoolOption) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("workers must be >0"))
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := new(Pool)
	p.ctx = ctx
	p.cancel = cancel
	p.jobs = make(chan job, queue)
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.workers.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p, nil
}

// NewSerial creates a single-worker pool: tasks run one at a time in submission order.
func NewSerial(queue int, opts ...PoolOption) (*Pool, error) {
	return NewPool(1, queue, opts...)
}

// Submit schedules the provided task for execution respecting pool backpressure.
// It never blocks: a saturated or closed pool rejects the task immediately.
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	if fn == nil {
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage(msgClosed))
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("submit context: %w", err)
	}
	p.wg.Add(1)
	select {
	case p.jobs <- job{ctx: ctx, fn: fn}:
		return nil
	default:
		p.wg.Done()
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool at capacity"))
	}
}

// Sync blocks until every task submitted before the call has been picked up and the
// marker task has run. On a serial pool this means all earlier tasks have completed.
func (p *Pool) Sync(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	done := make(chan struct{})
	marker := job{ctx: ctx, fn: func(context.Context) error {
		close(done)
		return nil
	}}
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage(msgClosed))
	}
	p.wg.Add(1)
	select {
	case p.jobs <- marker:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.wg.Done()
		p.mu.RUnlock()
		return fmt.Errorf("sync context: %w", ctx.Err())
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sync context: %w", ctx.Err())
	}
}

// Close stops accepting new tasks. Tasks already queued still run.
func (p *Pool) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.jobs)
		p.mu.Unlock()
	})
}

// Shutdown closes the pool and waits for queued tasks to complete or until the context
// expires, in which case the remaining tasks are abandoned.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		p.workers.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	case <-done:
		p.cancel()
		return nil
	}
}

func (p *Pool) worker() {
	defer p.workers.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			ctx := job.ctx
			if ctx == nil {
				ctx = p.ctx
			}
			p.run(ctx, job.fn)
			p.wg.Done()
		}
	}
}

func (p *Pool) run(ctx context.Context, fn Task) {
	defer func() {
		if r := recover(); r != nil {
			p.report(fmt.Errorf("task panic: %v", r))
		}
	}()
	if err := fn(ctx); err != nil {
		p.report(err)
	}
}

func (p *Pool) report(err error) {
	if p.onError != nil {
		p.onError(err)
	}
}

// IsClosed reports whether err is the rejection of a closed pool.
func IsClosed(err error) bool {
	var e *errs.E
	return errors.As(err, &e) && e.Code == errs.CodeUnavailable && e.Message == msgClosed
}
