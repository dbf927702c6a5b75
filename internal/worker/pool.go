// Package worker provides the parallel execution context used for custom
// blending and history entry compression.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrUnavailable is returned when the pool is not started or has been stopped.
	ErrUnavailable = errors.New("worker pool unavailable")

	// ErrTimeout is returned when a round-trip exceeds Config.Timeout.
	ErrTimeout = errors.New("worker round-trip timed out")
)

// Task is a unit of work. It receives a context bounded by the pool timeout.
type Task func(ctx context.Context) error

// Result represents the outcome of one task in a Run batch.
type Result struct {
	Index   int
	Err     error
	Elapsed time.Duration
}

// ProgressFunc is called after each task of a Run batch completes.
type ProgressFunc func(completed, total, failed int)

// Config configures the worker pool.
type Config struct {
	// Workers is the number of goroutines (default: number of CPUs)
	Workers int
	// QueueSize is the number of tasks that may wait for a worker (default: 4*Workers)
	QueueSize int
	// Timeout bounds every round-trip; zero disables the bound
	Timeout    time.Duration
	OnProgress ProgressFunc
	Logger     *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers: runtime.NumCPU(),
		Timeout: 5 * time.Second,
	}
}

// Status is a point-in-time view of the pool.
type Status struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	TimedOut  int64 `json:"timed_out"`
}

type job struct {
	ctx  context.Context
	fn   Task
	done chan error
}

// Pool runs tasks on a fixed set of goroutines.
type Pool struct {
	cfg  Config
	jobs chan job

	mu      sync.RWMutex
	started bool
	closed  bool
	wg      sync.WaitGroup

	active    atomic.Int32
	completed atomic.Int64
	failed    atomic.Int64
	timedOut  atomic.Int64
}

// New creates a pool. Call Start before submitting work.
func New(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4 * cfg.Workers
	}
	return &Pool{
		cfg:  cfg,
		jobs: make(chan job, cfg.QueueSize),
	}
}

func (p *Pool) log() *slog.Logger {
	if p.cfg.Logger != nil {
		return p.cfg.Logger
	}
	return slog.Default()
}

// Start launches the worker goroutines. Calling it again is a no-op.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true

	p.log().Debug("starting worker pool", "workers", p.cfg.Workers)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Stop refuses new work, lets queued tasks drain and waits for the workers.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
}

// Available reports whether the pool accepts work.
func (p *Pool) Available() bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started && !p.closed
}

// Timeout returns the configured round-trip bound.
func (p *Pool) Timeout() time.Duration {
	return p.cfg.Timeout
}

// Status returns current counters.
func (p *Pool) Status() Status {
	return Status{
		Workers:   p.cfg.Workers,
		Active:    int(p.active.Load()),
		Queued:    len(p.jobs),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		TimedOut:  p.timedOut.Load(),
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for j := range p.jobs {
		p.active.Add(1)
		err := j.ctx.Err()
		if err == nil {
			err = runSafely(j.ctx, j.fn)
		}
		p.active.Add(-1)

		if err != nil {
			p.failed.Add(1)
		} else {
			p.completed.Add(1)
		}
		j.done <- err
	}
}

func runSafely(ctx context.Context, fn Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker task panicked: %v", r)
		}
	}()
	return fn(ctx)
}

// Submit queues fn and returns a channel that yields its error once. The
// task context carries the pool timeout.
func (p *Pool) Submit(ctx context.Context, fn Task) (<-chan error, error) {
	if p == nil {
		return nil, ErrUnavailable
	}

	var cancel context.CancelFunc = func() {}
	if p.cfg.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
	}

	inner := make(chan error, 1)
	p.mu.RLock()
	if !p.started || p.closed {
		p.mu.RUnlock()
		cancel()
		return nil, ErrUnavailable
	}
	select {
	case p.jobs <- job{ctx: ctx, fn: fn, done: inner}:
	case <-ctx.Done():
		p.mu.RUnlock()
		cancel()
		return nil, p.wrapCtxErr(ctx.Err())
	}
	p.mu.RUnlock()

	out := make(chan error, 1)
	go func() {
		defer cancel()
		select {
		case err := <-inner:
			if errors.Is(err, context.DeadlineExceeded) {
				err = p.wrapCtxErr(err)
			}
			out <- err
		case <-ctx.Done():
			out <- p.wrapCtxErr(ctx.Err())
		}
	}()
	return out, nil
}

func (p *Pool) wrapCtxErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		p.timedOut.Add(1)
		return fmt.Errorf("%w after %s", ErrTimeout, p.cfg.Timeout)
	}
	return err
}

// Do submits fn and waits for it.
func (p *Pool) Do(ctx context.Context, fn Task) error {
	done, err := p.Submit(ctx, fn)
	if err != nil {
		return err
	}
	return <-done
}

// Call runs fn on the pool and returns its value.
func Call[T any](ctx context.Context, p *Pool, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Run executes all tasks in parallel and blocks until each has finished
// or failed. Results are returned in task order.
func (p *Pool) Run(ctx context.Context, tasks []Task) []Result {
	if len(tasks) == 0 {
		return nil
	}

	results := make([]Result, len(tasks))
	type pending struct {
		done  <-chan error
		start time.Time
	}
	waits := make([]pending, len(tasks))

	for i, t := range tasks {
		results[i].Index = i
		done, err := p.Submit(ctx, t)
		if err != nil {
			results[i].Err = err
			continue
		}
		waits[i] = pending{done: done, start: time.Now()}
	}

	var failed int
	for i, w := range waits {
		if w.done != nil {
			results[i].Err = <-w.done
			results[i].Elapsed = time.Since(w.start)
		}
		if results[i].Err != nil {
			failed++
		}
		if p != nil && p.cfg.OnProgress != nil {
			p.cfg.OnProgress(i+1, len(tasks), failed)
		}
	}

	return results
}

// FirstError returns the first non-nil error of a Run batch.
func FirstError(results []Result) error {
	for _, r := range results {
		if r.Err != nil {
			return r.Err
		}
	}
	return nil
}
