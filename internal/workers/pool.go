// Package workers provides a small bounded goroutine pool used to fan work
// out across symbols without spawning one goroutine per symbol.
package workers

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of work submitted to a Pool.
type Task interface {
	Execute(ctx context.Context) error
}

// TaskFunc adapts a plain function to the Task interface.
type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Execute(ctx context.Context) error { return f(ctx) }

// Config configures a Pool.
type Config struct {
	Name            string
	NumWorkers      int
	QueueSize       int
	TaskTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a pool sized for the OCO monitor's per-symbol fan-out
// (I/O bound venue polling, not CPU-bound work).
func DefaultConfig(name string) Config {
	return Config{
		Name:            name,
		NumWorkers:      8,
		QueueSize:       256,
		TaskTimeout:     10 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Pool runs submitted tasks across a bounded number of worker goroutines.
type Pool struct {
	cfg Config
	log *zap.Logger

	taskQueue chan Task
	wg        sync.WaitGroup

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc

	tasksSubmitted atomic.Int64
	tasksCompleted atomic.Int64
	tasksFailed    atomic.Int64
}

// New creates and starts a worker pool.
func New(log *zap.Logger, cfg Config) *Pool {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:       cfg,
		log:       log,
		taskQueue: make(chan Task, cfg.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}
	p.running.Store(true)
	for i := 0; i < cfg.NumWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case task, ok := <-p.taskQueue:
			if !ok {
				return
			}
			p.runTask(task)
		}
	}
}

func (p *Pool) runTask(task Task) {
	taskCtx := p.ctx
	var cancel context.CancelFunc
	if p.cfg.TaskTimeout > 0 {
		taskCtx, cancel = context.WithTimeout(p.ctx, p.cfg.TaskTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			p.tasksFailed.Add(1)
			p.log.Error("worker task panic", zap.String("pool", p.cfg.Name), zap.Any("panic", r))
		}
	}()

	if err := task.Execute(taskCtx); err != nil {
		p.tasksFailed.Add(1)
		p.log.Warn("worker task failed", zap.String("pool", p.cfg.Name), zap.Error(err))
		return
	}
	p.tasksCompleted.Add(1)
}

// Submit enqueues a task without blocking for completion. Returns an error
// if the queue is full or the pool is stopped.
func (p *Pool) Submit(task Task) error {
	if !p.running.Load() {
		return fmt.Errorf("pool %s is stopped", p.cfg.Name)
	}
	select {
	case p.taskQueue <- task:
		p.tasksSubmitted.Add(1)
		return nil
	default:
		return fmt.Errorf("pool %s queue full", p.cfg.Name)
	}
}

// SubmitFunc is a convenience wrapper around Submit for plain functions.
func (p *Pool) SubmitFunc(fn func(ctx context.Context) error) error {
	return p.Submit(TaskFunc(fn))
}

// SubmitAndWait runs a batch of tasks concurrently across the pool and
// blocks until every one of them has completed, returning the first error
// encountered (if any). Used by the OCO monitor's per-symbol tick.
func (p *Pool) SubmitAndWait(tasks []Task) error {
	var wg sync.WaitGroup
	errs := make([]error, len(tasks))
	for i, task := range tasks {
		i, task := i, task
		wg.Add(1)
		if err := p.Submit(TaskFunc(func(ctx context.Context) error {
			defer wg.Done()
			errs[i] = task.Execute(ctx)
			return errs[i]
		})); err != nil {
			wg.Done()
			errs[i] = err
		}
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Stop cancels all workers and waits up to ShutdownTimeout for them to drain.
func (p *Pool) Stop() error {
	if !p.running.CompareAndSwap(true, false) {
		return nil
	}
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(p.cfg.ShutdownTimeout):
		return fmt.Errorf("pool %s shutdown timed out", p.cfg.Name)
	}
}
