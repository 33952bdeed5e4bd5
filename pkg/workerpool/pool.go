// Package workerpool provides a bounded worker pool with retries. The
// appointment consumer uses it to fan records out to scheduling workers.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrStopped is returned by Submit once Stop has been called.
var ErrStopped = errors.New("worker pool stopped")

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Handler processes one task.
type Handler[T any] func(ctx context.Context, task T) error

// DoneFunc is called once per task with the final error, nil on success.
type DoneFunc[T any] func(task T, err error)

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize is the size of the task queue
	QueueSize int
	// MaxRetries is the number of extra attempts after a failure
	MaxRetries int
	// RetryDelay is multiplied by the attempt number between retries
	RetryDelay time.Duration
	// ShutdownTimeout bounds how long Stop waits for in-flight tasks
	ShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for a single consumer process
func DefaultConfig() Config {
	return Config{
		Workers:         8,
		QueueSize:       256,
		MaxRetries:      3,
		RetryDelay:      200 * time.Millisecond,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Pool runs Handler over submitted tasks with at most Workers in flight.
type Pool[T any] struct {
	config  Config
	handler Handler[T]
	done    DoneFunc[T]
	logger  *zap.Logger

	tasks chan T
	wg    sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	stopOnce sync.Once
	stopped  atomic.Bool

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
}

// New creates a new worker pool. done may be nil.
func New[T any](cfg Config, handler Handler[T], done DoneFunc[T], logger *zap.Logger) (*Pool[T], error) {
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool[T]{
		config:  cfg,
		handler: handler,
		done:    done,
		logger:  logger,
		tasks:   make(chan T, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start launches all workers
func (p *Pool[T]) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues a task, blocking while the queue is full.
func (p *Pool[T]) Submit(ctx context.Context, task T) error {
	if p.stopped.Load() {
		return ErrStopped
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrStopped
	case p.tasks <- task:
		p.submitted.Add(1)
		return nil
	}
}

// Stop stops accepting tasks and waits for queued ones to finish. In-flight
// handlers see their context cancelled once ShutdownTimeout elapses.
func (p *Pool[T]) Stop() {
	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		close(p.tasks)

		finished := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(finished)
		}()

		select {
		case <-finished:
			p.logger.Info("worker pool stopped gracefully")
		case <-time.After(p.config.ShutdownTimeout):
			p.logger.Warn("worker pool shutdown timed out")
			p.cancel()
			<-finished
		}
		p.cancel()
	})
}

func (p *Pool[T]) worker(id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		err := p.run(task)
		if err != nil {
			p.failed.Add(1)
			p.logger.Error("task failed", zap.Int("worker_id", id), zap.Error(err))
		} else {
			p.completed.Add(1)
		}
		if p.done != nil {
			p.done(task, err)
		}
	}
}

func (p *Pool[T]) run(task T) error {
	var err error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if err = p.handler(p.ctx, task); err == nil || IsPermanent(err) {
			return err
		}
		if attempt == p.config.MaxRetries {
			break
		}
		p.retried.Add(1)
		select {
		case <-p.ctx.Done():
			return p.ctx.Err()
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
		}
	}
	return fmt.Errorf("task failed after %d retries: %w", p.config.MaxRetries, err)
}

// Stats is a snapshot of pool counters
type Stats struct {
	Submitted  int64
	Completed  int64
	Failed     int64
	Retried    int64
	QueueDepth int
	Workers    int
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Submitted:  p.submitted.Load(),
		Completed:  p.completed.Load(),
		Failed:     p.failed.Load(),
		Retried:    p.retried.Load(),
		QueueDepth: len(p.tasks),
		Workers:    p.config.Workers,
	}
}
