// Package executor implements the bounded worker pool the coordinator uses
// for background pipeline stages, decoupling registry and BMC latency from
// API request handling.
package executor

import (
	"context"
	"sync"
	"time"

	"github.com/baremetal-lab/inspector/internal/logger"
)

// Task is a unit of background work.
type Task func(ctx context.Context)

// Config holds configuration for the executor pool.
type Config struct {
	// QueueSize is the maximum number of pending tasks.
	// Default: 1000
	QueueSize int `mapstructure:"queue_size" yaml:"queue_size"`

	// Workers is the number of concurrent workers.
	// Default: 4
	Workers int `mapstructure:"workers" yaml:"workers"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize: 1000,
		Workers:   4,
	}
}

// Pool runs background tasks on a fixed set of workers with a bounded
// queue.
type Pool struct {
	queue chan Task

	workers   int
	wg        sync.WaitGroup
	stopCh    chan struct{}
	stoppedCh chan struct{}
	started   bool

	mu        sync.Mutex
	pending   int
	completed int
}

// New creates an executor pool.
func New(cfg Config) *Pool {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}

	return &Pool{
		queue:     make(chan Task, cfg.QueueSize),
		workers:   cfg.Workers,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Start launches the workers.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	logger.Info("Starting executor pool", "workers", p.workers)

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}

	go func() {
		p.wg.Wait()
		close(p.stoppedCh)
	}()
}

// Stop shuts the pool down, waiting up to timeout for queued tasks to
// drain.
func (p *Pool) Stop(timeout time.Duration) {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	logger.Info("Stopping executor pool", "pending", p.Pending())

	close(p.stopCh)

	select {
	case <-p.stoppedCh:
		logger.Info("Executor pool stopped gracefully")
	case <-time.After(timeout):
		logger.Warn("Executor pool stop timed out", "pending", p.Pending())
	}
}

// Submit enqueues a task. Returns false when the queue is full.
func (p *Pool) Submit(task Task) bool {
	select {
	case p.queue <- task:
		p.mu.Lock()
		p.pending++
		p.mu.Unlock()
		return true
	default:
		logger.Warn("Executor queue full, rejecting task")
		return false
	}
}

// Pending returns the number of tasks waiting or running.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

// Completed returns the number of finished tasks.
func (p *Pool) Completed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completed
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			p.drainQueue(ctx)
			return

		case <-ctx.Done():
			return

		case task, ok := <-p.queue:
			if !ok {
				return
			}
			p.run(ctx, task)
		}
	}
}

func (p *Pool) drainQueue(ctx context.Context) {
	for {
		select {
		case task, ok := <-p.queue:
			if !ok {
				return
			}
			p.run(ctx, task)
		default:
			return
		}
	}
}

func (p *Pool) run(ctx context.Context, task Task) {
	defer func() {
		p.mu.Lock()
		p.pending--
		p.completed++
		p.mu.Unlock()

		if recovered := recover(); recovered != nil {
			logger.Error("Executor task panicked", "panic", recovered)
		}
	}()

	task(ctx)
}
