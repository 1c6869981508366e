// Package worker runs background jobs on a bounded pool. Trigger
// handlers never block on job execution; they submit and return, and
// Submit rejects outright when the queue is full.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrQueueFull is returned by Submit when the pool is saturated.
// Callers shed load instead of spawning unbounded goroutines.
var ErrQueueFull = errors.New("worker queue is full")

// Config sizes the pool.
type Config struct {
	Workers   int
	QueueSize int
}

func DefaultConfig() Config {
	return Config{Workers: 4, QueueSize: 64}
}

// Pool executes submitted job functions on a fixed set of workers.
type Pool struct {
	cfg    Config
	tasks  chan task
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger

	mu      sync.Mutex
	started bool
}

type task struct {
	jobID string
	run   func(ctx context.Context)
}

func NewPool(cfg Config, logger *slog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:    cfg,
		tasks:  make(chan task, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started", "workers", p.cfg.Workers, "queue_size", p.cfg.QueueSize)
}

// Stop cancels in-flight contexts and waits for workers to drain.
func (p *Pool) Stop() {
	p.cancel()
	p.wg.Wait()
}

// Submit queues a job function for execution. It never blocks; a full
// queue returns ErrQueueFull.
func (p *Pool) Submit(jobID string, run func(ctx context.Context)) error {
	select {
	case <-p.ctx.Done():
		return fmt.Errorf("pool stopped: %w", p.ctx.Err())
	default:
	}
	select {
	case p.tasks <- task{jobID: jobID, run: run}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case t := <-p.tasks:
			p.logger.Debug("worker picked up job", "worker", id, "job_id", t.jobID)
			t.run(p.ctx)
		}
	}
}
