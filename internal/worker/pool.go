// Package worker runs webhook updates in the background so the webhook can
// acknowledge Telegram immediately.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/capitalize-ai/gembot/pkg/logger"
	"github.com/capitalize-ai/gembot/pkg/metrics"
)

var (
	// ErrQueueFull is returned by Submit when every slot is taken.
	ErrQueueFull = errors.New("worker queue full")
	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("worker pool stopped")
)

// Job is one unit of background work.
type Job func(ctx context.Context) error

// Pool is a fixed set of workers reading from a bounded queue.
type Pool struct {
	jobs   chan Job
	logger *logger.Logger

	mu      sync.RWMutex
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New starts workers goroutines sharing a queue of queueSize jobs.
func New(workers, queueSize int, log *logger.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if log == nil {
		log = logger.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		jobs:   make(chan Job, queueSize),
		logger: log.Named("worker"),
		ctx:    ctx,
		cancel: cancel,
		group:  &errgroup.Group{},
	}
	for i := 0; i < workers; i++ {
		p.group.Go(p.run)
	}
	return p
}

// Submit queues a job without blocking.
func (p *Pool) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}

	select {
	case p.jobs <- job:
		metrics.WorkerQueueDepth.Set(float64(len(p.jobs)))
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop refuses new jobs and waits for queued ones to finish. When ctx expires
// first, running jobs see their context cancelled.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.jobs)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = p.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return fmt.Errorf("worker pool stop: %w", ctx.Err())
	}
}

func (p *Pool) run() error {
	for job := range p.jobs {
		metrics.WorkerQueueDepth.Set(float64(len(p.jobs)))
		p.execute(job)
	}
	return nil
}

func (p *Pool) execute(job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job panicked", zap.Any("panic", r))
		}
	}()
	if err := job(p.ctx); err != nil {
		p.logger.Warn("job failed", zap.Error(err))
	}
}
