package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/core"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/logger"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/pkg/types"
)

type workerPool struct {
	workers []core.Worker
	queue   core.JobQueue
	plugins core.PluginManager
	store   core.ResultStore
	metrics core.Metrics
	opts    Options
	lease   time.Duration
	logger  *logger.Logger

	mu         sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc
	reaperDone chan struct{}
}

// NewWorkerPool builds a pool of queue workers. A positive lease enables
// the reaper that returns jobs of dead workers to the queue.
func NewWorkerPool(
	queue core.JobQueue,
	plugins core.PluginManager,
	store core.ResultStore,
	metrics core.Metrics,
	opts Options,
	lease time.Duration,
	log *logger.Logger,
) core.WorkerPool {
	return &workerPool{
		workers: make([]core.Worker, 0),
		queue:   queue,
		plugins: plugins,
		store:   store,
		metrics: metrics,
		opts:    opts,
		lease:   lease,
		logger:  log.WithComponent("worker_pool"),
	}
}

func (p *workerPool) newWorker() core.Worker {
	return NewWorker(p.queue, p.plugins, p.store, p.metrics, p.opts, p.logger)
}

func (p *workerPool) Start(ctx context.Context, workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx != nil {
		return fmt.Errorf("worker pool already started")
	}

	p.ctx, p.cancel = context.WithCancel(ctx)

	p.logger.Infow("Starting worker pool", "workers", workerCount, "tools", p.plugins.List())

	for i := 0; i < workerCount; i++ {
		worker := p.newWorker()

		if err := worker.Start(p.ctx); err != nil {
			p.cancel()
			p.stopAll()
			return fmt.Errorf("failed to start worker %d: %w", i, err)
		}

		p.workers = append(p.workers, worker)
	}

	if p.lease > 0 {
		p.reaperDone = make(chan struct{})
		go p.reap(p.ctx, p.reaperDone)
	}

	p.logger.Infow("Worker pool started successfully", "workers", len(p.workers))

	return nil
}

func (p *workerPool) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel == nil {
		return fmt.Errorf("worker pool not started")
	}

	p.logger.Infow("Stopping worker pool")

	p.cancel()

	return p.stopAll()
}

func (p *workerPool) Scale(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx == nil {
		return fmt.Errorf("worker pool not started")
	}
	if workerCount < 0 {
		return fmt.Errorf("worker count must not be negative")
	}

	currentCount := len(p.workers)

	if workerCount == currentCount {
		return nil
	}

	if workerCount > currentCount {
		p.logger.Infow("Scaling up worker pool", "from", currentCount, "to", workerCount)

		for i := currentCount; i < workerCount; i++ {
			worker := p.newWorker()

			if err := worker.Start(p.ctx); err != nil {
				return fmt.Errorf("failed to start worker %d: %w", i, err)
			}

			p.workers = append(p.workers, worker)
		}
	} else {
		p.logger.Infow("Scaling down worker pool", "from", currentCount, "to", workerCount)

		workersToStop := p.workers[workerCount:]
		p.workers = p.workers[:workerCount]

		g := new(errgroup.Group)
		for _, worker := range workersToStop {
			w := worker
			g.Go(func() error {
				return w.Stop()
			})
		}

		if err := g.Wait(); err != nil {
			return fmt.Errorf("failed to stop workers: %w", err)
		}
	}

	p.logger.Infow("Worker pool scaled successfully", "workers", len(p.workers))

	return nil
}

func (p *workerPool) Status() []*types.WorkerStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	statuses := make([]*types.WorkerStatus, 0, len(p.workers))

	for _, worker := range p.workers {
		statuses = append(statuses, worker.Status())
	}

	return statuses
}

// reap periodically requeues jobs whose worker stopped heart-beating.
func (p *workerPool) reap(ctx context.Context, done chan struct{}) {
	defer close(done)

	interval := p.lease / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.queue.RequeueStale(ctx, p.lease)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.LogError(ctx, err, "worker_pool.requeueStale")
				}
				continue
			}
			if n > 0 {
				p.logger.Warnw("Requeued jobs from unresponsive workers", "jobs", n, "lease", p.lease)
			}
		}
	}
}

func (p *workerPool) stopAll() error {
	g := new(errgroup.Group)

	for _, worker := range p.workers {
		w := worker
		g.Go(func() error {
			return w.Stop()
		})
	}

	err := g.Wait()
	if p.reaperDone != nil {
		<-p.reaperDone
		p.reaperDone = nil
	}
	p.workers = nil
	p.ctx = nil
	p.cancel = nil

	return err
}
