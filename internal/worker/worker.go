package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/config"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/core"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/logger"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/pkg/types"
)

// Options controls how a worker drains the queue.
type Options struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	MaxRetries        int
	RetryDelay        time.Duration
}

// OptionsFromConfig picks the worker and queue settings that apply here.
func OptionsFromConfig(w config.WorkerConfig, q config.QueueConfig) Options {
	return Options{
		PollInterval:      w.QueuePollInterval,
		HeartbeatInterval: q.HeartbeatInterval,
		MaxRetries:        w.MaxRetries,
		RetryDelay:        w.RetryDelay,
	}
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 10 * time.Second
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	return o
}

// queueOpTimeout bounds queue writes made after the worker context is gone.
const queueOpTimeout = 10 * time.Second

type worker struct {
	id       string
	hostname string
	queue    core.JobQueue
	plugins  core.PluginManager
	store    core.ResultStore
	metrics  core.Metrics
	opts     Options
	logger   *logger.Logger

	status   types.WorkerStatus
	statusMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewWorker(
	queue core.JobQueue,
	plugins core.PluginManager,
	store core.ResultStore,
	metrics core.Metrics,
	opts Options,
	log *logger.Logger,
) core.Worker {
	workerID := uuid.New().String()

	hostname := "unknown"
	if h, err := getHostname(); err == nil {
		hostname = h
	} else {
		log.LogError(context.Background(), err, "worker.NewWorker.getHostname",
			"worker_id", workerID,
			"fallback_hostname", hostname,
		)
	}

	if metrics == nil {
		metrics = noopMetrics{}
	}

	return &worker{
		id:       workerID,
		hostname: hostname,
		queue:    queue,
		plugins:  plugins,
		store:    store,
		metrics:  metrics,
		opts:     opts.withDefaults(),
		logger: log.WithComponent("worker").WithFields(
			"worker_id", workerID,
			"hostname", hostname,
		),
		status: types.WorkerStatus{
			ID:       workerID,
			Hostname: hostname,
			Status:   "idle",
			LastPing: time.Now(),
		},
	}
}

func (w *worker) ID() string {
	return w.id
}

func (w *worker) Start(ctx context.Context) error {
	if w.done != nil {
		return fmt.Errorf("worker %s already started", w.id)
	}
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})

	w.logger.Infow("Worker starting", "poll_interval", w.opts.PollInterval)

	go func() {
		defer close(w.done)
		defer func() {
			if r := recover(); r != nil {
				w.logger.LogPanic(w.ctx, r, "worker.run")
				w.updateStatus("crashed", "")
			}
		}()
		w.run()
	}()

	return nil
}

func (w *worker) Stop() error {
	if w.cancel == nil {
		return nil
	}
	w.logger.Infow("Stopping worker")
	w.cancel()

	select {
	case <-w.done:
		w.updateStatus("stopped", "")
		return nil
	case <-time.After(30 * time.Second):
		return fmt.Errorf("worker %s did not stop within 30s", w.id)
	}
}

func (w *worker) Status() *types.WorkerStatus {
	w.statusMu.RLock()
	defer w.statusMu.RUnlock()
	status := w.status
	return &status
}

func (w *worker) run() {
	for {
		if w.ctx.Err() != nil {
			return
		}

		processed, err := w.processJob()
		if err != nil {
			w.logger.LogError(w.ctx, err, "worker.processJob")
		}
		if processed && err == nil {
			continue
		}

		select {
		case <-w.ctx.Done():
			return
		case <-time.After(w.opts.PollInterval):
		}
	}
}

// processJob runs at most one job. It reports whether a job was taken.
func (w *worker) processJob() (bool, error) {
	job, err := w.queue.Pop(w.ctx, w.id)
	if err != nil {
		if w.ctx.Err() != nil {
			return false, nil
		}
		return false, fmt.Errorf("failed to pop job: %w", err)
	}
	if job == nil {
		w.touch()
		return false, nil
	}

	req := job.Request
	log := w.logger.WithFields("job_id", job.ID, "tool", req.Tool, "session_id", req.SessionID, "step", req.Step)
	w.updateStatus("busy", job.ID)
	defer w.updateStatus("idle", "")

	start := time.Now()
	ctx, span := log.StartOperation(w.ctx, "worker.processJob", "retries", job.Retries)

	status, runErr := w.execute(ctx, job, log)
	w.metrics.RecordToolRun(req.Tool, status, time.Since(start))
	log.FinishOperation(ctx, span, "worker.processJob", start, runErr, "status", status)

	if status == types.JobStatusSuccess {
		w.incrementJobsComplete()
	}
	return true, nil
}

// execute runs the job's tool and records the outcome on the queue. The
// returned status is what the job ended as (pending when requeued).
func (w *worker) execute(ctx context.Context, job *types.Job, log *logger.Logger) (types.JobStatus, error) {
	tool, err := w.plugins.Get(job.Request.Tool)
	if err != nil {
		return w.fail(job, types.JobStatusError, err.Error(), log)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var cancelled atomic.Bool
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		w.heartbeat(runCtx, job.ID, &cancelled, cancelRun, log)
	}()

	output, err := w.runTool(runCtx, tool, job.Request, log)

	// On failure the heartbeat keeps the lease while we wait out RetryDelay.
	retrying := err != nil && !errors.Is(err, errToolPanicked) && job.Retries < w.opts.MaxRetries
	if retrying && w.opts.RetryDelay > 0 && !cancelled.Load() && ctx.Err() == nil {
		select {
		case <-runCtx.Done():
		case <-time.After(w.opts.RetryDelay):
		}
	}
	cancelRun()
	<-hbDone

	switch {
	case cancelled.Load():
		log.Infow("Job cancelled by request")
		return w.fail(job, types.JobStatusCancelled, "cancelled by request", log)

	case ctx.Err() != nil:
		// Shutdown, not a cancel: hand the job to the next worker.
		return w.requeue(job, log)

	case errors.Is(err, errToolPanicked):
		return w.fail(job, types.JobStatusError, err.Error(), log)

	case err != nil:
		if job.Retries < w.opts.MaxRetries {
			log.Warnw("Tool failed, retrying job",
				"error", err,
				"retries", job.Retries,
				"max_retries", w.opts.MaxRetries,
			)
			return w.requeue(job, log)
		}
		return w.fail(job, types.JobStatusFailed, err.Error(), log)
	}

	qctx, cancel := context.WithTimeout(context.Background(), queueOpTimeout)
	defer cancel()

	result := &types.ToolResult{
		Ref:       uuid.New().String(),
		Tool:      job.Request.Tool,
		SessionID: job.Request.SessionID,
		Step:      job.Request.Step,
		Items:     output.Items,
		Raw:       output.Raw,
		CreatedAt: time.Now().UTC(),
	}
	ref, err := w.store.SaveToolResult(qctx, result)
	if err != nil {
		return w.fail(job, types.JobStatusError, fmt.Sprintf("failed to store result: %v", err), log)
	}
	if err := w.queue.Complete(qctx, job.ID, ref); err != nil {
		return types.JobStatusError, fmt.Errorf("failed to complete job %s: %w", job.ID, err)
	}

	log.Infow("Job completed", "items", len(result.Items), "result_ref", ref)
	return types.JobStatusSuccess, nil
}

var errToolPanicked = errors.New("tool panicked")

func (w *worker) runTool(ctx context.Context, tool core.Tool, req types.JobRequest, log *logger.Logger) (output *types.ToolOutput, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.LogPanic(ctx, r, "worker.runTool")
			err = fmt.Errorf("%w: %v", errToolPanicked, r)
		}
	}()

	output, err = tool.Run(ctx, req)
	if err == nil && output == nil {
		output = &types.ToolOutput{}
	}
	return output, err
}

// heartbeat extends the job lease until ctx ends. When the queue reports a
// cancel request it flags the job and stops the tool.
func (w *worker) heartbeat(ctx context.Context, jobID string, cancelled *atomic.Bool, stop context.CancelFunc, log *logger.Logger) {
	ticker := time.NewTicker(w.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.queue.Heartbeat(ctx, jobID)
			switch {
			case err == nil:
				w.touch()
			case errors.Is(err, core.ErrJobCancelled):
				cancelled.Store(true)
				stop()
				return
			case ctx.Err() == nil:
				log.Warnw("Heartbeat failed", "error", err)
			}
		}
	}
}

func (w *worker) fail(job *types.Job, status types.JobStatus, reason string, log *logger.Logger) (types.JobStatus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), queueOpTimeout)
	defer cancel()

	if err := w.queue.Fail(ctx, job.ID, status, reason); err != nil {
		return status, fmt.Errorf("failed to mark job %s %s: %w", job.ID, status, err)
	}
	if status != types.JobStatusCancelled {
		log.Warnw("Job failed", "status", status, "reason", reason)
	}
	return status, nil
}

func (w *worker) requeue(job *types.Job, log *logger.Logger) (types.JobStatus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), queueOpTimeout)
	defer cancel()

	err := w.queue.Retry(ctx, job.ID)
	if errors.Is(err, core.ErrJobCancelled) {
		return w.fail(job, types.JobStatusCancelled, "cancelled by request", log)
	}
	if err != nil {
		return types.JobStatusError, fmt.Errorf("failed to requeue job %s: %w", job.ID, err)
	}
	return types.JobStatusPending, nil
}

func (w *worker) updateStatus(status, currentJob string) {
	w.statusMu.Lock()
	w.status.Status = status
	w.status.CurrentJob = currentJob
	w.status.LastPing = time.Now()
	snapshot := w.status
	w.statusMu.Unlock()

	w.metrics.RecordWorkerMetrics(&snapshot)
}

func (w *worker) touch() {
	w.statusMu.Lock()
	defer w.statusMu.Unlock()
	w.status.LastPing = time.Now()
}

func (w *worker) incrementJobsComplete() {
	w.statusMu.Lock()
	defer w.statusMu.Unlock()
	w.status.JobsComplete++
}

func getHostname() (string, error) {
	return os.Hostname()
}

type noopMetrics struct{}

func (noopMetrics) RecordToolRun(string, types.JobStatus, time.Duration) {}
func (noopMetrics) RecordWorkerMetrics(*types.WorkerStatus)             {}
