package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/core"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/pkg/types"
)

// MemoryQueue is the single-process job queue. Jobs are served FIFO.
type MemoryQueue struct {
	mu      sync.Mutex
	jobs    map[string]*types.Job
	pending []string
	now     func() time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		jobs: make(map[string]*types.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func cloneJob(job *types.Job) *types.Job {
	cp := *job
	cp.Request.Inputs = append([]string(nil), job.Request.Inputs...)
	return &cp
}

func (q *MemoryQueue) Push(ctx context.Context, job *types.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if _, exists := q.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already queued", job.ID)
	}
	job.Status = types.JobStatusPending
	job.CreatedAt = q.now()
	job.UpdatedAt = job.CreatedAt

	q.jobs[job.ID] = cloneJob(job)
	q.pending = append(q.pending, job.ID)
	return nil
}

func (q *MemoryQueue) Pop(ctx context.Context, workerID string) (*types.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.pending) > 0 {
		id := q.pending[0]
		q.pending = q.pending[1:]

		job, ok := q.jobs[id]
		if !ok || job.Status != types.JobStatusPending || job.CancelRequested {
			continue
		}
		now := q.now()
		job.Status = types.JobStatusRunning
		job.WorkerID = workerID
		job.StartedAt = &now
		job.HeartbeatAt = &now
		job.UpdatedAt = now
		return cloneJob(job), nil
	}
	return nil, nil
}

func (q *MemoryQueue) get(jobID string) (*types.Job, error) {
	job, ok := q.jobs[jobID]
	if !ok {
		return nil, core.ErrJobNotFound
	}
	return job, nil
}

func (q *MemoryQueue) Heartbeat(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.get(jobID)
	if err != nil {
		return err
	}
	now := q.now()
	job.HeartbeatAt = &now
	job.UpdatedAt = now
	if job.CancelRequested {
		return core.ErrJobCancelled
	}
	return nil
}

func (q *MemoryQueue) Complete(ctx context.Context, jobID string, resultRef string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.get(jobID)
	if err != nil {
		return err
	}
	now := q.now()
	job.Status = types.JobStatusSuccess
	job.ResultRef = resultRef
	job.FinishedAt = &now
	job.UpdatedAt = now
	return nil
}

func (q *MemoryQueue) Fail(ctx context.Context, jobID string, status types.JobStatus, reason string) error {
	if !status.IsTerminal() || status == types.JobStatusSuccess {
		return fmt.Errorf("invalid failure status %s", status)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.get(jobID)
	if err != nil {
		return err
	}
	now := q.now()
	job.Status = status
	job.Error = reason
	job.FinishedAt = &now
	job.UpdatedAt = now
	return nil
}

func (q *MemoryQueue) Retry(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.get(jobID)
	if err != nil {
		return err
	}
	if job.CancelRequested {
		return core.ErrJobCancelled
	}
	job.Status = types.JobStatusPending
	job.Retries++
	job.WorkerID = ""
	job.StartedAt = nil
	job.HeartbeatAt = nil
	job.UpdatedAt = q.now()
	q.pending = append(q.pending, job.ID)
	return nil
}

func (q *MemoryQueue) RequestCancel(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.get(jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}
	job.CancelRequested = true
	now := q.now()
	job.UpdatedAt = now
	if job.Status == types.JobStatusPending {
		job.Status = types.JobStatusCancelled
		job.FinishedAt = &now
	}
	return nil
}

func (q *MemoryQueue) GetStatus(ctx context.Context, jobID string) (*types.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.get(jobID)
	if err != nil {
		return nil, err
	}
	return cloneJob(job), nil
}

func (q *MemoryQueue) GetPending(ctx context.Context) ([]*types.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*types.Job, 0, len(q.pending))
	for _, id := range q.pending {
		if job, ok := q.jobs[id]; ok && job.Status == types.JobStatusPending {
			out = append(out, cloneJob(job))
		}
	}
	return out, nil
}

func (q *MemoryQueue) RequeueStale(ctx context.Context, lease time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().Add(-lease)
	requeued := 0
	for _, job := range q.jobs {
		if job.Status != types.JobStatusRunning || job.HeartbeatAt == nil || job.HeartbeatAt.After(cutoff) {
			continue
		}
		job.Status = types.JobStatusPending
		job.WorkerID = ""
		job.StartedAt = nil
		job.HeartbeatAt = nil
		job.UpdatedAt = q.now()
		q.pending = append(q.pending, job.ID)
		requeued++
	}
	return requeued, nil
}

func (q *MemoryQueue) Close() error {
	return nil
}
