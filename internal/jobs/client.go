package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/core"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/pkg/types"
)

var (
	_ core.JobClient        = (*QueueClient)(nil)
	_ core.JobClientFactory = (*ClientFactory)(nil)
)

// QueueClient is the job client for a tool executed by the worker pool.
// Submissions become queue jobs; the job ID is the scan ID.
type QueueClient struct {
	tool    string
	queue   core.JobQueue
	results core.ResultStore
	now     func() time.Time
}

func NewQueueClient(tool string, queue core.JobQueue, results core.ResultStore) *QueueClient {
	return &QueueClient{
		tool:    tool,
		queue:   queue,
		results: results,
		now:     time.Now,
	}
}

func (c *QueueClient) Tool() string {
	return c.tool
}

func (c *QueueClient) Submit(ctx context.Context, req types.JobRequest) (string, error) {
	req.Tool = c.tool
	job := &types.Job{Request: req}
	if err := c.queue.Push(ctx, job); err != nil {
		return "", fmt.Errorf("failed to queue %s job: %w", c.tool, err)
	}
	return job.ID, nil
}

func (c *QueueClient) Poll(ctx context.Context, scanID string) (*types.JobState, error) {
	job, err := c.queue.GetStatus(ctx, scanID)
	if err != nil {
		if errors.Is(err, core.ErrJobNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to poll job %s: %w", scanID, err)
	}
	return &types.JobState{
		ScanID:        job.ID,
		Status:        job.Status,
		ResultRef:     job.ResultRef,
		Error:         job.Error,
		ExecutionTime: job.ExecutionTime(c.now()),
	}, nil
}

func (c *QueueClient) Cancel(ctx context.Context, scanID string) error {
	if err := c.queue.RequestCancel(ctx, scanID); err != nil {
		return fmt.Errorf("failed to cancel job %s: %w", scanID, err)
	}
	return nil
}

func (c *QueueClient) FetchResult(ctx context.Context, resultRef string) (*types.ToolResult, error) {
	return c.results.GetToolResult(ctx, resultRef)
}

// ClientFactory hands out queue clients for registered tools.
type ClientFactory struct {
	queue   core.JobQueue
	results core.ResultStore
	plugins core.PluginManager
}

func NewClientFactory(queue core.JobQueue, results core.ResultStore, plugins core.PluginManager) *ClientFactory {
	return &ClientFactory{queue: queue, results: results, plugins: plugins}
}

func (f *ClientFactory) Client(tool string) (core.JobClient, error) {
	if f.plugins != nil {
		if _, err := f.plugins.Get(tool); err != nil {
			return nil, fmt.Errorf("%w: %s", core.ErrToolNotFound, tool)
		}
	}
	return NewQueueClient(tool, f.queue, f.results), nil
}
