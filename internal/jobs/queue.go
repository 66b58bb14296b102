package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/config"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/core"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/pkg/types"
)

const maxTxRetries = 10

// errSkip aborts a transactional update without writing.
var errSkip = errors.New("skip job update")

type redisQueue struct {
	client *redis.Client
	ttl    time.Duration

	pendingKey    string
	processingKey string
	failedKey     string
	jobPrefix     string
	workerPrefix  string
}

// NewRedisClient connects to Redis, retrying with exponential backoff for
// up to a minute while the server comes up.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 500 * time.Millisecond
	expBackoff.MaxElapsedTime = time.Minute

	ping := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return client.Ping(pingCtx).Err()
	}
	if err := backoff.Retry(ping, backoff.WithContext(expBackoff, ctx)); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// NewRedisQueue stores jobs as JSON documents with a pending sorted set and
// a processing hash of job to worker.
func NewRedisQueue(client *redis.Client, keyPrefix string, ttl time.Duration) core.JobQueue {
	if keyPrefix == "" {
		keyPrefix = "autoscan"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &redisQueue{
		client:        client,
		ttl:           ttl,
		pendingKey:    keyPrefix + ":queue:pending",
		processingKey: keyPrefix + ":queue:processing",
		failedKey:     keyPrefix + ":queue:failed",
		jobPrefix:     keyPrefix + ":job:",
		workerPrefix:  keyPrefix + ":worker:",
	}
}

func (q *redisQueue) jobKey(id string) string {
	return q.jobPrefix + id
}

func (q *redisQueue) workerKey(workerID string) string {
	return q.workerPrefix + workerID + ":current"
}

func (q *redisQueue) Push(ctx context.Context, job *types.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}

	job.Status = types.JobStatusPending
	job.CreatedAt = time.Now().UTC()
	job.UpdatedAt = job.CreatedAt

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.jobKey(job.ID), data, q.ttl)
	pipe.ZAdd(ctx, q.pendingKey, redis.Z{
		Score:  float64(job.CreatedAt.UnixNano()),
		Member: job.ID,
	})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push job: %w", err)
	}
	return nil
}

// update applies mutate to the stored job under WATCH so concurrent
// writers (heartbeat, cancel, completion) never lose each other's fields.
func (q *redisQueue) update(ctx context.Context, jobID string, mutate func(job *types.Job, pipe redis.Pipeliner) error) (*types.Job, error) {
	key := q.jobKey(jobID)
	var updated types.Job

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return core.ErrJobNotFound
			}
			return fmt.Errorf("failed to get job data: %w", err)
		}

		var job types.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("failed to unmarshal job: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if err := mutate(&job, pipe); err != nil {
				return err
			}
			job.UpdatedAt = time.Now().UTC()
			out, err := json.Marshal(job)
			if err != nil {
				return fmt.Errorf("failed to marshal updated job: %w", err)
			}
			pipe.Set(ctx, key, out, q.ttl)
			return nil
		})
		updated = job
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := q.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &updated, nil
	}
	return nil, fmt.Errorf("failed to update job %s: too many concurrent writers", jobID)
}

func (q *redisQueue) Pop(ctx context.Context, workerID string) (*types.Job, error) {
	for {
		result := q.client.ZPopMin(ctx, q.pendingKey, 1)
		if err := result.Err(); err != nil {
			if errors.Is(err, redis.Nil) {
				return nil, nil
			}
			return nil, fmt.Errorf("failed to pop job: %w", err)
		}

		members := result.Val()
		if len(members) == 0 {
			return nil, nil
		}
		jobID, _ := members[0].Member.(string)

		job, err := q.update(ctx, jobID, func(job *types.Job, pipe redis.Pipeliner) error {
			if job.Status != types.JobStatusPending || job.CancelRequested {
				return errSkip
			}
			now := time.Now().UTC()
			job.Status = types.JobStatusRunning
			job.WorkerID = workerID
			job.StartedAt = &now
			job.HeartbeatAt = &now
			pipe.HSet(ctx, q.processingKey, job.ID, workerID)
			pipe.Set(ctx, q.workerKey(workerID), job.ID, q.ttl)
			return nil
		})
		switch {
		case errors.Is(err, errSkip), errors.Is(err, core.ErrJobNotFound):
			// Cancelled or expired while pending.
			continue
		case err != nil:
			err = fmt.Errorf("failed to update job status: %w", err)
			// Put the job back so it is not lost from the pending set.
			requeue := q.client.ZAdd(context.WithoutCancel(ctx), q.pendingKey, redis.Z{Score: members[0].Score, Member: jobID})
			if rerr := requeue.Err(); rerr != nil {
				return nil, errors.Join(err, fmt.Errorf("failed to re-queue job %s: %w", jobID, rerr))
			}
			return nil, err
		}
		return job, nil
	}
}

func (q *redisQueue) Heartbeat(ctx context.Context, jobID string) error {
	job, err := q.update(ctx, jobID, func(job *types.Job, _ redis.Pipeliner) error {
		now := time.Now().UTC()
		job.HeartbeatAt = &now
		return nil
	})
	if err != nil {
		return err
	}
	if job.CancelRequested {
		return core.ErrJobCancelled
	}
	return nil
}

func (q *redisQueue) finish(ctx context.Context, pipe redis.Pipeliner, job *types.Job) {
	now := time.Now().UTC()
	job.FinishedAt = &now
	pipe.HDel(ctx, q.processingKey, job.ID)
	if job.WorkerID != "" {
		pipe.Del(ctx, q.workerKey(job.WorkerID))
	}
}

func (q *redisQueue) Complete(ctx context.Context, jobID string, resultRef string) error {
	_, err := q.update(ctx, jobID, func(job *types.Job, pipe redis.Pipeliner) error {
		job.Status = types.JobStatusSuccess
		job.ResultRef = resultRef
		q.finish(ctx, pipe, job)
		return nil
	})
	return err
}

func (q *redisQueue) Fail(ctx context.Context, jobID string, status types.JobStatus, reason string) error {
	if !status.IsTerminal() || status == types.JobStatusSuccess {
		return fmt.Errorf("invalid failure status %s", status)
	}
	_, err := q.update(ctx, jobID, func(job *types.Job, pipe redis.Pipeliner) error {
		job.Status = status
		job.Error = reason
		q.finish(ctx, pipe, job)
		pipe.ZRem(ctx, q.pendingKey, job.ID)
		pipe.ZAdd(ctx, q.failedKey, redis.Z{
			Score:  float64(time.Now().Unix()),
			Member: job.ID,
		})
		return nil
	})
	return err
}

func (q *redisQueue) Retry(ctx context.Context, jobID string) error {
	_, err := q.update(ctx, jobID, func(job *types.Job, pipe redis.Pipeliner) error {
		if job.CancelRequested {
			return core.ErrJobCancelled
		}
		job.Status = types.JobStatusPending
		job.Retries++
		job.WorkerID = ""
		job.StartedAt = nil
		job.HeartbeatAt = nil
		pipe.HDel(ctx, q.processingKey, job.ID)
		pipe.ZRem(ctx, q.failedKey, job.ID)
		pipe.ZAdd(ctx, q.pendingKey, redis.Z{
			Score:  float64(time.Now().UnixNano()),
			Member: job.ID,
		})
		return nil
	})
	return err
}

func (q *redisQueue) RequestCancel(ctx context.Context, jobID string) error {
	_, err := q.update(ctx, jobID, func(job *types.Job, pipe redis.Pipeliner) error {
		if job.Status.IsTerminal() {
			return errSkip
		}
		job.CancelRequested = true
		if job.Status == types.JobStatusPending {
			now := time.Now().UTC()
			job.Status = types.JobStatusCancelled
			job.FinishedAt = &now
			pipe.ZRem(ctx, q.pendingKey, job.ID)
		}
		return nil
	})
	if errors.Is(err, errSkip) {
		return nil
	}
	return err
}

func (q *redisQueue) GetStatus(ctx context.Context, jobID string) (*types.Job, error) {
	jobData, err := q.client.Get(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, core.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job data: %w", err)
	}

	var job types.Job
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

func (q *redisQueue) GetPending(ctx context.Context) ([]*types.Job, error) {
	jobIDs, err := q.client.ZRange(ctx, q.pendingKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get pending jobs: %w", err)
	}

	jobs := make([]*types.Job, 0, len(jobIDs))
	for _, jobID := range jobIDs {
		job, err := q.GetStatus(ctx, jobID)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (q *redisQueue) RequeueStale(ctx context.Context, lease time.Duration) (int, error) {
	processing, err := q.client.HKeys(ctx, q.processingKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list processing jobs: %w", err)
	}

	cutoff := time.Now().UTC().Add(-lease)
	requeued := 0
	for _, jobID := range processing {
		_, err := q.update(ctx, jobID, func(job *types.Job, pipe redis.Pipeliner) error {
			if job.Status.IsTerminal() || job.HeartbeatAt == nil || job.HeartbeatAt.After(cutoff) {
				return errSkip
			}
			if job.WorkerID != "" {
				pipe.Del(ctx, q.workerKey(job.WorkerID))
			}
			job.Status = types.JobStatusPending
			job.WorkerID = ""
			job.StartedAt = nil
			job.HeartbeatAt = nil
			pipe.HDel(ctx, q.processingKey, job.ID)
			pipe.ZAdd(ctx, q.pendingKey, redis.Z{
				Score:  float64(job.CreatedAt.UnixNano()),
				Member: job.ID,
			})
			return nil
		})
		switch {
		case err == nil:
			requeued++
		case errors.Is(err, errSkip):
		case errors.Is(err, core.ErrJobNotFound):
			q.client.HDel(ctx, q.processingKey, jobID)
		default:
			return requeued, err
		}
	}
	return requeued, nil
}

func (q *redisQueue) Close() error {
	return q.client.Close()
}
