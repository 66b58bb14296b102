package core

import (
	"context"
	"errors"
	"time"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/pkg/types"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionConflict  = errors.New("an auto-scan session is already active for this target")
	ErrSessionTerminal  = errors.New("session is in a terminal state")
	ErrActiveJobExists  = errors.New("an active scan job already exists for this step")
	ErrJobNotFound      = errors.New("job not found")
	ErrJobCancelled     = errors.New("job cancellation requested")
	ErrResultNotFound   = errors.New("tool result not found")
	ErrTargetNotFound   = errors.New("scope target not found")
	ErrToolNotFound     = errors.New("tool not registered")
	ErrScanJobNotFound  = errors.New("scan job not found")
	ErrQueueUnavailable = errors.New("job queue unavailable")
	ErrSessionPaused    = errors.New("session is paused")
	ErrCancelRequested  = errors.New("session cancellation already requested")
	ErrConfigNotFound   = errors.New("no default auto-scan config stored")
	ErrSessionLeased    = errors.New("session is being run by another process")
)

// JobClient is the uniform adapter to one external tool.
type JobClient interface {
	Tool() string
	Submit(ctx context.Context, req types.JobRequest) (string, error)
	Poll(ctx context.Context, scanID string) (*types.JobState, error)
	Cancel(ctx context.Context, scanID string) error
	FetchResult(ctx context.Context, resultRef string) (*types.ToolResult, error)
}

// JobClientFactory resolves the client for a tool name.
type JobClientFactory interface {
	Client(tool string) (JobClient, error)
}

// SessionStore persists sessions, their visited-step log, their scan jobs
// and their consolidated sets. Every mutation refuses sessions in a
// terminal state with ErrSessionTerminal.
type SessionStore interface {
	CreateSession(ctx context.Context, session *types.Session) error
	GetSession(ctx context.Context, id string) (*types.Session, error)
	ActiveSession(ctx context.Context, targetID string) (*types.Session, error)
	ListActiveSessions(ctx context.Context) ([]*types.Session, error)
	ListSessions(ctx context.Context, targetID string) ([]*types.Session, error)

	// AdvanceStep records the outcome of a finished step and moves
	// current_step to next in one atomic write. It refuses with
	// ErrSessionPaused while the session is paused and no cancel is pending.
	AdvanceStep(ctx context.Context, sessionID string, record types.StepRecord, next types.Step) error
	ListStepRecords(ctx context.Context, sessionID string) ([]types.StepRecord, error)

	// SetPaused refuses sessions with a pending cancel with ErrCancelRequested.
	SetPaused(ctx context.Context, sessionID string, paused bool) (*types.Session, error)
	RequestCancel(ctx context.Context, sessionID string) (*types.Session, error)
	FinishSession(ctx context.Context, sessionID string, status types.SessionStatus, errMsg string, tallies types.Tallies) error

	// AcquireLease claims the right to run the session for ttl, or renews
	// it when owner already holds it. It fails with ErrSessionLeased while
	// another owner's lease is live.
	AcquireLease(ctx context.Context, sessionID, owner string, ttl time.Duration) error
	// ReleaseLease drops the lease if owner holds it.
	ReleaseLease(ctx context.Context, sessionID, owner string) error

	CreateScanJob(ctx context.Context, job *types.ScanJob) error
	ActiveScanJob(ctx context.Context, sessionID string, step types.Step) (*types.ScanJob, error)
	UpdateScanJob(ctx context.Context, scanID string, status types.JobStatus, resultRef, errMsg string) error
	ListScanJobs(ctx context.Context, sessionID string) ([]*types.ScanJob, error)

	AddAssets(ctx context.Context, sessionID string, kind types.AssetKind, step types.Step, values []string) (int, error)
	ListAssets(ctx context.Context, sessionID string, kind types.AssetKind) ([]string, error)
	CountAssets(ctx context.Context, sessionID string, kind types.AssetKind) (int, error)

	Close() error
}

// ResultStore holds raw tool output addressed by result ref.
type ResultStore interface {
	SaveToolResult(ctx context.Context, result *types.ToolResult) (string, error)
	GetToolResult(ctx context.Context, ref string) (*types.ToolResult, error)
}

// ConfigStore holds the operator-editable defaults new sessions start from.
type ConfigStore interface {
	// GetDefaultConfig returns ErrConfigNotFound until defaults are saved.
	GetDefaultConfig(ctx context.Context) (types.ConfigSnapshot, error)
	SaveDefaultConfig(ctx context.Context, defaults types.ConfigSnapshot) error
}

// TargetResolver looks up scope targets. Target CRUD lives elsewhere.
type TargetResolver interface {
	GetTarget(ctx context.Context, id string) (*types.ScopeTarget, error)
}

type JobQueue interface {
	Push(ctx context.Context, job *types.Job) error
	// Pop returns nil, nil when nothing is pending.
	Pop(ctx context.Context, workerID string) (*types.Job, error)
	// Heartbeat extends the worker's lease. It returns ErrJobCancelled once
	// a cancel has been requested for the job.
	Heartbeat(ctx context.Context, jobID string) error
	Complete(ctx context.Context, jobID string, resultRef string) error
	Fail(ctx context.Context, jobID string, status types.JobStatus, reason string) error
	Retry(ctx context.Context, jobID string) error
	RequestCancel(ctx context.Context, jobID string) error
	GetStatus(ctx context.Context, jobID string) (*types.Job, error)
	GetPending(ctx context.Context) ([]*types.Job, error)
	// RequeueStale returns jobs whose worker stopped heart-beating for
	// longer than lease back to pending.
	RequeueStale(ctx context.Context, lease time.Duration) (int, error)
	Close() error
}

// EventBus fans session events out to any number of observers.
type EventBus interface {
	Publish(ctx context.Context, event types.Event) error
	// Subscribe delivers events for sessionID, or for every session when
	// sessionID is empty, until the returned cancel func is called.
	Subscribe(sessionID string) (<-chan types.Event, func())
	Close() error
}

// Tool runs one external scanning tool to completion.
type Tool interface {
	Name() string
	Run(ctx context.Context, req types.JobRequest) (*types.ToolOutput, error)
}

type PluginManager interface {
	Register(tool Tool) error
	Get(name string) (Tool, error)
	List() []string
}

type Worker interface {
	ID() string
	Start(ctx context.Context) error
	Stop() error
	Status() *types.WorkerStatus
}

type WorkerPool interface {
	Start(ctx context.Context, workers int) error
	Stop() error
	Scale(workers int) error
	Status() []*types.WorkerStatus
}

type RateLimiter interface {
	WaitForHost(ctx context.Context, host string) error
}

// Metrics records worker-side measurements.
type Metrics interface {
	RecordToolRun(tool string, status types.JobStatus, duration time.Duration)
	RecordWorkerMetrics(status *types.WorkerStatus)
}
