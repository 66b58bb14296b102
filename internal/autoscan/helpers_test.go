package autoscan

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/core"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/database"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/events"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/logger"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// script describes how the fake job service treats one tool.
type script struct {
	items      []string
	status     types.JobStatus
	submitErr  error
	pollErr    error
	forget     bool
	hold       chan struct{}
	block      chan struct{}
	entered    chan struct{}
	fromInputs func(inputs []string) []string
}

type fakeJob struct {
	tool   string
	req    types.JobRequest
	status types.JobStatus
	ref    string
	errMsg string
}

// fakeJobs is a mutex-guarded job service that scripts each tool.
type fakeJobs struct {
	mu       sync.Mutex
	scripts  map[string]*script
	missing  map[string]bool
	jobs     map[string]*fakeJob
	results  map[string]*types.ToolResult
	submits  map[string]int
	polls    map[string]int
	cancels  map[string]int
	requests map[string][]types.JobRequest
	seq      int
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{
		scripts: map[string]*script{
			probeTool: {fromInputs: func(hosts []string) []string {
				out := make([]string, len(hosts))
				for i, h := range hosts {
					out[i] = "https://" + h
				}
				return out
			}},
		},
		missing:  make(map[string]bool),
		jobs:     make(map[string]*fakeJob),
		results:  make(map[string]*types.ToolResult),
		submits:  make(map[string]int),
		polls:    make(map[string]int),
		cancels:  make(map[string]int),
		requests: make(map[string][]types.JobRequest),
	}
}

func (f *fakeJobs) script(tool string, s *script) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[tool] = s
}

func (f *fakeJobs) count(m map[string]int, tool string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return m[tool]
}

func (f *fakeJobs) Submits(tool string) int { return f.count(f.submits, tool) }
func (f *fakeJobs) Polls(tool string) int   { return f.count(f.polls, tool) }
func (f *fakeJobs) Cancels(tool string) int { return f.count(f.cancels, tool) }

func (f *fakeJobs) Requests(tool string) []types.JobRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.JobRequest(nil), f.requests[tool]...)
}

func (f *fakeJobs) storeResult(ref string, result *types.ToolResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[ref] = result
}

// adopt registers a job that a previous process submitted.
func (f *fakeJobs) adopt(scanID, tool string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[scanID] = &fakeJob{tool: tool, status: types.JobStatusRunning}
}

func (f *fakeJobs) Client(tool string) (core.JobClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing[tool] {
		return nil, fmt.Errorf("%w: %s", core.ErrToolNotFound, tool)
	}
	return &fakeClient{tool: tool, jobs: f}, nil
}

type fakeClient struct {
	tool string
	jobs *fakeJobs
}

func (c *fakeClient) Tool() string { return c.tool }

func (c *fakeClient) Submit(ctx context.Context, req types.JobRequest) (string, error) {
	f := c.jobs
	f.mu.Lock()
	defer f.mu.Unlock()

	if s := f.scripts[c.tool]; s != nil && s.submitErr != nil {
		return "", s.submitErr
	}
	f.seq++
	id := fmt.Sprintf("%s-%d", c.tool, f.seq)
	f.jobs[id] = &fakeJob{tool: c.tool, req: req, status: types.JobStatusPending}
	f.submits[c.tool]++
	f.requests[c.tool] = append(f.requests[c.tool], req)
	return id, nil
}

func (c *fakeClient) Poll(ctx context.Context, scanID string) (*types.JobState, error) {
	f := c.jobs

	// block parks the call in flight, outside the lock, until released.
	f.mu.Lock()
	s := f.scripts[c.tool]
	f.mu.Unlock()
	if s != nil && s.block != nil {
		if s.entered != nil {
			select {
			case s.entered <- struct{}{}:
			default:
			}
		}
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.polls[c.tool]++
	job, ok := f.jobs[scanID]
	s = f.scripts[c.tool]
	if !ok || (s != nil && s.forget) {
		return nil, core.ErrJobNotFound
	}
	if job.status.IsTerminal() {
		return &types.JobState{ScanID: scanID, Status: job.status, ResultRef: job.ref, Error: job.errMsg}, nil
	}
	if s == nil {
		s = &script{}
	}
	if s.pollErr != nil {
		return nil, s.pollErr
	}
	if s.hold != nil {
		select {
		case <-s.hold:
		default:
			job.status = types.JobStatusRunning
			return &types.JobState{ScanID: scanID, Status: job.status}, nil
		}
	}

	job.status = s.status
	if job.status == "" {
		job.status = types.JobStatusSuccess
	}
	if job.status == types.JobStatusSuccess {
		items := s.items
		if s.fromInputs != nil {
			items = s.fromInputs(job.req.Inputs)
		}
		job.ref = "ref-" + scanID
		f.results[job.ref] = &types.ToolResult{Ref: job.ref, Tool: c.tool, SessionID: job.req.SessionID, Step: job.req.Step, Items: items}
	} else {
		job.errMsg = c.tool + " exited with status 1"
	}
	return &types.JobState{ScanID: scanID, Status: job.status, ResultRef: job.ref, Error: job.errMsg}, nil
}

func (c *fakeClient) Cancel(ctx context.Context, scanID string) error {
	f := c.jobs
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels[c.tool]++
	if job, ok := f.jobs[scanID]; ok && !job.status.IsTerminal() {
		job.status = types.JobStatusCancelled
	}
	return nil
}

func (c *fakeClient) FetchResult(ctx context.Context, ref string) (*types.ToolResult, error) {
	f := c.jobs
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.results[ref]
	if !ok {
		return nil, core.ErrResultNotFound
	}
	cp := *r
	return &cp, nil
}

type env struct {
	store   *database.MemoryStore
	jobs    *fakeJobs
	bus     *events.Bus
	control *Controller
	manager *Manager
	cfg     MonitorConfig
}

var testMonitorConfig = MonitorConfig{
	PollInterval:           2 * time.Millisecond,
	LongStepPollInterval:   3 * time.Millisecond,
	CancellingPollInterval: 2 * time.Millisecond,
	PollErrorBudget:        5,
}

func newEnv(t *testing.T) *env {
	return newEnvWith(t, database.NewMemoryStore(), newFakeJobs(), testMonitorConfig)
}

func newEnvWith(t *testing.T, store *database.MemoryStore, jobs *fakeJobs, cfg MonitorConfig) *env {
	t.Helper()
	log := logger.NewNop()
	bus := events.NewBus(1024, log)
	control := NewController(store, bus, log)
	monitor := NewJobMonitor(store, control, bus, cfg, log)
	sequencer := NewSequencer(store, jobs, monitor, NewConsolidator(store, log), control, bus,
		Limits{MaxConsolidatedSubdomains: 2500, MaxLiveWebServers: 500}, log)
	manager := NewManager(store, store, store, sequencer, control, bus, time.Minute, log)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, manager.Shutdown(ctx))
		_ = bus.Close()
	})

	return &env{store: store, jobs: jobs, bus: bus, control: control, manager: manager, cfg: cfg}
}

func (e *env) addTarget(t *testing.T, targetType types.TargetType, value string) *types.ScopeTarget {
	t.Helper()
	target := &types.ScopeTarget{Type: targetType, Value: value, Mode: "Passive", Active: true}
	require.NoError(t, e.store.AddTarget(context.Background(), target))
	return target
}

func (e *env) waitStatus(t *testing.T, sessionID string, want types.SessionStatus) *types.Session {
	t.Helper()
	var session *types.Session
	require.Eventually(t, func() bool {
		var err error
		session, err = e.store.GetSession(context.Background(), sessionID)
		return err == nil && session.Status == want
	}, 5*time.Second, 2*time.Millisecond, "session never reached %s", want)
	return session
}

func (e *env) waitSubmits(t *testing.T, tool string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return e.jobs.Submits(tool) >= n },
		5*time.Second, 2*time.Millisecond, "%s was never submitted", tool)
}

func (e *env) records(t *testing.T, sessionID string) map[types.Step]types.StepRecord {
	t.Helper()
	list, err := e.store.ListStepRecords(context.Background(), sessionID)
	require.NoError(t, err)
	out := make(map[types.Step]types.StepRecord, len(list))
	for _, r := range list {
		out[r.Step] = r
	}
	return out
}

// only enables the named tool steps of the wildcard pipeline.
func only(steps ...string) types.ConfigSnapshot {
	snapshot := types.ConfigSnapshot{}
	for _, def := range wildcardPipeline.Steps {
		if def.Kind == KindTool {
			snapshot[string(def.Name)] = false
		}
	}
	for _, s := range steps {
		snapshot[s] = true
	}
	return snapshot
}

func hosts(domain string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("host%d.%s", i, domain)
	}
	return out
}
