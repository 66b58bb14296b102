package autoscan

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/core"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/logger"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/validation"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/pkg/types"
)

// State is the control view of a target's latest session.
type State struct {
	TargetID    string              `json:"target_id"`
	SessionID   string              `json:"session_id,omitempty"`
	Status      types.SessionStatus `json:"status,omitempty"`
	CurrentStep types.Step          `json:"current_step"`
	IsPaused    bool                `json:"is_paused"`
	IsCancelled bool                `json:"is_cancelled"`
}

// SessionDetail is a session with its visited steps and scan jobs.
type SessionDetail struct {
	*types.Session
	ObservedStatus types.SessionStatus `json:"observed_status"`
	DurationMS     int64               `json:"duration_ms,omitempty"`
	Steps          []types.StepRecord  `json:"steps"`
	ScanJobs       []*types.ScanJob    `json:"scan_jobs"`
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager creates sessions, re-enters persisted ones after a restart and
// owns the goroutine that runs each session. A session runs in at most one
// process at a time: the manager holds a lease on it while it runs.
type Manager struct {
	store     core.SessionStore
	targets   core.TargetResolver
	defaults  core.ConfigStore
	sequencer *Sequencer
	control   *Controller
	bus       core.EventBus
	owner     string
	leaseTTL  time.Duration
	logger    *logger.Logger

	mu     sync.Mutex
	runs   map[string]*run
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

const defaultLeaseTTL = 30 * time.Second

func NewManager(
	store core.SessionStore,
	targets core.TargetResolver,
	defaults core.ConfigStore,
	sequencer *Sequencer,
	control *Controller,
	bus core.EventBus,
	leaseTTL time.Duration,
	log *logger.Logger,
) *Manager {
	if leaseTTL <= 0 {
		leaseTTL = defaultLeaseTTL
	}
	host, _ := os.Hostname()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:     store,
		targets:   targets,
		defaults:  defaults,
		sequencer: sequencer,
		control:   control,
		bus:       bus,
		owner:     fmt.Sprintf("%s/%d/%s", host, os.Getpid(), uuid.New().String()[:8]),
		leaseTTL:  leaseTTL,
		logger:    log.WithComponent("session_manager"),
		runs:      make(map[string]*run),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// StartSession validates the target and snapshot, persists a new session
// and starts running it. Keys the snapshot leaves out are taken from the
// stored defaults, and the input limits in force are frozen into the
// session. It fails with core.ErrSessionConflict when the target already
// has an active session.
func (m *Manager) StartSession(ctx context.Context, targetID string, snapshot types.ConfigSnapshot) (*types.Session, error) {
	target, err := m.targets.GetTarget(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if err := validation.ValidateScopeTarget(target.Type, target.Value); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	pipeline, err := PipelineFor(target.Type)
	if err != nil {
		return nil, err
	}
	if err := pipeline.ValidateSnapshot(snapshot); err != nil {
		return nil, err
	}
	defaults, err := m.DefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	resolved := pipeline.Resolve(defaults, snapshot)

	now := time.Now().UTC()
	session := &types.Session{
		ID:             uuid.New().String(),
		TargetID:       target.ID,
		TargetType:     target.Type,
		TargetValue:    target.Value,
		Pipeline:       pipeline.Name,
		Status:         types.SessionStatusRunning,
		ConfigSnapshot: resolved,
		CurrentStep:    pipeline.First(),
		StartedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.store.CreateSession(ctx, session); err != nil {
		if errors.Is(err, core.ErrSessionConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	m.logger.Infow("Auto-scan session started",
		"session_id", session.ID,
		"target_id", target.ID,
		"target", target.Value,
		"pipeline", pipeline.Name,
	)
	if err := m.launch(ctx, session); err != nil {
		return nil, err
	}
	return session.Clone(), nil
}

// DefaultConfig returns the stored defaults with every limit filled in,
// falling back to the process configuration for limits never saved.
func (m *Manager) DefaultConfig(ctx context.Context) (types.ConfigSnapshot, error) {
	defaults := types.ConfigSnapshot{}
	if m.defaults != nil {
		stored, err := m.defaults.GetDefaultConfig(ctx)
		switch {
		case err == nil:
			defaults = stored
		case errors.Is(err, core.ErrConfigNotFound):
		default:
			return nil, fmt.Errorf("failed to load default config: %w", err)
		}
	}

	fallback := map[string]int{
		types.LimitMaxConsolidatedSubdomains: m.sequencer.limits.MaxConsolidatedSubdomains,
		types.LimitMaxLiveWebServers:         m.sequencer.limits.MaxLiveWebServers,
	}
	for _, key := range types.LimitKeys() {
		n, ok := defaults.Limit(key)
		if !ok {
			n = fallback[key]
		}
		defaults.SetLimit(key, n)
	}
	return defaults, nil
}

// SetDefaultConfig replaces the stored defaults. Running sessions keep the
// snapshot they were started with.
func (m *Manager) SetDefaultConfig(ctx context.Context, defaults types.ConfigSnapshot) (types.ConfigSnapshot, error) {
	if m.defaults == nil {
		return nil, fmt.Errorf("no config store configured")
	}
	if err := ValidateDefaults(defaults); err != nil {
		return nil, err
	}
	if err := m.defaults.SaveDefaultConfig(ctx, defaults); err != nil {
		return nil, fmt.Errorf("failed to save default config: %w", err)
	}
	m.logger.Infow("Default auto-scan config saved", "keys", len(defaults))
	return m.DefaultConfig(ctx)
}

// ResumeIfInProgress re-enters the target's active session at its
// persisted step. It returns ErrSessionNotFound when the target has no
// active session.
func (m *Manager) ResumeIfInProgress(ctx context.Context, targetID string) (*types.Session, types.Step, error) {
	session, err := m.store.ActiveSession(ctx, targetID)
	if err != nil {
		return nil, types.StepIdle, err
	}
	if err := m.resume(ctx, session); err != nil {
		return nil, types.StepIdle, err
	}
	return session, session.CurrentStep, nil
}

// ResumeAll re-enters every active session. It is called once at startup.
func (m *Manager) ResumeAll(ctx context.Context) (int, error) {
	sessions, err := m.store.ListActiveSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active sessions: %w", err)
	}

	resumed := 0
	var errs []error
	for _, session := range sessions {
		err := m.resume(ctx, session)
		if errors.Is(err, core.ErrSessionLeased) {
			m.logger.Infow("Session is run by another process, leaving it", "session_id", session.ID)
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", session.ID, err))
			continue
		}
		if session.Status.IsActive() {
			resumed++
		}
	}
	m.logger.Infow("Resumed auto-scan sessions", "found", len(sessions), "resumed", resumed, "errors", len(errs))
	return resumed, errors.Join(errs...)
}

// resume reconciles one persisted session. Sessions pointing at unknown
// steps are failed closed; sessions with a cancel that was never observed
// are finalised as cancelled. It fails with core.ErrSessionLeased when
// another process is running the session.
func (m *Manager) resume(ctx context.Context, session *types.Session) error {
	if m.isRunning(session.ID) {
		return nil
	}

	log := m.logger.WithSession(session.ID)
	pipeline, err := PipelineByName(session.Pipeline)
	if err == nil && pipeline.Index(session.CurrentStep) < 0 {
		err = fmt.Errorf("%w: %q", ErrResumeInconsistency, session.CurrentStep)
	}
	if err != nil {
		log.Errorw("Cannot resume session, failing it", "error", err, "current_step", session.CurrentStep)
		_, err = m.sequencer.fail(ctx, session, pipeline, err)
		return err
	}

	if session.IsCancelled {
		log.Infow("Finalising session cancelled before restart")
		if _, err := m.sequencer.finish(ctx, session, pipeline, types.SessionStatusCancelled, ""); err != nil {
			return err
		}
		return nil
	}

	if err := m.launch(ctx, session); err != nil {
		return err
	}
	log.Infow("Resumed auto-scan session", "current_step", session.CurrentStep, "paused", session.IsPaused)
	return nil
}

// launch takes the session's lease and starts its run goroutine.
func (m *Manager) launch(ctx context.Context, session *types.Session) error {
	if m.isRunning(session.ID) {
		return nil
	}
	if err := m.store.AcquireLease(ctx, session.ID, m.owner, m.leaseTTL); err != nil {
		if errors.Is(err, core.ErrSessionLeased) {
			return fmt.Errorf("session %s: %w", session.ID, err)
		}
		return fmt.Errorf("failed to acquire lease on session %s: %w", session.ID, err)
	}

	m.mu.Lock()
	if _, ok := m.runs[session.ID]; ok {
		m.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(m.ctx)
	r := &run{cancel: cancel, done: make(chan struct{})}
	m.runs[session.ID] = r
	m.wg.Add(1)
	m.mu.Unlock()

	session = session.Clone()
	publish(runCtx, m.bus, m.logger, types.Event{
		SessionID: session.ID,
		TargetID:  session.TargetID,
		Kind:      types.EventSessionStatus,
		Step:      session.CurrentStep,
		Status:    string(session.Status),
	})

	go func() {
		defer m.wg.Done()
		defer close(r.done)

		renewed := make(chan struct{})
		go func() {
			defer close(renewed)
			m.holdLease(runCtx, session.ID, cancel)
		}()

		defer func() {
			m.mu.Lock()
			delete(m.runs, session.ID)
			m.mu.Unlock()
			cancel()
			<-renewed
			m.releaseLease(session.ID)
		}()
		defer func() {
			if rec := recover(); rec != nil {
				m.logger.LogPanic(runCtx, rec, "autoscan.Manager.run", "session_id", session.ID)
			}
		}()

		status, err := m.sequencer.Run(runCtx, session)
		if err != nil && runCtx.Err() == nil {
			m.logger.LogError(runCtx, err, "autoscan.Manager.run", "session_id", session.ID, "status", status)
		}
	}()
	return nil
}

// holdLease renews the lease until ctx ends. Losing the lease to another
// process stops the run.
func (m *Manager) holdLease(ctx context.Context, sessionID string, stop context.CancelFunc) {
	ticker := time.NewTicker(m.leaseTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := m.store.AcquireLease(ctx, sessionID, m.owner, m.leaseTTL)
		switch {
		case err == nil:
		case errors.Is(err, core.ErrSessionLeased):
			m.logger.Errorw("Lost session lease to another process, stopping run",
				"session_id", sessionID,
				"owner", m.owner,
			)
			stop()
			return
		case errors.Is(err, core.ErrSessionTerminal), errors.Is(err, core.ErrSessionNotFound):
			return
		default:
			if ctx.Err() == nil {
				m.logger.Warnw("Failed to renew session lease", "error", err, "session_id", sessionID)
			}
		}
	}
}

func (m *Manager) releaseLease(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.ReleaseLease(ctx, sessionID, m.owner); err != nil {
		m.logger.Warnw("Failed to release session lease", "error", err, "session_id", sessionID)
	}
}

func (m *Manager) isRunning(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.runs[sessionID]
	return ok
}

// Wait blocks until the session's run goroutine in this process exits.
func (m *Manager) Wait(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	r, ok := m.runs[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops every run without touching session state, so the
// sessions are resumed on the next start.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to stop session runs: %w", ctx.Err())
	}
}

func (m *Manager) Pause(ctx context.Context, sessionID string) (*types.Session, error) {
	return m.control.Pause(ctx, sessionID)
}

// Resume clears the pause flag and makes sure the session runs in this
// process, which matters for sessions paused before a restart.
func (m *Manager) Resume(ctx context.Context, sessionID string) (*types.Session, error) {
	session, err := m.control.Resume(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	// A process holding the lease picks the resume up from the flag.
	if err := m.resume(ctx, session); err != nil && !errors.Is(err, core.ErrSessionLeased) {
		return nil, err
	}
	return session, nil
}

func (m *Manager) Cancel(ctx context.Context, sessionID string) (*types.Session, error) {
	return m.control.Cancel(ctx, sessionID)
}

// State reports the target's active session, or its latest one, or idle.
func (m *Manager) State(ctx context.Context, targetID string) (*State, error) {
	session, err := m.store.ActiveSession(ctx, targetID)
	if errors.Is(err, core.ErrSessionNotFound) {
		history, herr := m.store.ListSessions(ctx, targetID)
		if herr != nil {
			return nil, fmt.Errorf("failed to list sessions: %w", herr)
		}
		if len(history) == 0 {
			return &State{TargetID: targetID, CurrentStep: types.StepIdle}, nil
		}
		session, err = history[0], nil
	}
	if err != nil {
		return nil, err
	}

	return &State{
		TargetID:    targetID,
		SessionID:   session.ID,
		Status:      session.ObservedStatus(),
		CurrentStep: session.CurrentStep,
		IsPaused:    session.IsPaused,
		IsCancelled: session.IsCancelled,
	}, nil
}

// History lists the target's sessions newest first, with the frozen
// snapshot and tallies recorded when each ended.
func (m *Manager) History(ctx context.Context, targetID string) ([]*types.Session, error) {
	sessions, err := m.store.ListSessions(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

func (m *Manager) Get(ctx context.Context, sessionID string) (*SessionDetail, error) {
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	steps, err := m.store.ListStepRecords(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	jobs, err := m.store.ListScanJobs(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list scan jobs: %w", err)
	}
	return &SessionDetail{
		Session:        session,
		ObservedStatus: session.ObservedStatus(),
		DurationMS:     session.Duration().Milliseconds(),
		Steps:          steps,
		ScanJobs:       jobs,
	}, nil
}

func (m *Manager) Assets(ctx context.Context, sessionID string, kind types.AssetKind) ([]string, error) {
	if _, err := m.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return m.store.ListAssets(ctx, sessionID, kind)
}
