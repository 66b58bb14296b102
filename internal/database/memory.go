package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/core"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/pkg/types"
)

type lease struct {
	owner string
	until time.Time
}

type assetKey struct {
	sessionID string
	kind      types.AssetKind
}

// MemoryStore implements the store interfaces in process memory. A single
// mutex serialises every mutation, which gives the same per-session
// single-writer guarantee as the row lock in the SQL store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*types.Session
	steps    map[string]map[types.Step]types.StepRecord
	jobs     map[string]*types.ScanJob
	assets   map[assetKey]map[string]struct{}
	results  map[string]*types.ToolResult
	targets  map[string]*types.ScopeTarget
	defaults types.ConfigSnapshot
	leases   map[string]lease
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*types.Session),
		steps:    make(map[string]map[types.Step]types.StepRecord),
		jobs:     make(map[string]*types.ScanJob),
		assets:   make(map[assetKey]map[string]struct{}),
		results:  make(map[string]*types.ToolResult),
		targets:  make(map[string]*types.ScopeTarget),
		leases:   make(map[string]lease),
		now:      time.Now,
	}
}

func (s *MemoryStore) CreateSession(ctx context.Context, session *types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.sessions {
		if existing.TargetID == session.TargetID && existing.Status.IsActive() {
			return core.ErrSessionConflict
		}
	}

	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if _, exists := s.sessions[session.ID]; exists {
		return fmt.Errorf("session %s already exists", session.ID)
	}
	now := s.now()
	if session.StartedAt.IsZero() {
		session.StartedAt = now
	}
	session.UpdatedAt = now
	if session.Status == "" {
		session.Status = types.SessionStatusRunning
	}

	s.sessions[session.ID] = session.Clone()
	return nil
}

func (s *MemoryStore) GetSession(ctx context.Context, id string) (*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, core.ErrSessionNotFound
	}
	return session.Clone(), nil
}

func (s *MemoryStore) ActiveSession(ctx context.Context, targetID string) (*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, session := range s.sessions {
		if session.TargetID == targetID && session.Status.IsActive() {
			return session.Clone(), nil
		}
	}
	return nil, core.ErrSessionNotFound
}

func (s *MemoryStore) ListActiveSessions(ctx context.Context) ([]*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Session
	for _, session := range s.sessions {
		if session.Status.IsActive() {
			out = append(out, session.Clone())
		}
	}
	sortSessions(out)
	return out, nil
}

func (s *MemoryStore) ListSessions(ctx context.Context, targetID string) ([]*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Session
	for _, session := range s.sessions {
		if targetID == "" || session.TargetID == targetID {
			out = append(out, session.Clone())
		}
	}
	sortSessions(out)
	return out, nil
}

func sortSessions(sessions []*types.Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.After(sessions[j].StartedAt)
	})
}

// mutable returns the live session for a write, refusing terminal ones.
// Callers hold s.mu.
func (s *MemoryStore) mutable(id string) (*types.Session, error) {
	session, ok := s.sessions[id]
	if !ok {
		return nil, core.ErrSessionNotFound
	}
	if session.Status.IsTerminal() {
		return nil, core.ErrSessionTerminal
	}
	return session, nil
}

func (s *MemoryStore) AdvanceStep(ctx context.Context, sessionID string, record types.StepRecord, next types.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.mutable(sessionID)
	if err != nil {
		return err
	}
	if session.IsPaused && !session.IsCancelled {
		return core.ErrSessionPaused
	}

	record.SessionID = sessionID
	if s.steps[sessionID] == nil {
		s.steps[sessionID] = make(map[types.Step]types.StepRecord)
	}
	s.steps[sessionID][record.Step] = record

	session.CurrentStep = next
	session.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) ListStepRecords(ctx context.Context, sessionID string) ([]types.StepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.StepRecord, 0, len(s.steps[sessionID]))
	for _, rec := range s.steps[sessionID] {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (s *MemoryStore) SetPaused(ctx context.Context, sessionID string, paused bool) (*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.mutable(sessionID)
	if err != nil {
		return nil, err
	}
	if session.IsCancelled {
		return nil, fmt.Errorf("%w: %w", core.ErrSessionTerminal, core.ErrCancelRequested)
	}

	session.IsPaused = paused
	if paused {
		session.Status = types.SessionStatusPaused
	} else {
		session.Status = types.SessionStatusRunning
	}
	session.UpdatedAt = s.now()
	return session.Clone(), nil
}

func (s *MemoryStore) RequestCancel(ctx context.Context, sessionID string) (*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.mutable(sessionID)
	if err != nil {
		return nil, err
	}

	session.IsCancelled = true
	session.UpdatedAt = s.now()
	return session.Clone(), nil
}

func (s *MemoryStore) FinishSession(ctx context.Context, sessionID string, status types.SessionStatus, errMsg string, tallies types.Tallies) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.mutable(sessionID)
	if err != nil {
		return err
	}
	if !status.IsTerminal() {
		return fmt.Errorf("cannot finish session with non-terminal status %s", status)
	}
	if err := session.Status.ValidateTransition(status); err != nil {
		return err
	}

	now := s.now()
	session.Status = status
	session.ErrorMessage = errMsg
	session.IsPaused = false
	session.EndedAt = &now
	session.UpdatedAt = now
	session.Tallies = tallies
	delete(s.leases, sessionID)
	return nil
}

func (s *MemoryStore) AcquireLease(ctx context.Context, sessionID, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.mutable(sessionID); err != nil {
		return err
	}
	now := s.now()
	if held, ok := s.leases[sessionID]; ok && held.owner != owner && now.Before(held.until) {
		return core.ErrSessionLeased
	}
	s.leases[sessionID] = lease{owner: owner, until: now.Add(ttl)}
	return nil
}

func (s *MemoryStore) ReleaseLease(ctx context.Context, sessionID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if held, ok := s.leases[sessionID]; ok && held.owner == owner {
		delete(s.leases, sessionID)
	}
	return nil
}

func (s *MemoryStore) GetDefaultConfig(ctx context.Context) (types.ConfigSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.defaults == nil {
		return nil, core.ErrConfigNotFound
	}
	return s.defaults.Clone(), nil
}

func (s *MemoryStore) SaveDefaultConfig(ctx context.Context, defaults types.ConfigSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaults = defaults.Clone()
	return nil
}

func (s *MemoryStore) CreateScanJob(ctx context.Context, job *types.ScanJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.jobs {
		if existing.SessionID == job.SessionID && existing.Step == job.Step && !existing.Status.IsTerminal() {
			return core.ErrActiveJobExists
		}
	}
	if _, exists := s.jobs[job.ScanID]; exists {
		return fmt.Errorf("scan job %s already exists", job.ScanID)
	}

	now := s.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = types.JobStatusPending
	}
	cp := *job
	s.jobs[job.ScanID] = &cp
	return nil
}

func (s *MemoryStore) ActiveScanJob(ctx context.Context, sessionID string, step types.Step) (*types.ScanJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, job := range s.jobs {
		if job.SessionID == sessionID && job.Step == step && !job.Status.IsTerminal() {
			cp := *job
			return &cp, nil
		}
	}
	return nil, core.ErrScanJobNotFound
}

func (s *MemoryStore) UpdateScanJob(ctx context.Context, scanID string, status types.JobStatus, resultRef, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[scanID]
	if !ok {
		return core.ErrScanJobNotFound
	}
	job.Status = status
	job.ResultRef = resultRef
	job.ErrorMessage = errMsg
	job.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) ListScanJobs(ctx context.Context, sessionID string) ([]*types.ScanJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.ScanJob
	for _, job := range s.jobs {
		if job.SessionID == sessionID {
			cp := *job
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) AddAssets(ctx context.Context, sessionID string, kind types.AssetKind, step types.Step, values []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := assetKey{sessionID: sessionID, kind: kind}
	set, ok := s.assets[key]
	if !ok {
		set = make(map[string]struct{})
		s.assets[key] = set
	}

	added := 0
	for _, v := range values {
		if _, exists := set[v]; exists {
			continue
		}
		set[v] = struct{}{}
		added++
	}
	return added, nil
}

func (s *MemoryStore) ListAssets(ctx context.Context, sessionID string, kind types.AssetKind) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.assets[assetKey{sessionID: sessionID, kind: kind}]
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) CountAssets(ctx context.Context, sessionID string, kind types.AssetKind) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.assets[assetKey{sessionID: sessionID, kind: kind}]), nil
}

func (s *MemoryStore) SaveToolResult(ctx context.Context, result *types.ToolResult) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if result.Ref == "" {
		result.Ref = uuid.New().String()
	}
	if result.CreatedAt.IsZero() {
		result.CreatedAt = s.now()
	}
	cp := *result
	cp.Items = append([]string(nil), result.Items...)
	s.results[cp.Ref] = &cp
	return cp.Ref, nil
}

func (s *MemoryStore) GetToolResult(ctx context.Context, ref string) (*types.ToolResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result, ok := s.results[ref]
	if !ok {
		return nil, core.ErrResultNotFound
	}
	cp := *result
	cp.Items = append([]string(nil), result.Items...)
	return &cp, nil
}

func (s *MemoryStore) AddTarget(ctx context.Context, target *types.ScopeTarget) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if target.ID == "" {
		target.ID = uuid.New().String()
	}
	if target.CreatedAt.IsZero() {
		target.CreatedAt = s.now()
	}
	cp := *target
	s.targets[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) GetTarget(ctx context.Context, id string) (*types.ScopeTarget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	target, ok := s.targets[id]
	if !ok {
		return nil, core.ErrTargetNotFound
	}
	cp := *target
	return &cp, nil
}

func (s *MemoryStore) ListTargets(ctx context.Context) ([]*types.ScopeTarget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.ScopeTarget, 0, len(s.targets))
	for _, target := range s.targets {
		cp := *target
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
