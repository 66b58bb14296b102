package autoscan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/config"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/core"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/logger"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/pkg/types"
)

// Limits caps the inputs handed to probe and per-host steps.
type Limits struct {
	MaxConsolidatedSubdomains int
	MaxLiveWebServers         int
}

func LimitsFrom(cfg config.AutoScanConfig) Limits {
	return Limits{
		MaxConsolidatedSubdomains: cfg.MaxConsolidatedSubdomains,
		MaxLiveWebServers:         cfg.MaxLiveWebServers,
	}
}

// Sequencer walks a session through its pipeline. It persists the outcome
// of every step together with the next step before evaluating it, so a
// restarted process re-enters exactly where the last one stopped.
type Sequencer struct {
	store        core.SessionStore
	clients      core.JobClientFactory
	monitor      *JobMonitor
	consolidator *Consolidator
	control      *Controller
	bus          core.EventBus
	limits       Limits
	recheck      time.Duration
	logger       *logger.Logger
	now          func() time.Time
}

func NewSequencer(
	store core.SessionStore,
	clients core.JobClientFactory,
	monitor *JobMonitor,
	consolidator *Consolidator,
	control *Controller,
	bus core.EventBus,
	limits Limits,
	log *logger.Logger,
) *Sequencer {
	return &Sequencer{
		store:        store,
		clients:      clients,
		monitor:      monitor,
		consolidator: consolidator,
		control:      control,
		bus:          bus,
		limits:       limits,
		recheck:      monitor.cfg.CancellingPollInterval,
		logger:       log.WithComponent("sequencer"),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Run executes the session from its current step to a terminal status. A
// nil error with a non-terminal status never happens; an error with an
// empty status means ctx ended and the session was left to be resumed.
func (s *Sequencer) Run(ctx context.Context, session *types.Session) (types.SessionStatus, error) {
	log := s.logger.WithSession(session.ID).WithTarget(session.TargetValue)
	ctx, span := log.StartOperation(ctx, "autoscan.Sequencer.Run",
		"pipeline", session.Pipeline,
		"current_step", session.CurrentStep,
	)
	start := time.Now()

	status, err := s.run(ctx, session, log)
	log.FinishOperation(ctx, span, "autoscan.Sequencer.Run", start, err, "status", status)
	return status, err
}

func (s *Sequencer) run(ctx context.Context, session *types.Session, log *logger.Logger) (types.SessionStatus, error) {
	pipeline, err := PipelineByName(session.Pipeline)
	if err != nil {
		return s.fail(ctx, session, nil, err)
	}
	idx := pipeline.Index(session.CurrentStep)
	if idx < 0 {
		return s.fail(ctx, session, pipeline, fmt.Errorf("%w: %q", ErrResumeInconsistency, session.CurrentStep))
	}

	for idx < len(pipeline.Steps) {
		sig, err := s.control.WaitWhilePaused(ctx, session.ID, s.recheck)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return s.fail(ctx, session, pipeline, fmt.Errorf("failed to read control flags: %w", err))
		}
		if sig.Cancelled {
			return s.finish(ctx, session, pipeline, types.SessionStatusCancelled, "")
		}

		def := pipeline.Steps[idx]
		stepLog := log.WithStep(string(def.Name))
		s.emit(ctx, session, types.EventStepStarted, def.Name, string(types.StepStatusRunning), "", 0)

		record := s.execute(ctx, session, pipeline, idx, stepLog)
		if ctx.Err() != nil {
			stepLog.Infow("Stopping mid-step, session left for resume")
			return "", ctx.Err()
		}
		record.Position = idx

		next := pipeline.Next(idx)
		if record.Status == types.StepStatusCancelled {
			next = def.Name
		}
		if err := s.advance(ctx, session, record, next); err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if errors.Is(err, core.ErrSessionTerminal) {
				return "", err
			}
			return s.fail(ctx, session, pipeline, fmt.Errorf("failed to persist step %s: %w", def.Name, err))
		}
		session.CurrentStep = next

		stepLog.Infow("Step finished",
			"status", record.Status,
			"items", record.ItemCount,
			"next", next,
			"error", record.ErrorMessage,
		)
		s.emit(ctx, session, types.EventStepFinished, def.Name, string(record.Status), record.ErrorMessage, record.ItemCount)

		if record.Status == types.StepStatusCancelled {
			return s.finish(ctx, session, pipeline, types.SessionStatusCancelled, "")
		}
		idx++
	}

	return s.finish(ctx, session, pipeline, types.SessionStatusCompleted, "")
}

// advance persists the step outcome and moves current_step. The store
// refuses to move a paused session, so a pause that lands while the step
// is in flight holds the checkpoint until the operator resumes or cancels.
func (s *Sequencer) advance(ctx context.Context, session *types.Session, record types.StepRecord, next types.Step) error {
	for {
		err := s.store.AdvanceStep(ctx, session.ID, record, next)
		if !errors.Is(err, core.ErrSessionPaused) {
			return err
		}
		s.logger.Infow("Session paused before step was recorded, holding",
			"session_id", session.ID,
			"step", record.Step,
		)
		if _, err := s.control.WaitWhilePaused(ctx, session.ID, s.recheck); err != nil {
			return fmt.Errorf("failed to read control flags: %w", err)
		}
	}
}

// execute runs one step and describes its outcome. Tool failures come
// back as failed or error records, never as a Go error.
func (s *Sequencer) execute(ctx context.Context, session *types.Session, pipeline *Pipeline, idx int, log *logger.Logger) types.StepRecord {
	def := pipeline.Steps[idx]
	record := types.StepRecord{
		SessionID: session.ID,
		Step:      def.Name,
		StartedAt: s.now(),
	}

	if !Enabled(def, session.ConfigSnapshot) {
		record.Status = types.StepStatusSkipped
		record.EndedAt = s.now()
		return record
	}

	var err error
	switch def.Kind {
	case KindTool:
		err = s.runTool(ctx, session, def, &record, log)
	case KindConsolidate:
		err = s.runConsolidate(ctx, session, pipeline, idx, &record)
	case KindProbe:
		err = s.runProbe(ctx, session, def, &record, log)
	default:
		err = fmt.Errorf("unknown step kind %q", def.Kind)
	}

	if err != nil && ctx.Err() == nil {
		var subErr *SubmissionError
		if errors.As(err, &subErr) {
			record.Status = types.StepStatusFailed
		} else {
			record.Status = types.StepStatusError
		}
		record.ErrorMessage = err.Error()
		log.Warnw("Step did not succeed, continuing", "error", err, "status", record.Status)
	}
	record.EndedAt = s.now()
	return record
}

func (s *Sequencer) runTool(ctx context.Context, session *types.Session, def StepDef, record *types.StepRecord, log *logger.Logger) error {
	inputs, err := s.inputs(ctx, session, def.Input)
	if err != nil {
		return err
	}
	if def.Input != InputTarget && len(inputs) == 0 {
		log.Infow("No input for step, nothing to submit", "input", def.Input)
		record.Status = types.StepStatusSuccess
		return nil
	}
	return s.monitorStep(ctx, session, def, def.Tool, inputs, record, nil)
}

func (s *Sequencer) runProbe(ctx context.Context, session *types.Session, def StepDef, record *types.StepRecord, log *logger.Logger) error {
	hosts, err := s.inputs(ctx, session, InputSubdomains)
	if err != nil {
		return err
	}
	if len(hosts) == 0 {
		log.Infow("No consolidated subdomains to probe")
		record.Status = types.StepStatusSuccess
		return nil
	}

	return s.monitorStep(ctx, session, def, def.Tool, hosts, record, func(result *types.ToolResult) (int, error) {
		consolidated, err := s.consolidator.Consolidate(ctx, session, types.AssetLiveWebServer, def.Name, []*types.ToolResult{result})
		if err != nil {
			return 0, err
		}
		return consolidated.Total, nil
	})
}

// monitorStep submits one job and maps its terminal status onto record.
// onResult, when set, post-processes a successful result and returns the
// item count to record.
func (s *Sequencer) monitorStep(ctx context.Context, session *types.Session, def StepDef, toolName string, inputs []string, record *types.StepRecord, onResult func(*types.ToolResult) (int, error)) error {
	client, err := s.clients.Client(toolName)
	if err != nil {
		return &SubmissionError{Tool: toolName, Err: err}
	}

	outcome, err := s.monitor.Run(ctx, MonitorRequest{
		Session: session,
		Step:    def,
		Client:  client,
		Request: types.JobRequest{
			SessionID: session.ID,
			Step:      def.Name,
			Tool:      toolName,
			Target:    targetOf(session),
			Inputs:    inputs,
		},
	})
	if err != nil {
		return err
	}

	record.ScanID = outcome.ScanID
	record.ResultRef = outcome.ResultRef
	record.ErrorMessage = outcome.Error
	record.Status = stepStatus(outcome.Status)
	if outcome.Status != types.JobStatusSuccess {
		return nil
	}

	if outcome.ResultRef == "" {
		return nil
	}
	result, err := client.FetchResult(ctx, outcome.ResultRef)
	if err != nil {
		return fmt.Errorf("failed to fetch %s result: %w", toolName, err)
	}
	record.ItemCount = len(result.Items)
	if onResult != nil {
		n, err := onResult(result)
		if err != nil {
			return err
		}
		record.ItemCount = n
	}
	return nil
}

func (s *Sequencer) runConsolidate(ctx context.Context, session *types.Session, pipeline *Pipeline, idx int, record *types.StepRecord) error {
	def := pipeline.Steps[idx]
	sources := pipeline.Sources(idx, def.Consolidates)

	records, err := s.store.ListStepRecords(ctx, session.ID)
	if err != nil {
		return fmt.Errorf("failed to load step records: %w", err)
	}
	byStep := make(map[types.Step]types.StepRecord, len(records))
	for _, r := range records {
		byStep[r.Step] = r
	}

	var inputs []*types.ToolResult
	for _, src := range sources {
		r, ok := byStep[src.Name]
		if !ok || r.Status != types.StepStatusSuccess || r.ResultRef == "" {
			continue
		}
		client, err := s.clients.Client(src.Tool)
		if err != nil {
			return fmt.Errorf("failed to resolve client for %s: %w", src.Name, err)
		}
		result, err := client.FetchResult(ctx, r.ResultRef)
		if err != nil {
			return fmt.Errorf("failed to fetch %s result: %w", src.Name, err)
		}
		inputs = append(inputs, result)
	}

	consolidated, err := s.consolidator.Consolidate(ctx, session, def.Consolidates, def.Name, inputs)
	if err != nil {
		return err
	}
	record.Status = types.StepStatusSuccess
	record.ItemCount = consolidated.Total
	return nil
}

// limit reads a cap frozen into the session snapshot. Sessions started
// before limits were frozen fall back to the process configuration.
func (s *Sequencer) limit(session *types.Session, key string, fallback int) int {
	if n, ok := session.ConfigSnapshot.Limit(key); ok {
		return n
	}
	return fallback
}

// inputs loads the consolidated set a step is fed with, capped by the
// limits the session was started with.
func (s *Sequencer) inputs(ctx context.Context, session *types.Session, input Input) ([]string, error) {
	var (
		kind  types.AssetKind
		limit int
	)
	switch input {
	case InputTarget, "":
		return nil, nil
	case InputSubdomains:
		kind, limit = types.AssetSubdomain, s.limit(session, types.LimitMaxConsolidatedSubdomains, s.limits.MaxConsolidatedSubdomains)
	case InputLiveWebServers:
		kind, limit = types.AssetLiveWebServer, s.limit(session, types.LimitMaxLiveWebServers, s.limits.MaxLiveWebServers)
	case InputCompanyDomains:
		kind = types.AssetCompanyDomain
	default:
		return nil, fmt.Errorf("unknown step input %q", input)
	}

	values, err := s.store.ListAssets(ctx, session.ID, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s assets: %w", kind, err)
	}
	if limit > 0 && len(values) > limit {
		s.logger.Infow("Capping step input",
			"session_id", session.ID,
			"kind", kind,
			"available", len(values),
			"limit", limit,
		)
		values = values[:limit]
	}
	return values, nil
}

func (s *Sequencer) finish(ctx context.Context, session *types.Session, pipeline *Pipeline, status types.SessionStatus, errMsg string) (types.SessionStatus, error) {
	wctx := context.WithoutCancel(ctx)
	tallies := s.tallies(wctx, session, pipeline)

	if err := s.store.FinishSession(wctx, session.ID, status, errMsg, tallies); err != nil {
		return "", fmt.Errorf("failed to finish session as %s: %w", status, err)
	}
	session.Status = status

	s.logger.Infow("Session finished",
		"session_id", session.ID,
		"status", status,
		"error", errMsg,
	)
	s.emit(wctx, session, types.EventSessionStatus, session.CurrentStep, string(status), errMsg, 0)
	return status, nil
}

func (s *Sequencer) fail(ctx context.Context, session *types.Session, pipeline *Pipeline, cause error) (types.SessionStatus, error) {
	status, err := s.finish(ctx, session, pipeline, types.SessionStatusFailed, cause.Error())
	if err != nil {
		return "", errors.Join(cause, err)
	}
	return status, cause
}

// tallies freezes the final set sizes of the session.
func (s *Sequencer) tallies(ctx context.Context, session *types.Session, pipeline *Pipeline) types.Tallies {
	var t types.Tallies
	if pipeline == nil {
		return t
	}
	for _, kind := range pipeline.TallyKinds() {
		n, err := s.store.CountAssets(ctx, session.ID, kind)
		if err != nil {
			s.logger.Warnw("Failed to count assets for tally", "error", err, "kind", kind)
			continue
		}
		count := n
		switch kind {
		case types.AssetSubdomain:
			t.ConsolidatedSubdomains = &count
		case types.AssetLiveWebServer:
			t.LiveWebServers = &count
		case types.AssetCompanyDomain:
			t.CompanyDomains = &count
		case types.AssetNetworkRange:
			t.NetworkRanges = &count
		}
	}
	return t
}

func (s *Sequencer) emit(ctx context.Context, session *types.Session, kind types.EventKind, step types.Step, status, msg string, count int) {
	publish(ctx, s.bus, s.logger, types.Event{
		SessionID: session.ID,
		TargetID:  session.TargetID,
		Kind:      kind,
		Step:      step,
		Status:    status,
		Message:   msg,
		Count:     count,
	})
}

func stepStatus(status types.JobStatus) types.StepStatus {
	switch status {
	case types.JobStatusSuccess:
		return types.StepStatusSuccess
	case types.JobStatusFailed:
		return types.StepStatusFailed
	case types.JobStatusCancelled:
		return types.StepStatusCancelled
	default:
		return types.StepStatusError
	}
}

func targetOf(session *types.Session) types.ScopeTarget {
	return types.ScopeTarget{
		ID:    session.TargetID,
		Type:  session.TargetType,
		Value: session.TargetValue,
	}
}
