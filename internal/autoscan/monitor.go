package autoscan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/config"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/core"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/logger"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/pkg/types"
)

// MonitorConfig holds the polling knobs of the job monitor.
type MonitorConfig struct {
	PollInterval           time.Duration
	LongStepPollInterval   time.Duration
	CancellingPollInterval time.Duration
	PollErrorBudget        int
	StepTimeout            time.Duration
}

func MonitorConfigFrom(cfg config.AutoScanConfig) MonitorConfig {
	return MonitorConfig{
		PollInterval:           cfg.PollInterval,
		LongStepPollInterval:   cfg.LongStepPollInterval,
		CancellingPollInterval: cfg.CancellingPollInterval,
		PollErrorBudget:        cfg.PollErrorBudget,
		StepTimeout:            cfg.StepTimeout,
	}
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.LongStepPollInterval <= 0 {
		c.LongStepPollInterval = c.PollInterval
	}
	if c.CancellingPollInterval <= 0 {
		c.CancellingPollInterval = 2 * time.Second
	}
	if c.PollErrorBudget <= 0 {
		c.PollErrorBudget = 5
	}
	return c
}

// ProgressFunc is called on every status change of a monitored job.
type ProgressFunc func(state types.JobState)

// MonitorRequest describes one job to drive to a terminal status.
type MonitorRequest struct {
	Session    *types.Session
	Step       StepDef
	Client     core.JobClient
	Request    types.JobRequest
	OnProgress ProgressFunc
}

// Outcome is the terminal state the monitor observed.
type Outcome struct {
	ScanID    string
	Status    types.JobStatus
	ResultRef string
	Error     string
}

var errCancelledBeforeSubmit = errors.New("cancelled before submit")

// JobMonitor submits a job once and polls it to a terminal status, checking
// the controller before every poll.
type JobMonitor struct {
	store   core.SessionStore
	control *Controller
	bus     core.EventBus
	cfg     MonitorConfig
	logger  *logger.Logger
	now     func() time.Time
}

func NewJobMonitor(store core.SessionStore, control *Controller, bus core.EventBus, cfg MonitorConfig, log *logger.Logger) *JobMonitor {
	return &JobMonitor{
		store:   store,
		control: control,
		bus:     bus,
		cfg:     cfg.withDefaults(),
		logger:  log.WithComponent("job_monitor"),
		now:     time.Now,
	}
}

// Run drives one job. Failed and errored jobs come back as an outcome,
// not an error. Errors mean the job could not be submitted
// (SubmissionError) or that ctx ended, in which case the scan job stays
// active and is picked up again on resume.
func (m *JobMonitor) Run(ctx context.Context, req MonitorRequest) (*Outcome, error) {
	session := req.Session
	step := req.Step.Name
	log := m.logger.WithSession(session.ID).WithStep(string(step))

	wake, stopWatch := m.control.Watch(session.ID)
	defer stopWatch()

	job, adopted, err := m.attach(ctx, req, log)
	if errors.Is(err, errCancelledBeforeSubmit) {
		log.Infow("Cancel observed before submit, nothing to abandon")
		outcome := &Outcome{Status: types.JobStatusCancelled, Error: "cancelled by operator"}
		m.progress(ctx, req, types.JobState{Status: outcome.Status, Error: outcome.Error})
		return outcome, nil
	}
	if err != nil {
		return nil, err
	}
	log = log.WithScanID(job.ScanID)

	if adopted {
		log.Infow("Re-attached to active scan job", "status", job.Status)
	} else {
		log.Infow("Scan job submitted", "tool", req.Client.Tool())
	}

	interval := m.cfg.PollInterval
	if req.Step.Long {
		interval = m.cfg.LongStepPollInterval
	}

	var (
		lastStatus = job.Status
		pollErrors int
		lastErr    error
		active     time.Duration
		lastTick   = m.now()
	)
	m.progress(ctx, req, types.JobState{ScanID: job.ScanID, Status: lastStatus})

	for {
		sig, err := m.control.Check(ctx, session.ID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warnw("Failed to read control flags", "error", err)
		}

		if sig.Paused {
			sig, err = m.control.WaitWhilePaused(ctx, session.ID, m.cfg.CancellingPollInterval)
			if err != nil {
				return nil, err
			}
			lastTick = m.now()
		}

		if sig.Cancelled {
			log.Infow("Cancel observed, abandoning scan job")
			return m.finish(ctx, req, job.ScanID, types.JobStatusCancelled, "", "cancelled by operator", true), nil
		}

		now := m.now()
		active += now.Sub(lastTick)
		lastTick = now
		if m.cfg.StepTimeout > 0 && active > m.cfg.StepTimeout {
			log.Warnw("Step timed out", "timeout", m.cfg.StepTimeout)
			return m.finish(ctx, req, job.ScanID, types.JobStatusError, "", fmt.Sprintf("step timed out after %s", m.cfg.StepTimeout), true), nil
		}

		state, err := req.Client.Poll(ctx, job.ScanID)
		switch {
		case err == nil:
			pollErrors = 0
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, core.ErrJobNotFound):
			log.Warnw("Scan job vanished from the job service")
			return m.finish(ctx, req, job.ScanID, types.JobStatusError, "", "scan job not found by job service", false), nil
		default:
			pollErrors++
			lastErr = err
			log.Warnw("Poll failed", "error", err, "attempt", pollErrors, "budget", m.cfg.PollErrorBudget)
			if pollErrors >= m.cfg.PollErrorBudget {
				perr := &PollError{ScanID: job.ScanID, Attempts: pollErrors, Err: lastErr}
				return m.finish(ctx, req, job.ScanID, types.JobStatusError, "", perr.Error(), true), nil
			}
		}

		if state != nil {
			if state.Status != lastStatus {
				lastStatus = state.Status
				if err := m.store.UpdateScanJob(ctx, job.ScanID, state.Status, state.ResultRef, state.Error); err != nil {
					log.Warnw("Failed to record scan job status", "error", err, "status", state.Status)
				}
				m.progress(ctx, req, *state)
			}
			if state.Status.IsTerminal() {
				log.Infow("Scan job finished",
					"status", state.Status,
					"execution_time", state.ExecutionTime,
				)
				return &Outcome{
					ScanID:    job.ScanID,
					Status:    state.Status,
					ResultRef: state.ResultRef,
					Error:     state.Error,
				}, nil
			}
		}

		if err := sleep(ctx, wake, interval); err != nil {
			return nil, err
		}
	}
}

// attach adopts the step's active scan job or submits a new one. At most
// one non-terminal scan job exists per session and step.
func (m *JobMonitor) attach(ctx context.Context, req MonitorRequest, log *logger.Logger) (*types.ScanJob, bool, error) {
	session := req.Session
	step := req.Step.Name

	existing, err := m.store.ActiveScanJob(ctx, session.ID, step)
	if err == nil {
		return existing, true, nil
	}
	if !errors.Is(err, core.ErrScanJobNotFound) {
		return nil, false, fmt.Errorf("failed to look up active scan job: %w", err)
	}

	// A pause requested since the step started must hold the submit too.
	sig, err := m.control.WaitWhilePaused(ctx, session.ID, m.cfg.CancellingPollInterval)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, false, fmt.Errorf("failed to read control flags: %w", err)
	}
	if sig.Cancelled {
		return nil, false, errCancelledBeforeSubmit
	}

	scanID, err := req.Client.Submit(ctx, req.Request)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, false, &SubmissionError{Tool: req.Client.Tool(), Err: err}
	}
	if scanID == "" {
		scanID = uuid.New().String()
	}

	job := &types.ScanJob{
		ScanID:    scanID,
		SessionID: session.ID,
		Step:      step,
		Tool:      req.Client.Tool(),
		Status:    types.JobStatusPending,
	}
	if err := m.store.CreateScanJob(ctx, job); err != nil {
		// Lost a race with another submit for the same step: drop ours.
		if cerr := req.Client.Cancel(context.WithoutCancel(ctx), scanID); cerr != nil {
			log.Warnw("Failed to cancel duplicate scan job", "error", cerr, "scan_id", scanID)
		}
		if errors.Is(err, core.ErrActiveJobExists) {
			existing, lerr := m.store.ActiveScanJob(ctx, session.ID, step)
			if lerr == nil {
				return existing, true, nil
			}
		}
		return nil, false, fmt.Errorf("failed to record scan job: %w", err)
	}
	return job, false, nil
}

// finish ends a job the monitor gave up on. cancelRemote issues a
// best-effort cancel to the job client.
func (m *JobMonitor) finish(ctx context.Context, req MonitorRequest, scanID string, status types.JobStatus, ref, reason string, cancelRemote bool) *Outcome {
	log := m.logger.WithSession(req.Session.ID).WithStep(string(req.Step.Name)).WithScanID(scanID)
	// The session may be shutting down; these writes must still land.
	wctx := context.WithoutCancel(ctx)

	if cancelRemote {
		if err := req.Client.Cancel(wctx, scanID); err != nil {
			log.Warnw("Best-effort cancel failed", "error", err)
		}
	}
	if err := m.store.UpdateScanJob(wctx, scanID, status, ref, reason); err != nil {
		log.Warnw("Failed to record scan job status", "error", err, "status", status)
	}
	m.progress(wctx, req, types.JobState{ScanID: scanID, Status: status, Error: reason})

	return &Outcome{ScanID: scanID, Status: status, ResultRef: ref, Error: reason}
}

func (m *JobMonitor) progress(ctx context.Context, req MonitorRequest, state types.JobState) {
	publish(ctx, m.bus, m.logger, types.Event{
		SessionID: req.Session.ID,
		TargetID:  req.Session.TargetID,
		Kind:      types.EventJobStatus,
		Step:      req.Step.Name,
		Status:    string(state.Status),
		ScanID:    state.ScanID,
		Message:   state.Error,
	})
	if req.OnProgress != nil {
		req.OnProgress(state)
	}
}
