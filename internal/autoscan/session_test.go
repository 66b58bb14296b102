package autoscan

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/core"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/database"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/logger"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/pkg/types"
)

func TestSessionRunsWildcardPipeline(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	target := e.addTarget(t, types.TargetTypeWildcard, "*.example.com")
	e.jobs.script("amass", &script{items: hosts("example.com", 10)})

	events, unsubscribe := e.bus.Subscribe("")
	defer unsubscribe()

	session, err := e.manager.StartSession(ctx, target.ID, only("amass"))
	require.NoError(t, err)
	assert.Equal(t, types.Step("amass"), session.CurrentStep)

	final := e.waitStatus(t, session.ID, types.SessionStatusCompleted)
	assert.Equal(t, types.StepCompleted, final.CurrentStep)
	require.NotNil(t, final.EndedAt)
	require.NotNil(t, final.Tallies.ConsolidatedSubdomains)
	assert.Equal(t, 10, *final.Tallies.ConsolidatedSubdomains)
	require.NotNil(t, final.Tallies.LiveWebServers)
	assert.Equal(t, 10, *final.Tallies.LiveWebServers)

	records := e.records(t, session.ID)
	assert.Len(t, records, len(wildcardPipeline.Steps), "every step leaves exactly one record")
	assert.Equal(t, types.StepStatusSuccess, records["amass"].Status)
	assert.Equal(t, 10, records["amass"].ItemCount)
	for _, step := range []types.Step{"consolidate_round1", "consolidate_round2", "consolidate_round3"} {
		assert.Equal(t, types.StepStatusSuccess, records[step].Status, step)
		assert.Equal(t, 10, records[step].ItemCount, step)
	}
	assert.Equal(t, types.StepStatusSkipped, records["sublist3r"].Status)
	assert.Equal(t, types.StepStatusSkipped, records["metadata"].Status)
	for i, def := range wildcardPipeline.Steps {
		assert.Equal(t, i, records[def.Name].Position, def.Name)
	}

	assert.Equal(t, 1, e.jobs.Submits("amass"))
	assert.Equal(t, 3, e.jobs.Submits(probeTool))
	probes := e.jobs.Requests(probeTool)
	require.NotEmpty(t, probes)
	assert.Equal(t, hosts("example.com", 10)[:2], probes[0].Inputs[:2])

	live, err := e.manager.Assets(ctx, session.ID, types.AssetLiveWebServer)
	require.NoError(t, err)
	assert.Contains(t, live, "https://host0.example.com")

	finished := 0
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case ev := <-events:
			if ev.SessionID != session.ID {
				continue
			}
			if ev.Kind == types.EventStepFinished {
				finished++
			}
			done = ev.Kind == types.EventSessionStatus && ev.Status == string(types.SessionStatusCompleted)
		case <-timeout:
			t.Fatal("completion event never published")
		}
	}
	assert.Equal(t, len(wildcardPipeline.Steps), finished)
}

func TestSessionContinuesPastFailedSteps(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(j *fakeJobs)
		want    types.StepStatus
		message string
	}{
		{
			name:    "tool exits non-zero",
			setup:   func(j *fakeJobs) { j.script("amass", &script{status: types.JobStatusFailed}) },
			want:    types.StepStatusFailed,
			message: "exited with status 1",
		},
		{
			name:    "tool errors",
			setup:   func(j *fakeJobs) { j.script("amass", &script{status: types.JobStatusError}) },
			want:    types.StepStatusError,
			message: "exited with status 1",
		},
		{
			name:    "tool not registered",
			setup:   func(j *fakeJobs) { j.missing["amass"] = true },
			want:    types.StepStatusFailed,
			message: "failed to submit amass job",
		},
		{
			name:    "submit rejected",
			setup:   func(j *fakeJobs) { j.script("amass", &script{submitErr: errors.New("queue full")}) },
			want:    types.StepStatusFailed,
			message: "queue full",
		},
		{
			name:    "job vanished",
			setup:   func(j *fakeJobs) { j.script("amass", &script{forget: true}) },
			want:    types.StepStatusError,
			message: "not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			tt.setup(e.jobs)
			e.jobs.script("sublist3r", &script{items: hosts("example.com", 2)})
			target := e.addTarget(t, types.TargetTypeWildcard, "*.example.com")

			session, err := e.manager.StartSession(context.Background(), target.ID, only("amass", "sublist3r"))
			require.NoError(t, err)

			final := e.waitStatus(t, session.ID, types.SessionStatusCompleted)
			records := e.records(t, session.ID)
			assert.Equal(t, tt.want, records["amass"].Status)
			assert.Contains(t, records["amass"].ErrorMessage, tt.message)
			assert.Equal(t, types.StepStatusSuccess, records["sublist3r"].Status)
			require.NotNil(t, final.Tallies.ConsolidatedSubdomains)
			assert.Equal(t, 2, *final.Tallies.ConsolidatedSubdomains)
		})
	}
}

func TestSessionPollErrorBudget(t *testing.T) {
	e := newEnv(t)
	e.jobs.script("amass", &script{pollErr: errors.New("503 service unavailable")})
	target := e.addTarget(t, types.TargetTypeWildcard, "*.example.com")

	session, err := e.manager.StartSession(context.Background(), target.ID, only("amass"))
	require.NoError(t, err)
	e.waitStatus(t, session.ID, types.SessionStatusCompleted)

	record := e.records(t, session.ID)["amass"]
	assert.Equal(t, types.StepStatusError, record.Status)
	assert.Contains(t, record.ErrorMessage, "failed 5 times")
	assert.Equal(t, e.cfg.PollErrorBudget, e.jobs.Polls("amass"))
	assert.Equal(t, 1, e.jobs.Cancels("amass"), "abandoned job is cancelled")

	jobs, err := e.store.ListScanJobs(context.Background(), session.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, types.JobStatusError, jobs[0].Status)
}

func TestSessionStepTimeout(t *testing.T) {
	cfg := testMonitorConfig
	cfg.StepTimeout = 20 * time.Millisecond
	e := newEnvWith(t, database.NewMemoryStore(), newFakeJobs(), cfg)
	e.jobs.script("amass", &script{hold: make(chan struct{})})
	target := e.addTarget(t, types.TargetTypeWildcard, "*.example.com")

	session, err := e.manager.StartSession(context.Background(), target.ID, only("amass"))
	require.NoError(t, err)
	e.waitStatus(t, session.ID, types.SessionStatusCompleted)

	record := e.records(t, session.ID)["amass"]
	assert.Equal(t, types.StepStatusError, record.Status)
	assert.Contains(t, record.ErrorMessage, "timed out")
	assert.Equal(t, 1, e.jobs.Cancels("amass"))
}

func TestSessionPauseFreezesPolling(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	hold := make(chan struct{})
	e.jobs.script("amass", &script{items: hosts("example.com", 3), hold: hold})
	target := e.addTarget(t, types.TargetTypeWildcard, "*.example.com")

	session, err := e.manager.StartSession(ctx, target.ID, only("amass"))
	require.NoError(t, err)
	e.waitSubmits(t, "amass", 1)

	_, err = e.manager.Pause(ctx, session.ID)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	polls := e.jobs.Polls("amass")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, polls, e.jobs.Polls("amass"), "paused session kept polling")

	state, err := e.manager.State(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionStatusPaused, state.Status)
	assert.Equal(t, types.Step("amass"), state.CurrentStep)
	assert.True(t, state.IsPaused)

	close(hold)
	_, err = e.manager.Resume(ctx, session.ID)
	require.NoError(t, err)

	final := e.waitStatus(t, session.ID, types.SessionStatusCompleted)
	assert.False(t, final.IsPaused)
	assert.Equal(t, 1, e.jobs.Submits("amass"))
	require.NotNil(t, final.Tallies.ConsolidatedSubdomains)
	assert.Equal(t, 3, *final.Tallies.ConsolidatedSubdomains)
}

func TestSessionPauseDuringInFlightPoll(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	block := make(chan struct{})
	entered := make(chan struct{}, 1)
	e.jobs.script("amass", &script{items: hosts("example.com", 3), block: block, entered: entered})
	target := e.addTarget(t, types.TargetTypeWildcard, "*.example.com")

	session, err := e.manager.StartSession(ctx, target.ID, only("amass"))
	require.NoError(t, err)

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("poll never started")
	}

	_, err = e.manager.Pause(ctx, session.ID)
	require.NoError(t, err)
	// The poll returns a finished job after the pause was accepted.
	close(block)

	time.Sleep(50 * time.Millisecond)
	paused, err := e.store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionStatusPaused, paused.Status)
	assert.Equal(t, types.Step("amass"), paused.CurrentStep, "paused session advanced")
	_, recorded := e.records(t, session.ID)["amass"]
	assert.False(t, recorded, "step recorded while paused")

	_, err = e.manager.Resume(ctx, session.ID)
	require.NoError(t, err)

	e.waitStatus(t, session.ID, types.SessionStatusCompleted)
	assert.Equal(t, 1, e.jobs.Submits("amass"))
	records := e.records(t, session.ID)
	assert.Equal(t, types.StepStatusSuccess, records["amass"].Status)
	assert.Equal(t, 3, records["amass"].ItemCount)
}

func TestMonitorHoldsSubmitWhilePaused(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	session := newSession(t, e.store)
	monitor := NewJobMonitor(e.store, e.control, e.bus, e.cfg, logger.NewNop())
	client, err := e.jobs.Client("amass")
	require.NoError(t, err)

	_, err = e.control.Pause(ctx, session.ID)
	require.NoError(t, err)

	done := make(chan *Outcome, 1)
	go func() {
		def := wildcardPipeline.Steps[wildcardPipeline.Index("amass")]
		outcome, err := monitor.Run(ctx, MonitorRequest{
			Session: session,
			Step:    def,
			Client:  client,
			Request: types.JobRequest{SessionID: session.ID, Step: def.Name, Tool: "amass", Target: targetOf(session)},
		})
		assert.NoError(t, err)
		done <- outcome
	}()

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, e.jobs.Submits("amass"), "submitted while paused")

	_, err = e.control.Cancel(ctx, session.ID)
	require.NoError(t, err)

	select {
	case outcome := <-done:
		require.NotNil(t, outcome)
		assert.Equal(t, types.JobStatusCancelled, outcome.Status)
		assert.Empty(t, outcome.ScanID)
	case <-time.After(5 * time.Second):
		t.Fatal("monitor never observed the cancel")
	}
	assert.Zero(t, e.jobs.Submits("amass"))
	assert.Zero(t, e.jobs.Cancels("amass"))
}

func TestSessionCancel(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.jobs.script("amass", &script{hold: make(chan struct{})})
	target := e.addTarget(t, types.TargetTypeWildcard, "*.example.com")

	session, err := e.manager.StartSession(ctx, target.ID, only("amass", "sublist3r"))
	require.NoError(t, err)
	e.waitSubmits(t, "amass", 1)

	cancelled, err := e.manager.Cancel(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, cancelled.IsCancelled)

	final := e.waitStatus(t, session.ID, types.SessionStatusCancelled)
	assert.Equal(t, types.Step("amass"), final.CurrentStep, "cancel does not advance")
	require.NoError(t, e.manager.Wait(ctx, session.ID))

	assert.Equal(t, 1, e.jobs.Cancels("amass"))
	assert.Zero(t, e.jobs.Submits("sublist3r"))

	records := e.records(t, session.ID)
	assert.Len(t, records, 1)
	assert.Equal(t, types.StepStatusCancelled, records["amass"].Status)

	_, err = e.manager.Resume(ctx, session.ID)
	assert.ErrorIs(t, err, core.ErrSessionTerminal)

	state, err := e.manager.State(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionStatusCancelled, state.Status)

	// The target is free for a new session.
	next, err := e.manager.StartSession(ctx, target.ID, only())
	require.NoError(t, err)
	e.waitStatus(t, next.ID, types.SessionStatusCompleted)
}

func TestSessionCancelWhilePaused(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.jobs.script("amass", &script{hold: make(chan struct{})})
	target := e.addTarget(t, types.TargetTypeWildcard, "*.example.com")

	session, err := e.manager.StartSession(ctx, target.ID, only("amass"))
	require.NoError(t, err)
	e.waitSubmits(t, "amass", 1)

	_, err = e.manager.Pause(ctx, session.ID)
	require.NoError(t, err)
	_, err = e.manager.Cancel(ctx, session.ID)
	require.NoError(t, err)

	final := e.waitStatus(t, session.ID, types.SessionStatusCancelled)
	assert.False(t, final.IsPaused)
	assert.Equal(t, 1, e.jobs.Cancels("amass"))
}

func TestStartSessionRejects(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.jobs.script("amass", &script{hold: make(chan struct{})})

	wildcard := e.addTarget(t, types.TargetTypeWildcard, "*.example.com")
	url := e.addTarget(t, types.TargetTypeURL, "https://app.example.com")
	private := e.addTarget(t, types.TargetTypeWildcard, "*.corp.internal")

	_, err := e.manager.StartSession(ctx, url.ID, nil)
	assert.ErrorIs(t, err, ErrUnsupportedTarget)

	_, err = e.manager.StartSession(ctx, private.ID, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = e.manager.StartSession(ctx, wildcard.ID, types.ConfigSnapshot{"nmap": true})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = e.manager.StartSession(ctx, "missing", nil)
	assert.ErrorIs(t, err, core.ErrTargetNotFound)

	first, err := e.manager.StartSession(ctx, wildcard.ID, only("amass"))
	require.NoError(t, err)
	_, err = e.manager.StartSession(ctx, wildcard.ID, only("amass"))
	assert.ErrorIs(t, err, core.ErrSessionConflict)

	history, err := e.manager.History(ctx, wildcard.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, first.ID, history[0].ID)
}

func TestStateIdleTarget(t *testing.T) {
	e := newEnv(t)
	target := e.addTarget(t, types.TargetTypeWildcard, "*.example.com")

	state, err := e.manager.State(context.Background(), target.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StepIdle, state.CurrentStep)
	assert.Empty(t, state.SessionID)
}

// seed persists a session as a previous process would have left it.
func seed(t *testing.T, store *database.MemoryStore, target *types.ScopeTarget, pipeline string, snapshot types.ConfigSnapshot, records []types.StepRecord, current types.Step) *types.Session {
	t.Helper()
	ctx := context.Background()
	session := &types.Session{
		TargetID:       target.ID,
		TargetType:     target.Type,
		TargetValue:    target.Value,
		Pipeline:       pipeline,
		Status:         types.SessionStatusRunning,
		ConfigSnapshot: snapshot,
		CurrentStep:    types.Step("amass"),
	}
	require.NoError(t, store.CreateSession(ctx, session))
	for i, r := range records {
		next := current
		if i < len(records)-1 {
			next = records[i+1].Step
		}
		require.NoError(t, store.AdvanceStep(ctx, session.ID, r, next))
	}
	if len(records) == 0 && current != session.CurrentStep {
		require.NoError(t, store.AdvanceStep(ctx, session.ID, types.StepRecord{Step: "amass", Status: types.StepStatusSkipped}, current))
	}
	got, err := store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	return got
}

func TestResumeAtCheckpointSkipsFinishedSteps(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	jobs := newFakeJobs()
	e := newEnvWith(t, store, jobs, testMonitorConfig)
	target := e.addTarget(t, types.TargetTypeWildcard, "*.example.com")

	jobs.storeResult("ref-amass", &types.ToolResult{Ref: "ref-amass", Tool: "amass", Items: hosts("example.com", 10)})
	session := seed(t, store, target, "wildcard", only("amass"), []types.StepRecord{
		{Step: "amass", Status: types.StepStatusSuccess, ResultRef: "ref-amass", ItemCount: 10, Position: 0},
	}, "consolidate_round1")

	resumed, step, err := e.manager.ResumeIfInProgress(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, session.ID, resumed.ID)
	assert.Equal(t, types.Step("consolidate_round1"), step)

	final := e.waitStatus(t, session.ID, types.SessionStatusCompleted)
	assert.Zero(t, jobs.Submits("amass"), "finished steps are not re-submitted")
	require.NotNil(t, final.Tallies.ConsolidatedSubdomains)
	assert.Equal(t, 10, *final.Tallies.ConsolidatedSubdomains)

	_, _, err = e.manager.ResumeIfInProgress(ctx, target.ID)
	assert.ErrorIs(t, err, core.ErrSessionNotFound)
}

func TestResumeAdoptsActiveScanJob(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	jobs := newFakeJobs()
	e := newEnvWith(t, store, jobs, testMonitorConfig)
	target := e.addTarget(t, types.TargetTypeWildcard, "*.example.com")
	jobs.script("amass", &script{items: hosts("example.com", 3)})

	session := seed(t, store, target, "wildcard", only("amass"), nil, "amass")
	require.NoError(t, store.CreateScanJob(ctx, &types.ScanJob{
		ScanID:    "amass-previous",
		SessionID: session.ID,
		Step:      "amass",
		Tool:      "amass",
		Status:    types.JobStatusRunning,
	}))
	jobs.adopt("amass-previous", "amass")

	n, err := e.manager.ResumeAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	e.waitStatus(t, session.ID, types.SessionStatusCompleted)
	assert.Zero(t, jobs.Submits("amass"))
	record := e.records(t, session.ID)["amass"]
	assert.Equal(t, "amass-previous", record.ScanID)
	assert.Equal(t, 3, record.ItemCount)
}

func TestResumeFailsUnknownStep(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	e := newEnvWith(t, store, newFakeJobs(), testMonitorConfig)
	target := e.addTarget(t, types.TargetTypeWildcard, "*.example.com")
	session := seed(t, store, target, "wildcard", nil, nil, "bogus")

	n, err := e.manager.ResumeAll(ctx)
	assert.ErrorIs(t, err, ErrResumeInconsistency)
	assert.Zero(t, n)

	got, err := store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "bogus")
}

func TestResumeFinalisesPendingCancel(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	jobs := newFakeJobs()
	e := newEnvWith(t, store, jobs, testMonitorConfig)
	target := e.addTarget(t, types.TargetTypeWildcard, "*.example.com")
	session := seed(t, store, target, "wildcard", nil, nil, "gau")
	_, err := store.RequestCancel(ctx, session.ID)
	require.NoError(t, err)

	_, _, err = e.manager.ResumeIfInProgress(ctx, target.ID)
	require.NoError(t, err)

	got, err := store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionStatusCancelled, got.Status)
	assert.Equal(t, types.Step("gau"), got.CurrentStep)
	assert.Zero(t, jobs.Submits("gau"))
}

func TestShutdownLeavesSessionForNextProcess(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	jobs := newFakeJobs()
	hold := make(chan struct{})
	jobs.script("amass", &script{items: hosts("example.com", 4), hold: hold})

	first := newEnvWith(t, store, jobs, testMonitorConfig)
	target := first.addTarget(t, types.TargetTypeWildcard, "*.example.com")
	session, err := first.manager.StartSession(ctx, target.ID, only("amass"))
	require.NoError(t, err)
	first.waitSubmits(t, "amass", 1)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, first.manager.Shutdown(shutdownCtx))

	left, err := store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionStatusRunning, left.Status)
	assert.Equal(t, types.Step("amass"), left.CurrentStep)
	_, err = store.ActiveScanJob(ctx, session.ID, "amass")
	require.NoError(t, err, "scan job stays active across restarts")

	second := newEnvWith(t, store, jobs, testMonitorConfig)
	n, err := second.manager.ResumeAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	close(hold)
	final := second.waitStatus(t, session.ID, types.SessionStatusCompleted)
	assert.Equal(t, 1, jobs.Submits("amass"), "resumed session re-attached instead of resubmitting")
	require.NotNil(t, final.Tallies.ConsolidatedSubdomains)
	assert.Equal(t, 4, *final.Tallies.ConsolidatedSubdomains)
}

func TestSessionRunsCompanyPipeline(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.jobs.script("amass_intel", &script{items: []string{"mail.acme.com", "acme.com", "203.0.113.7/24"}})
	e.jobs.script("ctl_company", &script{items: []string{"shop.acme.com", "acme.co.uk"}})
	e.jobs.script("asnmap", &script{items: []string{"198.51.100.0/24", "not-a-range"}})
	e.jobs.script("whois_company", &script{items: []string{"acme-holdings.com"}})
	target := e.addTarget(t, types.TargetTypeCompany, "Acme Corp")

	session, err := e.manager.StartSession(ctx, target.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, "company", session.Pipeline)

	final := e.waitStatus(t, session.ID, types.SessionStatusCompleted)
	require.NotNil(t, final.Tallies.CompanyDomains)
	assert.Equal(t, 3, *final.Tallies.CompanyDomains)
	require.NotNil(t, final.Tallies.NetworkRanges)
	assert.Equal(t, 2, *final.Tallies.NetworkRanges)
	assert.Nil(t, final.Tallies.ConsolidatedSubdomains)

	whois := e.jobs.Requests("whois_company")
	require.Len(t, whois, 1)
	assert.Equal(t, []string{"acme.co.uk", "acme.com"}, whois[0].Inputs)

	ranges, err := e.manager.Assets(ctx, session.ID, types.AssetNetworkRange)
	require.NoError(t, err)
	assert.Equal(t, []string{"198.51.100.0/24", "203.0.113.0/24"}, ranges)

	detail, err := e.manager.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Len(t, detail.Steps, len(companyPipeline.Steps))
	assert.Len(t, detail.ScanJobs, 4)
	assert.Equal(t, types.SessionStatusCompleted, detail.ObservedStatus)
}
