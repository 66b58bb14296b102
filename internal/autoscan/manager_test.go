package autoscan

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/core"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/database"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/logger"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/pkg/types"
)

func TestDefaultConfigFallsBackToProcessLimits(t *testing.T) {
	e := newEnv(t)

	defaults, err := e.manager.DefaultConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.ConfigSnapshot{
		types.LimitMaxConsolidatedSubdomains: 2500,
		types.LimitMaxLiveWebServers:         500,
	}, defaults)
}

func TestSetDefaultConfigRejects(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	for _, bad := range []types.ConfigSnapshot{
		{"nmap": false},
		{"amass": "off"},
		{types.LimitMaxLiveWebServers: -5},
	} {
		_, err := e.manager.SetDefaultConfig(ctx, bad)
		assert.ErrorIs(t, err, ErrInvalidConfig, "%v", bad)
	}

	_, err := e.store.GetDefaultConfig(ctx)
	assert.ErrorIs(t, err, core.ErrConfigNotFound, "rejected defaults were saved")

	saved, err := e.manager.SetDefaultConfig(ctx, types.ConfigSnapshot{"amass": false, "asnmap": false})
	require.NoError(t, err, "steps of any pipeline are accepted")
	assert.False(t, saved.Enabled("asnmap"))
	limit, ok := saved.Limit(types.LimitMaxLiveWebServers)
	require.True(t, ok)
	assert.Equal(t, 500, limit)
}

func TestStartSessionFreezesDefaults(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.jobs.script("amass", &script{items: hosts("example.com", 10)})
	target := e.addTarget(t, types.TargetTypeWildcard, "*.example.com")

	defaults := only()
	defaults["asnmap"] = false
	defaults[types.LimitMaxConsolidatedSubdomains] = 3
	_, err := e.manager.SetDefaultConfig(ctx, defaults)
	require.NoError(t, err)

	session, err := e.manager.StartSession(ctx, target.ID, types.ConfigSnapshot{"amass": true})
	require.NoError(t, err)

	snapshot := session.ConfigSnapshot
	assert.True(t, snapshot.Enabled("amass"), "caller overrides win")
	assert.False(t, snapshot.Enabled("sublist3r"), "absent keys come from the defaults")
	assert.NotContains(t, snapshot, "asnmap", "other pipelines' steps are dropped")
	subdomains, _ := snapshot.Limit(types.LimitMaxConsolidatedSubdomains)
	live, _ := snapshot.Limit(types.LimitMaxLiveWebServers)
	assert.Equal(t, 3, subdomains)
	assert.Equal(t, 500, live)

	final := e.waitStatus(t, session.ID, types.SessionStatusCompleted)
	require.NotNil(t, final.Tallies.ConsolidatedSubdomains)
	assert.Equal(t, 10, *final.Tallies.ConsolidatedSubdomains)
	assert.Zero(t, e.jobs.Submits("sublist3r"))
	for _, req := range e.jobs.Requests(probeTool) {
		assert.Len(t, req.Inputs, 3)
	}
}

func TestResumeKeepsFrozenLimits(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	jobs := newFakeJobs()
	hold := make(chan struct{})
	jobs.script("amass", &script{items: hosts("example.com", 10), hold: hold})

	first := newEnvWith(t, store, jobs, testMonitorConfig)
	target := first.addTarget(t, types.TargetTypeWildcard, "*.example.com")
	_, err := first.manager.SetDefaultConfig(ctx, types.ConfigSnapshot{types.LimitMaxConsolidatedSubdomains: 3})
	require.NoError(t, err)

	session, err := first.manager.StartSession(ctx, target.ID, only("amass"))
	require.NoError(t, err)
	first.waitSubmits(t, "amass", 1)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, first.manager.Shutdown(shutdownCtx))

	second := newEnvWith(t, store, jobs, testMonitorConfig)
	_, err = second.manager.SetDefaultConfig(ctx, types.ConfigSnapshot{types.LimitMaxConsolidatedSubdomains: 7})
	require.NoError(t, err)

	n, err := second.manager.ResumeAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	close(hold)
	second.waitStatus(t, session.ID, types.SessionStatusCompleted)

	probes := jobs.Requests(probeTool)
	require.NotEmpty(t, probes)
	for _, req := range probes {
		assert.Len(t, req.Inputs, 3, "resumed session picked up new defaults")
	}
}

func TestResumeRefusesSessionLeasedElsewhere(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	jobs := newFakeJobs()
	hold := make(chan struct{})
	jobs.script("amass", &script{items: hosts("example.com", 2), hold: hold})

	serve := newEnvWith(t, store, jobs, testMonitorConfig)
	target := serve.addTarget(t, types.TargetTypeWildcard, "*.example.com")
	session, err := serve.manager.StartSession(ctx, target.ID, only("amass"))
	require.NoError(t, err)
	serve.waitSubmits(t, "amass", 1)

	scan := newEnvWith(t, store, jobs, testMonitorConfig)
	_, _, err = scan.manager.ResumeIfInProgress(ctx, target.ID)
	assert.ErrorIs(t, err, core.ErrSessionLeased)

	n, err := scan.manager.ResumeAll(ctx)
	require.NoError(t, err, "leased sessions are left to their owner")
	assert.Zero(t, n)

	// Resume from another process clears the flag without taking over.
	_, err = serve.manager.Pause(ctx, session.ID)
	require.NoError(t, err)
	_, err = scan.manager.Resume(ctx, session.ID)
	require.NoError(t, err)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, serve.manager.Shutdown(shutdownCtx))

	resumed, _, err := scan.manager.ResumeIfInProgress(ctx, target.ID)
	require.NoError(t, err, "a released lease can be taken")
	assert.Equal(t, session.ID, resumed.ID)

	close(hold)
	scan.waitStatus(t, session.ID, types.SessionStatusCompleted)
	assert.Equal(t, 1, jobs.Submits("amass"))
}

// gatedBus blocks every publish until released.
type gatedBus struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *gatedBus) Publish(ctx context.Context, event types.Event) error {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *gatedBus) Subscribe(string) (<-chan types.Event, func()) {
	return make(chan types.Event), func() {}
}

func (b *gatedBus) Close() error {
	b.once.Do(func() { close(b.release) })
	return nil
}

func TestLaunchPublishesOutsideLock(t *testing.T) {
	ctx := context.Background()
	log := logger.NewNop()
	store := database.NewMemoryStore()
	bus := &gatedBus{entered: make(chan struct{}, 1), release: make(chan struct{})}
	control := NewController(store, bus, log)
	monitor := NewJobMonitor(store, control, bus, testMonitorConfig, log)
	sequencer := NewSequencer(store, newFakeJobs(), monitor, NewConsolidator(store, log), control, bus,
		Limits{MaxConsolidatedSubdomains: 2500, MaxLiveWebServers: 500}, log)
	manager := NewManager(store, store, store, sequencer, control, bus, time.Minute, log)
	t.Cleanup(func() {
		_ = bus.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, manager.Shutdown(shutdownCtx))
	})

	target := &types.ScopeTarget{Type: types.TargetTypeWildcard, Value: "*.example.com", Mode: "Passive", Active: true}
	require.NoError(t, store.AddTarget(ctx, target))

	started := make(chan error, 1)
	go func() {
		_, err := manager.StartSession(ctx, target.ID, only())
		started <- err
	}()

	select {
	case <-bus.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("launch never published")
	}

	free := make(chan struct{})
	go func() {
		manager.isRunning("another-session")
		close(free)
	}()
	select {
	case <-free:
	case <-time.After(time.Second):
		t.Fatal("manager lock held while publishing")
	}

	_ = bus.Close()
	require.NoError(t, <-started)
}
