package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/autoscan"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/config"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/events"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/logger"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/pkg/types"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "autoscan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestInitConfigMergesFileEnvAndDefaults(t *testing.T) {
	cfgFile = writeConfig(t, `
database:
  driver: memory
autoscan:
  poll_interval: 2s
  poll_error_budget: 3
tools:
  ctl:
    base_url: https://ctl.test
`)
	t.Cleanup(func() { cfgFile = "" })
	t.Setenv("AUTOSCAN_WORKER_COUNT", "7")

	require.NoError(t, initConfig())

	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, 2*time.Second, cfg.AutoScan.PollInterval)
	assert.Equal(t, 3, cfg.AutoScan.PollErrorBudget)
	assert.Equal(t, 7, cfg.Worker.Count)
	assert.Equal(t, "https://ctl.test", cfg.Tools.CTL.BaseURL)

	defaults := config.DefaultConfig()
	assert.Equal(t, defaults.Tools.CTL.Timeout, cfg.Tools.CTL.Timeout, "unset nested keys keep their defaults")
	assert.Contains(t, cfg.Tools.Exec, "amass")
	assert.Equal(t, defaults.AutoScan.MaxConsolidatedSubdomains, cfg.AutoScan.MaxConsolidatedSubdomains)
}

func TestInitConfigRejectsInvalidValues(t *testing.T) {
	cfgFile = writeConfig(t, "queue:\n  backend: kafka\n")
	t.Cleanup(func() { cfgFile = "" })

	err := initConfig()
	assert.ErrorContains(t, err, "unsupported queue backend")
}

func TestInitConfigMissingExplicitFile(t *testing.T) {
	cfgFile = filepath.Join(t.TempDir(), "absent.yaml")
	t.Cleanup(func() { cfgFile = "" })

	assert.Error(t, initConfig())
}

func TestConfigShowHidesSecrets(t *testing.T) {
	c := config.DefaultConfig()
	c.Database.DSN = "postgres://user:hunter2@db/autoscan"
	c.Security.APIKey = "s3cret"

	var buf bytes.Buffer
	require.NoError(t, writeYAML(&buf, c))

	out := buf.String()
	assert.Contains(t, out, "poll_interval: 5s")
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "s3cret")
}

func TestPipelineCatalogYAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeYAML(&buf, autoscan.Pipelines()))
	assert.Contains(t, buf.String(), "consolidate_round1")
	assert.Contains(t, buf.String(), "target_type: Company")
}

func TestTargetTypeInference(t *testing.T) {
	tests := []struct {
		value, flag string
		want        types.TargetType
		wantErr     bool
	}{
		{"*.example.com", "", types.TargetTypeWildcard, false},
		{"https://example.com", "", types.TargetTypeURL, false},
		{"Example Corp", "company", types.TargetTypeCompany, false},
		{"Example Corp", "", "", true},
		{"*.example.com", "bogus", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.value+"/"+tt.flag, func(t *testing.T) {
			got, err := targetType(tt.value, tt.flag)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSnapshotFrom(t *testing.T) {
	assert.Equal(t, types.ConfigSnapshot{}, snapshotFrom(nil))
	assert.Equal(t, types.ConfigSnapshot{"amass": false, "gau": false}, snapshotFrom([]string{"amass", "gau"}))
}

func TestApplyDefaults(t *testing.T) {
	base := types.ConfigSnapshot{"amass": false}

	got, err := applyDefaults(base, []string{"gau=false", "amass=true", " max_live_web_servers = 200"})
	require.NoError(t, err)
	assert.Equal(t, types.ConfigSnapshot{"amass": true, "gau": false, "max_live_web_servers": 200}, got)
	assert.Equal(t, false, base["amass"], "base is not modified")

	for _, bad := range []string{"gau", "=true", "gau=maybe", "max_consolidated_subdomains=lots"} {
		_, err := applyDefaults(base, []string{bad})
		assert.Error(t, err, bad)
	}
}

func TestFollowSession(t *testing.T) {
	bus := events.NewBus(16, logger.NewNop())
	defer bus.Close()
	ch, unsubscribe := bus.Subscribe("")
	defer unsubscribe()

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, types.Event{SessionID: "other", Kind: types.EventSessionStatus, Status: "completed"}))
	require.NoError(t, bus.Publish(ctx, types.Event{SessionID: "s1", Kind: types.EventStepStarted, Step: "amass"}))
	require.NoError(t, bus.Publish(ctx, types.Event{SessionID: "s1", Kind: types.EventStepFinished, Step: "amass", Status: "failed", Message: "exit status 1"}))
	require.NoError(t, bus.Publish(ctx, types.Event{SessionID: "s1", Kind: types.EventSessionStatus, Status: "cancelled"}))

	var seen []types.EventKind
	observe := func(e types.Event) { seen = append(seen, e.Kind) }

	status, err := followSession(ctx, "s1", ch, observe)
	require.NoError(t, err)
	assert.Equal(t, types.SessionStatusCancelled, status)
	assert.Equal(t, []types.EventKind{types.EventStepStarted, types.EventStepFinished, types.EventSessionStatus}, seen)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = followSession(cctx, "s1", ch, observe)
	assert.ErrorIs(t, err, context.Canceled)
}
