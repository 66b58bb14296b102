package plugins

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/config"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/core"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/logger"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/pkg/types"
)

type namedTool string

func (n namedTool) Name() string { return string(n) }
func (n namedTool) Run(context.Context, types.JobRequest) (*types.ToolOutput, error) {
	return &types.ToolOutput{}, nil
}

func TestManager(t *testing.T) {
	pm := NewManager()
	require.NoError(t, pm.Register(namedTool("b")))
	require.NoError(t, pm.Register(namedTool("a")))
	assert.Error(t, pm.Register(namedTool("a")))

	assert.Equal(t, []string{"a", "b"}, pm.List())

	tool, err := pm.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "a", tool.Name())

	_, err = pm.Get("missing")
	assert.ErrorIs(t, err, core.ErrToolNotFound)
}

func TestRegisterDefaultPlugins(t *testing.T) {
	pm := NewManager()
	require.NoError(t, RegisterDefaultPlugins(pm, config.DefaultConfig().Tools, logger.NewNop()))

	for _, name := range []string{
		"amass", "sublist3r", "assetfinder", "gau", "ctl", "subfinder",
		"shuffledns", "cewl", "gospider", "subdomainizer", "httpx",
		"nuclei_screenshot", "metadata",
		"amass_intel", "ctl_company", "asnmap", "whois_company",
	} {
		_, err := pm.Get(name)
		assert.NoError(t, err, name)
	}
}
