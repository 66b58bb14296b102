// Package external runs recon binaries such as amass or subfinder and turns
// their line-oriented output into tool results.
package external

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/config"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/core"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/plugins/toolkit"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/pkg/types"
)

const maxRawOutput = 4 << 20

var _ core.Tool = (*Tool)(nil)

type Tool struct {
	name   string
	cfg    config.ExecToolConfig
	logger toolkit.Logger
}

func New(name string, cfg config.ExecToolConfig, logger toolkit.Logger) *Tool {
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = name
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Hour
	}
	return &Tool{name: name, cfg: cfg, logger: logger}
}

func (t *Tool) Name() string {
	return t.name
}

// Validate checks the binary is installed.
func (t *Tool) Validate() error {
	if _, err := exec.LookPath(t.cfg.BinaryPath); err != nil {
		return fmt.Errorf("%s binary not found: %w", t.name, err)
	}
	return nil
}

func (t *Tool) Run(ctx context.Context, req types.JobRequest) (*types.ToolOutput, error) {
	args, domain, err := t.expandArgs(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	t.logger.Info("Running external tool", "tool", t.name, "binary", t.cfg.BinaryPath, "args", args)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, t.cfg.BinaryPath, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	runErr := cmd.Run()
	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s timed out after %s", t.name, t.cfg.Timeout)
		}
		return nil, ctx.Err()
	}
	if runErr != nil {
		return nil, fmt.Errorf("%s failed: %w: %s", t.name, runErr, tail(stderr.String(), 512))
	}

	lines := toolkit.Lines(stdout.Bytes())
	var items []string
	if domain != "" {
		items = toolkit.InScopeHosts(lines, domain)
	} else {
		items = toolkit.Dedupe(lines)
	}

	t.logger.Debug("External tool finished", "tool", t.name,
		"lines", len(lines), "items", len(items), "duration", time.Since(start))

	raw := stdout.Bytes()
	if len(raw) > maxRawOutput {
		raw = raw[:maxRawOutput]
	}
	return &types.ToolOutput{Items: items, Raw: raw}, nil
}

// expandArgs substitutes {target} and {domain}. The domain is returned when
// the tool is domain scoped so output can be filtered to it.
func (t *Tool) expandArgs(req types.JobRequest) ([]string, string, error) {
	var domain string
	for _, a := range t.cfg.Args {
		if strings.Contains(a, "{domain}") {
			d, err := toolkit.Domain(req)
			if err != nil {
				return nil, "", err
			}
			domain = d
			break
		}
	}

	args := make([]string, len(t.cfg.Args))
	for i, a := range t.cfg.Args {
		a = strings.ReplaceAll(a, "{target}", req.Target.Value)
		a = strings.ReplaceAll(a, "{domain}", domain)
		args[i] = a
	}
	return args, domain, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return "..." + s[len(s)-n:]
	}
	return s
}
