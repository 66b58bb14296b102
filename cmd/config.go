package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/autoscan"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/core"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/pkg/types"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the effective configuration and the stored auto-scan defaults",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Long: `Print the configuration after merging defaults, the config file,
environment variables and flags. Secrets (DSN, passwords, API key) are
never printed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return writeYAML(os.Stdout, cfg)
	},
}

var configDefaultsCmd = &cobra.Command{
	Use:   "defaults",
	Short: "Show or change the defaults new auto-scan sessions start from",
	Long: `Show the stored auto-scan defaults: step toggles and input limits. New
sessions take every key they do not set themselves from these defaults,
and freeze the result, so changing them never affects a running session.

Examples:
  autoscan config defaults
  autoscan config defaults --set gau=false --set max_live_web_servers=200`,
	RunE: func(cmd *cobra.Command, args []string) error {
		pairs, _ := cmd.Flags().GetStringArray("set")
		if len(pairs) > 0 && cfg.Database.Driver == "memory" {
			return fmt.Errorf("saving defaults needs a shared store, the memory store lives only inside its process")
		}

		return withSessions(cmd, func(ctx context.Context, a *app) error {
			if len(pairs) > 0 {
				stored, err := a.store.GetDefaultConfig(ctx)
				if errors.Is(err, core.ErrConfigNotFound) {
					stored = types.ConfigSnapshot{}
				} else if err != nil {
					return err
				}
				updated, err := applyDefaults(stored, pairs)
				if err != nil {
					return err
				}
				if _, err := a.manager.SetDefaultConfig(ctx, updated); err != nil {
					return err
				}
			}

			defaults, err := a.manager.DefaultConfig(ctx)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(defaults)
			}
			return writeYAML(os.Stdout, defaults)
		})
	},
}

// applyDefaults sets key=value pairs on a copy of base. Values are
// booleans for step toggles and integers for limits.
func applyDefaults(base types.ConfigSnapshot, pairs []string) (types.ConfigSnapshot, error) {
	out := base.Clone()
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --set %q, expected key=value", pair)
		}
		value = strings.TrimSpace(value)

		if types.IsLimitKey(key) {
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("invalid limit %s=%q: %w", key, value, err)
			}
			out.SetLimit(key, n)
			continue
		}
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("invalid toggle %s=%q: %w", key, value, err)
		}
		out[key] = enabled
	}
	return out, nil
}

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Print the auto-scan step catalog for each target type",
	RunE: func(cmd *cobra.Command, args []string) error {
		return writeYAML(os.Stdout, autoscan.Pipelines())
	},
}

func init() {
	rootCmd.AddCommand(configCmd, pipelineCmd)
	configCmd.AddCommand(configShowCmd, configDefaultsCmd)
	configDefaultsCmd.Flags().StringArray("set", nil, "Set a default, as step=true|false or max_*=N")
	configDefaultsCmd.Flags().Bool("json", false, "Print as JSON")
}

func writeYAML(w io.Writer, v interface{}) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode yaml: %w", err)
	}
	return enc.Close()
}
