package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/validation"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/pkg/types"
)

var targetCmd = &cobra.Command{
	Use:   "target",
	Short: "Register and list scope targets",
}

var targetAddCmd = &cobra.Command{
	Use:   "add <value>",
	Short: "Register a scope target",
	Long: `Register a scope target for auto-scan sessions.

Values starting with "*." are wildcard targets. Anything else needs --type.

Examples:
  autoscan target add '*.example.com'
  autoscan target add 'Example Corp' --type company`,
	Args: cobra.ExactArgs(1),
	RunE: runTargetAdd,
}

var targetListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered scope targets",
	RunE:  runTargetList,
}

func init() {
	rootCmd.AddCommand(targetCmd)
	targetCmd.AddCommand(targetAddCmd, targetListCmd)
	targetAddCmd.Flags().String("type", "", "Target type (wildcard, company, url)")
	targetAddCmd.Flags().String("mode", "Guided", "Scan mode recorded with the target")
}

// targetType infers the type from the value when no flag was given.
func targetType(value, flag string) (types.TargetType, error) {
	if flag != "" {
		return validation.ParseTargetType(flag)
	}
	switch {
	case strings.HasPrefix(value, "*."):
		return types.TargetTypeWildcard, nil
	case strings.HasPrefix(value, "http://"), strings.HasPrefix(value, "https://"):
		return types.TargetTypeURL, nil
	}
	return "", fmt.Errorf("cannot infer the type of %q, pass --type", value)
}

func runTargetAdd(cmd *cobra.Command, args []string) error {
	value := strings.TrimSpace(args[0])
	typeFlag, _ := cmd.Flags().GetString("type")
	mode, _ := cmd.Flags().GetString("mode")

	tt, err := targetType(value, typeFlag)
	if err != nil {
		return err
	}
	if err := validation.ValidateScopeTarget(tt, value); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout+cfg.Database.ConnectTimeout)
	defer cancel()

	a, err := newApp(ctx, cfg, log, appOptions{})
	if err != nil {
		return err
	}
	defer a.close()

	target := &types.ScopeTarget{Type: tt, Mode: mode, Value: value, Active: true}
	if err := a.store.AddTarget(ctx, target); err != nil {
		return fmt.Errorf("failed to add target: %w", err)
	}

	color.Green("Added %s target %s", target.Type, target.Value)
	fmt.Println(target.ID)
	return nil
}

func runTargetList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout+cfg.Database.ConnectTimeout)
	defer cancel()

	a, err := newApp(ctx, cfg, log, appOptions{})
	if err != nil {
		return err
	}
	defer a.close()

	targets, err := a.store.ListTargets(ctx)
	if err != nil {
		return fmt.Errorf("failed to list targets: %w", err)
	}
	if len(targets) == 0 {
		fmt.Println("No scope targets registered")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tTARGET\tMODE\tACTIVE\tCREATED")
	for _, t := range targets {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n",
			t.ID, t.Type, t.Value, t.Mode, t.Active, t.CreatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}
