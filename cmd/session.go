package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/autoscan"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/pkg/types"
)

const commandTimeout = 30 * time.Second

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect and control auto-scan sessions",
	Long: `Inspect and control auto-scan sessions stored in the session store.

Pause, resume and cancel only write the session's control flags. The
process running the session observes them at its next poll, or at once
when both processes share the redis event bus.`,
}

var sessionStateCmd = &cobra.Command{
	Use:   "state <target-id>",
	Short: "Show the current auto-scan state of a target",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSessions(cmd, func(ctx context.Context, a *app) error {
			state, err := a.manager.State(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(state)
			}
			if state.SessionID == "" {
				fmt.Printf("Target %s has no auto-scan sessions\n", args[0])
				return nil
			}
			fmt.Printf("Session:      %s\n", state.SessionID)
			fmt.Printf("Status:       %s\n", colorStatus(state.Status))
			fmt.Printf("Current step: %s\n", state.CurrentStep)
			return nil
		})
	},
}

var sessionHistoryCmd = &cobra.Command{
	Use:   "history <target-id>",
	Short: "List a target's sessions, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSessions(cmd, func(ctx context.Context, a *app) error {
			sessions, err := a.manager.History(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(sessions)
			}
			if len(sessions) == 0 {
				fmt.Printf("Target %s has no auto-scan sessions\n", args[0])
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tSTATUS\tSTEP\tSTARTED\tDURATION\tSUBDOMAINS\tLIVE\tDOMAINS\tRANGES")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					s.ID,
					s.ObservedStatus(),
					s.CurrentStep,
					s.StartedAt.Local().Format(time.DateTime),
					s.Duration().Round(time.Second),
					tally(s.ConsolidatedSubdomains),
					tally(s.LiveWebServers),
					tally(s.CompanyDomains),
					tally(s.NetworkRanges),
				)
			}
			return w.Flush()
		})
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session with its visited steps and scan jobs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSessions(cmd, func(ctx context.Context, a *app) error {
			detail, err := a.manager.Get(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(detail)
			}

			s := detail.Session
			fmt.Printf("Session:  %s\n", s.ID)
			fmt.Printf("Target:   %s (%s)\n", s.TargetValue, s.TargetType)
			fmt.Printf("Pipeline: %s\n", s.Pipeline)
			fmt.Printf("Status:   %s\n", colorStatus(detail.ObservedStatus))
			fmt.Printf("Step:     %s\n", s.CurrentStep)
			if s.ErrorMessage != "" {
				fmt.Printf("Error:    %s\n", color.RedString(s.ErrorMessage))
			}
			printTallies(s.Tallies)

			fmt.Println()
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "#\tSTEP\tSTATUS\tITEMS\tSCAN\tERROR")
			for _, r := range detail.Steps {
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\n",
					r.Position, r.Step, stepColor(r.Status).Sprint(r.Status), r.ItemCount, r.ScanID, r.ErrorMessage)
			}
			return w.Flush()
		})
	},
}

var sessionAssetsCmd = &cobra.Command{
	Use:   "assets <session-id> <kind>",
	Short: "Print a consolidated set (subdomain, live_web_server, company_domain, network_range)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := types.ParseAssetKind(args[1])
		if err != nil {
			return err
		}
		return withSessions(cmd, func(ctx context.Context, a *app) error {
			values, err := a.manager.Assets(ctx, args[0], kind)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(values)
			}
			for _, v := range values {
				fmt.Println(v)
			}
			return nil
		})
	},
}

// control verbs go through the controller rather than the manager so the
// command never starts running a session itself.
func controlCmd(use, short string, fn func(*autoscan.Controller, context.Context, string) (*types.Session, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <session-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Database.Driver == "memory" {
				return fmt.Errorf("session %s needs a shared store, the memory store lives only inside its process", use)
			}
			return withSessions(cmd, func(ctx context.Context, a *app) error {
				session, err := fn(a.control, ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput(cmd) {
					return printJSON(session)
				}
				fmt.Printf("Session %s is %s at %s\n", session.ID, colorStatus(session.ObservedStatus()), session.CurrentStep)
				return nil
			})
		},
	}
}

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.PersistentFlags().Bool("json", false, "Print JSON instead of text")

	sessionCmd.AddCommand(
		sessionStateCmd,
		sessionHistoryCmd,
		sessionShowCmd,
		sessionAssetsCmd,
		controlCmd("pause", "Pause a running session at its next observation point", (*autoscan.Controller).Pause),
		controlCmd("resume", "Resume a paused session", (*autoscan.Controller).Resume),
		controlCmd("cancel", "Cancel a session; the active scan job is cancelled best-effort", (*autoscan.Controller).Cancel),
	)
}

// withSessions opens the store and event bus without workers and runs fn.
func withSessions(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()

	a, err := newApp(ctx, cfg, log, appOptions{orchestrator: true})
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}

func jsonOutput(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func tally(v *int) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprint(*v)
}

func colorStatus(status types.SessionStatus) string {
	switch status {
	case types.SessionStatusRunning, types.SessionStatusCompleted:
		return color.GreenString(string(status))
	case types.SessionStatusPaused, types.SessionStatusCancelling, types.SessionStatusCancelled:
		return color.YellowString(string(status))
	default:
		return color.RedString(string(status))
	}
}
