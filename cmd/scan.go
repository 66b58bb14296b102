package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/autoscan"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/core"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/progress"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/pkg/types"
)

var scanCmd = &cobra.Command{
	Use:   "scan <target-id>",
	Short: "Run an auto-scan session in this process and follow its progress",
	Long: `Start an auto-scan session for a scope target and print each step as it
finishes. The session runner and tool workers run inside this process.

Steps can be switched off for this session with --disable; consolidation
checkpoints always run. Interrupting the command leaves the session in
place, and --resume continues it from the step it stopped on.

Examples:
  autoscan scan 3f0c...                      # full wildcard or company pipeline
  autoscan scan 3f0c... --disable amass,gau  # skip two enumeration tools
  autoscan scan 3f0c... --resume             # continue an interrupted session`,
	Args: cobra.ExactArgs(1),
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().StringSlice("disable", nil, "Steps to switch off for this session")
	scanCmd.Flags().Bool("resume", false, "Continue the target's active session instead of starting one")
}

func runScan(cmd *cobra.Command, args []string) error {
	targetID := args[0]
	disabled, _ := cmd.Flags().GetStringSlice("disable")
	resume, _ := cmd.Flags().GetBool("resume")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log, appOptions{
		orchestrator: true,
		workers:      cfg.Worker.Count > 0,
		consume:      true,
	})
	if err != nil {
		return err
	}
	defer a.close()

	if a.pool != nil {
		if err := a.pool.Start(ctx, cfg.Worker.Count); err != nil {
			return fmt.Errorf("failed to start worker pool: %w", err)
		}
		defer a.pool.Stop()
	} else if cfg.Queue.Backend == "memory" {
		return fmt.Errorf("the memory queue needs in-process workers, set --workers above 0")
	}
	defer shutdownSessions(a)

	// Subscribe before starting so the first events are not missed.
	events, unsubscribe := a.bus.Subscribe("")
	defer unsubscribe()

	var session *types.Session
	if resume {
		session, _, err = a.manager.ResumeIfInProgress(ctx, targetID)
		if errors.Is(err, core.ErrSessionNotFound) {
			return fmt.Errorf("target %s has no active session to resume", targetID)
		}
		if errors.Is(err, core.ErrSessionLeased) {
			return fmt.Errorf("%w: it is already running in another process (autoscan serve?), "+
				"follow it with autoscan session status or wait %s after that process stops", err, cfg.AutoScan.LeaseTTL)
		}
	} else {
		session, err = a.manager.StartSession(ctx, targetID, snapshotFrom(disabled))
		if errors.Is(err, core.ErrSessionConflict) {
			return fmt.Errorf("%w (use --resume, or control it with autoscan session)", err)
		}
	}
	if err != nil {
		return err
	}

	color.Cyan("Session %s: %s pipeline against %s", session.ID, session.Pipeline, session.TargetValue)
	if resume {
		color.Cyan("Resuming at %s", session.CurrentStep)
	}

	pipeline, err := autoscan.PipelineByName(session.Pipeline)
	if err != nil {
		return err
	}
	steps := make([]types.Step, 0, len(pipeline.Steps))
	for _, def := range pipeline.Steps {
		steps = append(steps, def.Name)
	}
	tracker := progress.New(os.Stdout, steps, session.CurrentStep)

	status, err := followSession(ctx, session.ID, events, tracker.Observe)
	if err != nil {
		if ctx.Err() != nil {
			color.Yellow("\nInterrupted. The session stays at its current step; continue it with:")
			fmt.Printf("  autoscan scan %s --resume\n", targetID)
			return nil
		}
		return err
	}

	detail, err := a.manager.Get(context.Background(), session.ID)
	if err != nil {
		return err
	}
	tracker.Summary()
	printSummary(status, detail.Session)
	return nil
}

func snapshotFrom(disabled []string) types.ConfigSnapshot {
	snapshot := types.ConfigSnapshot{}
	for _, step := range disabled {
		snapshot[step] = false
	}
	return snapshot
}

// followSession prints the session's events until it reaches a terminal
// status. observe sees every event of the session.
func followSession(ctx context.Context, sessionID string, events <-chan types.Event, observe func(types.Event)) (types.SessionStatus, error) {
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case event, ok := <-events:
			if !ok {
				return "", fmt.Errorf("event bus closed before session %s finished", sessionID)
			}
			if event.SessionID != sessionID {
				continue
			}
			observe(event)
			printEvent(event)
			if event.Kind == types.EventSessionStatus {
				if status := types.SessionStatus(event.Status); status.IsTerminal() {
					return status, nil
				}
			}
		}
	}
}

func printEvent(event types.Event) {
	switch event.Kind {
	case types.EventStepFinished:
		line := fmt.Sprintf("  %s %s", event.Step, event.Status)
		if event.Count > 0 {
			line += fmt.Sprintf(" (%d)", event.Count)
		}
		if event.Message != "" {
			line += ": " + event.Message
		}
		stepColor(types.StepStatus(event.Status)).Println(line)
	case types.EventControl:
		color.Yellow("  session %s", event.Status)
	case types.EventSessionStatus:
		if types.SessionStatus(event.Status).IsTerminal() {
			return
		}
		color.White("  session %s at %s", event.Status, event.Step)
	}
}

func stepColor(status types.StepStatus) *color.Color {
	switch status {
	case types.StepStatusSuccess:
		return color.New(color.FgGreen)
	case types.StepStatusSkipped:
		return color.New(color.FgHiBlack)
	case types.StepStatusCancelled:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed)
	}
}

func printSummary(status types.SessionStatus, session *types.Session) {
	fmt.Println()
	switch status {
	case types.SessionStatusCompleted:
		color.Green("Session %s completed in %s", session.ID, session.Duration().Round(time.Second))
	case types.SessionStatusCancelled:
		color.Yellow("Session %s cancelled", session.ID)
	default:
		color.Red("Session %s ended with %s: %s", session.ID, status, session.ErrorMessage)
	}
	printTallies(session.Tallies)
}

func printTallies(t types.Tallies) {
	rows := []struct {
		label string
		value *int
	}{
		{"Consolidated subdomains", t.ConsolidatedSubdomains},
		{"Live web servers", t.LiveWebServers},
		{"Company domains", t.CompanyDomains},
		{"Network ranges", t.NetworkRanges},
	}
	for _, row := range rows {
		if row.value != nil {
			fmt.Printf("  %-24s %d\n", row.label+":", *row.value)
		}
	}
}
