package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run tool workers against a shared Redis queue",
	Long: `Run a standalone pool of tool workers.

Workers pop jobs from the Redis queue, run the named tool plugin and store
its result for the session runner to consolidate. Jobs of workers that stop
heart-beating are returned to the queue after queue.lease_timeout.

Example:
  autoscan worker --queue redis --workers 8`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().Duration("status-interval", time.Minute, "How often to log pool status (0 disables)")
}

func runWorker(cmd *cobra.Command, args []string) error {
	if cfg.Queue.Backend != "redis" {
		return fmt.Errorf("standalone workers need the redis queue backend, got %q", cfg.Queue.Backend)
	}
	if cfg.Worker.Count <= 0 {
		return fmt.Errorf("worker count must be positive")
	}
	statusInterval, _ := cmd.Flags().GetDuration("status-interval")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log, appOptions{workers: true})
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.pool.Start(ctx, cfg.Worker.Count); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	color.Green("Started %d worker(s) with tools: %v", cfg.Worker.Count, a.plugins.List())

	var tick <-chan time.Time
	if statusInterval > 0 {
		ticker := time.NewTicker(statusInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			log.Infow("Received shutdown signal, stopping workers")
			if err := a.pool.Stop(); err != nil {
				return fmt.Errorf("failed to stop worker pool: %w", err)
			}
			return nil
		case <-tick:
			for _, status := range a.pool.Status() {
				a.metrics.RecordWorkerMetrics(status)
				log.Infow("Worker status",
					"worker_id", status.ID,
					"status", status.Status,
					"current_job", status.CurrentJob,
					"jobs_complete", status.JobsComplete,
				)
			}
		}
	}
}
