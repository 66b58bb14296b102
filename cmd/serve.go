package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/api"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the session API, the session runner and in-process workers",
	Long: `Start the HTTP API server for autoscan.

The server provides:
- Session start, state, history and control endpoints (/api/session/*)
- A websocket event stream per session (/api/session/:id/events)
- Health checks (/health) and Prometheus metrics (/metrics)

Active sessions found in the store are resumed at startup unless
autoscan.resume_on_startup is false. On SIGINT or SIGTERM running sessions
are left in place for the next start; they are not cancelled.

Example:
  autoscan serve --port 8080
  autoscan serve --store memory --queue memory
  autoscan serve --workers 0 --queue redis   # workers run elsewhere
`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", defaultConfig.Server.Port, "Port to listen on")
	serveCmd.Flags().String("host", defaultConfig.Server.Host, "Host to bind to")
	serveCmd.Flags().Bool("cors", defaultConfig.Server.EnableCORS, "Allow dashboards on localhost origins")
	serveCmd.Flags().String("tls-cert", "", "Path to TLS certificate (optional)")
	serveCmd.Flags().String("tls-key", "", "Path to TLS private key (optional)")
	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	viper.BindPFlag("server.enable_cors", serveCmd.Flags().Lookup("cors"))
	viper.BindPFlag("server.tls_cert", serveCmd.Flags().Lookup("tls-cert"))
	viper.BindPFlag("server.tls_key", serveCmd.Flags().Lookup("tls-key"))
}

func runServe(cmd *cobra.Command, args []string) error {
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

	if cfg.Queue.Backend == "memory" && cfg.Worker.Count == 0 {
		log.Warnw("In-memory queue without in-process workers, submitted jobs will never run")
	}

	if a.pool != nil {
		if err := a.pool.Start(ctx, cfg.Worker.Count); err != nil {
			return fmt.Errorf("failed to start worker pool: %w", err)
		}
		defer func() {
			if err := a.pool.Stop(); err != nil {
				log.Errorw("Failed to stop worker pool", "error", err)
			}
		}()
	}

	// Runs after the HTTP server stops and before the pool does.
	defer shutdownSessions(a)

	if cfg.AutoScan.ResumeOnStartup {
		resumed, err := a.manager.ResumeAll(ctx)
		if err != nil {
			// Broken sessions were failed closed; the rest are running.
			log.Warnw("Some sessions could not be resumed", "error", err)
		}
		if resumed > 0 {
			color.Cyan("Resumed %d auto-scan session(s)", resumed)
		}
	}

	router, err := api.NewRouter(*cfg, api.Deps{
		Sessions: a.manager,
		Bus:      a.bus,
		Metrics:  a.metrics.HTTPHandler(),
		Health:   a.health,
	}, log)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Infow("HTTP server listening",
			"address", addr,
			"tls", cfg.Server.TLSCert != "",
			"workers", cfg.Worker.Count,
			"store", cfg.Database.Driver,
			"queue", cfg.Queue.Backend,
		)
		if cfg.Server.TLSCert != "" {
			serverErrors <- server.ListenAndServeTLS(cfg.Server.TLSCert, cfg.Server.TLSKey)
		} else {
			serverErrors <- server.ListenAndServe()
		}
	}()
	color.Green("autoscan listening on %s", addr)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		log.Infow("Received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Failed to shutdown HTTP server gracefully", "error", err)
	}

	log.Infow("Server shutdown complete")
	return nil
}

// shutdownSessions stops the session runs without cancelling them, so the
// next start resumes them where they stopped.
func shutdownSessions(a *app) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.manager.Shutdown(ctx); err != nil {
		log.Errorw("Session runs did not stop in time", "error", err)
	}
}
