package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/config"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/logger"
)

var (
	// defaultConfig seeds flag defaults; initConfig builds the real cfg.
	defaultConfig = config.DefaultConfig()

	cfg     *config.Config
	log     *logger.Logger
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "autoscan",
	Short: "Auto-scan orchestrator for bug bounty reconnaissance",
	Long: `Autoscan drives a fixed reconnaissance pipeline against a scope target.

Wildcard targets (*.example.com) run subdomain enumeration, consolidation,
live web server probing, screenshots and metadata collection. Company
targets run root domain and network range discovery.

Sessions are persisted after every step. A restarted process picks each
active session up at the step it stopped on, and sessions can be paused,
resumed or cancelled at any time.

USAGE:
  autoscan serve                     # API, workers and session runner
  autoscan worker                    # standalone tool worker
  autoscan target add '*.example.com'
  autoscan scan <target-id>          # start a session and follow it
  autoscan session state <target-id>`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initConfig(); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		var err error
		log, err = logger.New(cfg.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			// Sync on a terminal returns EINVAL on Linux; nothing was lost.
			if err := log.Sync(); err != nil && !errors.Is(err, syscall.EINVAL) {
				fmt.Fprintf(os.Stderr, "Warning: failed to sync logger: %v\n", err)
			}
		}
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	defaults := defaultConfig

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./.autoscan.yaml or $HOME/.autoscan.yaml)")

	// Logging configuration
	rootCmd.PersistentFlags().String("log-level", defaults.Logger.Level, "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", defaults.Logger.Format, "log format (json, console)")
	viper.BindPFlag("logger.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("logger.format", rootCmd.PersistentFlags().Lookup("log-format"))

	// Database configuration
	rootCmd.PersistentFlags().String("store", defaults.Database.Driver, "session store (postgres, memory)")
	rootCmd.PersistentFlags().String("db-dsn", defaults.Database.DSN, "PostgreSQL connection string")
	rootCmd.PersistentFlags().Int("db-max-conns", defaults.Database.MaxConnections, "Maximum database connections")
	viper.BindPFlag("database.driver", rootCmd.PersistentFlags().Lookup("store"))
	viper.BindPFlag("database.dsn", rootCmd.PersistentFlags().Lookup("db-dsn"))
	viper.BindPFlag("database.max_connections", rootCmd.PersistentFlags().Lookup("db-max-conns"))
	viper.BindEnv("database.dsn", "AUTOSCAN_DATABASE_DSN", "DATABASE_URL")

	// Redis configuration
	rootCmd.PersistentFlags().String("redis-addr", defaults.Redis.Addr, "Redis server address")
	rootCmd.PersistentFlags().String("queue", defaults.Queue.Backend, "job queue backend (memory, redis)")
	rootCmd.PersistentFlags().String("events", defaults.Events.Backend, "event bus backend (memory, redis)")
	viper.BindPFlag("redis.addr", rootCmd.PersistentFlags().Lookup("redis-addr"))
	viper.BindPFlag("queue.backend", rootCmd.PersistentFlags().Lookup("queue"))
	viper.BindPFlag("events.backend", rootCmd.PersistentFlags().Lookup("events"))
	viper.BindEnv("redis.addr", "AUTOSCAN_REDIS_ADDR", "REDIS_URL")
	viper.BindEnv("redis.password", "AUTOSCAN_REDIS_PASSWORD")

	// Worker configuration
	rootCmd.PersistentFlags().Int("workers", defaults.Worker.Count, "Number of tool workers")
	viper.BindPFlag("worker.count", rootCmd.PersistentFlags().Lookup("workers"))

	// API keys (environment variables only, never flags)
	viper.BindEnv("security.api_key", "AUTOSCAN_API_KEY")

	setDefaults(defaults)
}

// setDefaults registers the default config with viper so AutomaticEnv can
// override keys that have no flag. Tool settings come from the config file
// only.
func setDefaults(defaults *config.Config) {
	viper.SetDefault("logger.output_paths", defaults.Logger.OutputPaths)
	viper.SetDefault("database.conn_max_lifetime", defaults.Database.ConnMaxLifetime)
	viper.SetDefault("database.max_idle_conns", defaults.Database.MaxIdleConns)
	viper.SetDefault("database.connect_timeout", defaults.Database.ConnectTimeout)
	viper.SetDefault("redis.db", defaults.Redis.DB)
	viper.SetDefault("redis.max_retries", defaults.Redis.MaxRetries)
	viper.SetDefault("redis.dial_timeout", defaults.Redis.DialTimeout)
	viper.SetDefault("redis.read_timeout", defaults.Redis.ReadTimeout)
	viper.SetDefault("redis.write_timeout", defaults.Redis.WriteTimeout)
	viper.SetDefault("redis.key_prefix", defaults.Redis.KeyPrefix)
	viper.SetDefault("worker.queue_poll_interval", defaults.Worker.QueuePollInterval)
	viper.SetDefault("worker.max_retries", defaults.Worker.MaxRetries)
	viper.SetDefault("worker.retry_delay", defaults.Worker.RetryDelay)
	viper.SetDefault("queue.heartbeat_interval", defaults.Queue.HeartbeatInterval)
	viper.SetDefault("queue.lease_timeout", defaults.Queue.LeaseTimeout)
	viper.SetDefault("queue.job_ttl", defaults.Queue.JobTTL)
	viper.SetDefault("events.channel", defaults.Events.Channel)
	viper.SetDefault("events.buffer_size", defaults.Events.BufferSize)
	viper.SetDefault("telemetry.enabled", defaults.Telemetry.Enabled)
	viper.SetDefault("telemetry.service_name", defaults.Telemetry.ServiceName)
	viper.SetDefault("telemetry.exporter_type", defaults.Telemetry.ExporterType)
	viper.SetDefault("telemetry.endpoint", defaults.Telemetry.Endpoint)
	viper.SetDefault("telemetry.sample_rate", defaults.Telemetry.SampleRate)
	viper.SetDefault("security.enable_auth", defaults.Security.EnableAuth)
	viper.SetDefault("security.rate_limit.requests_per_second", defaults.Security.RateLimit.RequestsPerSecond)
	viper.SetDefault("security.rate_limit.burst_size", defaults.Security.RateLimit.BurstSize)
	viper.SetDefault("server.host", defaults.Server.Host)
	viper.SetDefault("server.port", defaults.Server.Port)
	viper.SetDefault("server.enable_cors", defaults.Server.EnableCORS)
	viper.SetDefault("server.tls_cert", defaults.Server.TLSCert)
	viper.SetDefault("server.tls_key", defaults.Server.TLSKey)
	viper.SetDefault("autoscan.poll_interval", defaults.AutoScan.PollInterval)
	viper.SetDefault("autoscan.cancelling_poll_interval", defaults.AutoScan.CancellingPollInterval)
	viper.SetDefault("autoscan.long_step_poll_interval", defaults.AutoScan.LongStepPollInterval)
	viper.SetDefault("autoscan.poll_error_budget", defaults.AutoScan.PollErrorBudget)
	viper.SetDefault("autoscan.step_timeout", defaults.AutoScan.StepTimeout)
	viper.SetDefault("autoscan.max_consolidated_subdomains", defaults.AutoScan.MaxConsolidatedSubdomains)
	viper.SetDefault("autoscan.max_live_web_servers", defaults.AutoScan.MaxLiveWebServers)
	viper.SetDefault("autoscan.resume_on_startup", defaults.AutoScan.ResumeOnStartup)
	viper.SetDefault("autoscan.lease_ttl", defaults.AutoScan.LeaseTTL)
}

func initConfig() error {
	viper.SetEnvPrefix("AUTOSCAN")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName(".autoscan")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home)
		}
	}
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Unmarshal on top of the defaults so nested tool settings that the
	// file leaves out keep their values.
	cfg = config.DefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func GetConfig() *config.Config {
	return cfg
}

func GetLogger() *logger.Logger {
	return log
}
