package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/autoscan"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/config"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/core"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/database"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/events"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/jobs"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/logger"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/plugins"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/telemetry"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/worker"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/pkg/types"
)

// dataStore is what both store implementations provide.
type dataStore interface {
	core.SessionStore
	core.ResultStore
	core.ConfigStore
	AddTarget(ctx context.Context, target *types.ScopeTarget) error
	GetTarget(ctx context.Context, id string) (*types.ScopeTarget, error)
	ListTargets(ctx context.Context) ([]*types.ScopeTarget, error)
	Close() error
}

var (
	_ dataStore = (*database.Store)(nil)
	_ dataStore = (*database.MemoryStore)(nil)
)

// app holds the wired components of one process. Fields a command does
// not ask for stay nil.
type app struct {
	cfg    *config.Config
	logger *logger.Logger

	store   dataStore
	pg      *database.Store
	redis   *redis.Client
	queue   core.JobQueue
	bus     core.EventBus
	plugins core.PluginManager
	metrics *telemetry.Metrics
	tracing *telemetry.Provider

	control *autoscan.Controller
	manager *autoscan.Manager
	pool    core.WorkerPool

	stopConsume context.CancelFunc
	consumeDone chan struct{}
}

type appOptions struct {
	// orchestrator wires the controller, monitor, sequencer and manager.
	orchestrator bool
	// workers wires the tool plugins and a worker pool.
	workers bool
	// consume attaches the log, metrics and controller handlers to the bus.
	consume bool
}

// newApp connects the backends selected by cfg and wires the requested
// components. On error everything already opened is closed.
func newApp(ctx context.Context, cfg *config.Config, log *logger.Logger, opts appOptions) (_ *app, err error) {
	a := &app{cfg: cfg, logger: log, metrics: telemetry.NewMetrics()}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.tracing, err = telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	if cfg.Queue.Backend == "redis" || cfg.Events.Backend == "redis" {
		a.redis, err = jobs.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
	}

	if cfg.Queue.Backend == "redis" {
		a.queue = jobs.NewRedisQueue(a.redis, cfg.Redis.KeyPrefix, cfg.Queue.JobTTL)
	} else {
		a.queue = jobs.NewMemoryQueue()
	}

	if cfg.Events.Backend == "redis" {
		bus, err := events.NewRedisBus(ctx, a.redis, cfg.Events.Channel, cfg.Events.BufferSize, log)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize event bus: %w", err)
		}
		a.bus = bus
	} else {
		a.bus = events.NewBus(cfg.Events.BufferSize, log)
	}

	a.plugins = plugins.NewManager()
	if opts.workers {
		if err := plugins.RegisterDefaultPlugins(a.plugins, cfg.Tools, log); err != nil {
			return nil, fmt.Errorf("failed to register tool plugins: %w", err)
		}
		a.pool = worker.NewWorkerPool(
			a.queue,
			a.plugins,
			a.store,
			a.metrics,
			worker.OptionsFromConfig(cfg.Worker, cfg.Queue),
			cfg.Queue.LeaseTimeout,
			log,
		)
	}

	a.control = autoscan.NewController(a.store, a.bus, log)
	if opts.orchestrator {
		monitor := autoscan.NewJobMonitor(a.store, a.control, a.bus, autoscan.MonitorConfigFrom(cfg.AutoScan), log)
		sequencer := autoscan.NewSequencer(
			a.store,
			jobs.NewClientFactory(a.queue, a.store, a.plugins),
			monitor,
			autoscan.NewConsolidator(a.store, log),
			a.control,
			a.bus,
			autoscan.LimitsFrom(cfg.AutoScan),
			log,
		)
		a.manager = autoscan.NewManager(a.store, a.store, a.store, sequencer, a.control, a.bus, cfg.AutoScan.LeaseTTL, log)
	}

	if opts.consume {
		consumeCtx, cancel := context.WithCancel(context.Background())
		a.stopConsume = cancel
		a.consumeDone = make(chan struct{})
		go func() {
			defer close(a.consumeDone)
			events.Consume(consumeCtx, a.bus, a.metrics.Handler(), events.LogHandler(log), a.control.HandleEvent)
		}()
	}

	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	if a.cfg.Database.Driver == "memory" {
		a.logger.Warnw("Using in-memory store, sessions will not survive a restart")
		a.store = database.NewMemoryStore()
		return nil
	}

	pg, err := database.NewStore(ctx, a.cfg.Database, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	a.pg, a.store = pg, pg
	return nil
}

// health reports whether the backends this process depends on answer.
func (a *app) health(ctx context.Context) error {
	if a.pg != nil {
		if err := a.pg.Ping(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// close releases everything newApp opened, in reverse order. The manager
// and worker pool are stopped by the commands that started them.
func (a *app) close() error {
	var errs []error
	if a.stopConsume != nil {
		a.stopConsume()
	}
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close event bus: %w", err))
		}
	}
	if a.consumeDone != nil {
		<-a.consumeDone
	}
	if closer, ok := a.queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close queue: %w", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		}
	}
	if a.tracing != nil {
		if err := a.tracing.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down tracing: %w", err))
		}
	}
	return errors.Join(errs...)
}
