package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/nimburion/coordination/pkg/config"
	"github.com/nimburion/coordination/pkg/coordstore"
	"github.com/nimburion/coordination/pkg/health"
	"github.com/nimburion/coordination/pkg/idempotency"
	"github.com/nimburion/coordination/pkg/lease"
	"github.com/nimburion/coordination/pkg/middleware/ratelimit"
	"github.com/nimburion/coordination/pkg/observability/logger"
	"github.com/nimburion/coordination/pkg/scheduler"
	"github.com/nimburion/coordination/pkg/server"
)

// Dependencies are the coordination components built from configuration.
type Dependencies struct {
	Config *config.Config
	Logger logger.Logger
	Store  coordstore.Store
	Leases *lease.Manager
	Guard  *idempotency.Guard
}

// Close releases the store.
func (d *Dependencies) Close() error {
	if d == nil || d.Store == nil {
		return nil
	}
	return d.Store.Close()
}

func (a *app) buildDependencies(cfg *config.Config, log logger.Logger) (*Dependencies, error) {
	store, err := a.opts.StoreFactory(cfg.Store, log)
	if err != nil {
		return nil, fmt.Errorf("create coordination store: %w", err)
	}
	return &Dependencies{
		Config: cfg,
		Logger: log,
		Store:  store,
		Leases: lease.NewManager(store, lease.Config{
			Prefix:            cfg.Lease.Prefix,
			TTL:               cfg.Lease.TTL,
			RetryDelay:        cfg.Lease.RetryDelay,
			RetryCount:        cfg.Lease.RetryCount,
			HeartbeatInterval: cfg.Lease.HeartbeatInterval,
		}, log),
		Guard: idempotency.NewGuard(store, idempotency.Config{
			Prefix:     cfg.Idempotency.Prefix,
			DefaultTTL: cfg.Idempotency.TTL,
			StatsLimit: cfg.Idempotency.StatsLimit,
		}, log),
	}, nil
}

// dependencies loads config and builds the components for one command.
func (a *app) dependencies(cmd *cobra.Command, logOut io.Writer) (*Dependencies, error) {
	cfg, log, err := a.loadConfigAndLogger(cmd.Flags(), logOut)
	if err != nil {
		return nil, err
	}
	return a.buildDependencies(cfg, log)
}

func newServeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the public and management HTTP servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd)
		},
	}
}

func (a *app) serve(cmd *cobra.Command) error {
	deps, err := a.dependencies(cmd, nil)
	if err != nil {
		return err
	}
	cfg, log := deps.Config, deps.Logger

	healthRegistry := health.NewRegistry()
	healthRegistry.Register(health.NewPingChecker("process"))
	healthRegistry.Register(health.NewStoreChecker("coordination-store", deps.Leases, cfg.Management.HealthTimeout))

	opts := &server.RunHTTPServersOptions{
		Config:         cfg,
		Logger:         log,
		HealthRegistry: healthRegistry,
		Leases:         deps.Leases,
		Guard:          deps.Guard,
	}
	if rl := cfg.HTTP.RateLimit; rl.Enabled && rl.Distributed {
		limiter, err := ratelimit.NewRedisRateLimiter(cmd.Context(), ratelimit.RedisConfig{
			URL:              cfg.Store.Redis.URL,
			MaxConns:         cfg.Store.Redis.MaxConns,
			OperationTimeout: cfg.Store.Redis.OperationTimeout,
		}, rl.Window, rl.RequestsPerSecond, rl.Burst, log)
		if err != nil {
			_ = deps.Close()
			return fmt.Errorf("create distributed rate limiter: %w", err)
		}
		opts.RateLimiter = limiter
		opts.ShutdownHooks = append(opts.ShutdownHooks, server.LifecycleHook{
			Name: "rate-limiter",
			Fn:   func(context.Context) error { return limiter.Close() },
		})
	}
	servers, err := server.BuildHTTPServers(opts)
	if err != nil {
		_ = deps.Close()
		return err
	}
	if a.opts.RegisterRoutes != nil {
		a.opts.RegisterRoutes(deps, servers.Public)
	}

	runtime, err := a.buildScheduler(deps)
	if err != nil {
		_ = deps.Close()
		return err
	}
	if runtime != nil {
		done := make(chan error, 1)
		opts.StartupHooks = append(opts.StartupHooks, server.LifecycleHook{
			Name: "scheduler",
			Fn: func(ctx context.Context) error {
				go func() { done <- runtime.Start(ctx) }()
				return nil
			},
		})
		opts.ShutdownHooks = append(opts.ShutdownHooks, server.LifecycleHook{
			Name: "scheduler",
			Fn: func(ctx context.Context) error {
				if err := runtime.Stop(ctx); err != nil {
					return err
				}
				if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			},
		})
	}
	opts.ShutdownHooks = append(opts.ShutdownHooks, server.LifecycleHook{
		Name: "coordination-store",
		Fn:   func(context.Context) error { return deps.Close() },
	})

	return server.RunHTTPServersWithSignals(cmd.Context(), servers, opts)
}

// buildScheduler returns nil when the scheduler is disabled or has no tasks.
func (a *app) buildScheduler(deps *Dependencies) (*scheduler.Runtime, error) {
	cfg := deps.Config.Scheduler
	if !cfg.Enabled {
		return nil, nil
	}
	runtime, err := scheduler.NewRuntime(deps.Leases, deps.Logger, scheduler.Config{DefaultLockTTL: cfg.LockTTL})
	if err != nil {
		return nil, err
	}
	if purger, ok := deps.Store.(coordstore.Purger); ok && cfg.PurgeInterval > 0 {
		if err := runtime.Register(scheduler.PurgeTask(purger, cfg.PurgeInterval, deps.Logger)); err != nil {
			return nil, err
		}
	}
	if a.opts.ConfigureScheduler != nil {
		if err := a.opts.ConfigureScheduler(deps, runtime); err != nil {
			return nil, fmt.Errorf("configure scheduler: %w", err)
		}
	}
	if len(runtime.Tasks()) == 0 {
		return nil, nil
	}
	return runtime, nil
}
