package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nimburion/coordination/pkg/config"
	"github.com/nimburion/coordination/pkg/health"
	"github.com/nimburion/coordination/pkg/idempotency"
	"github.com/nimburion/coordination/pkg/lease"
	"github.com/nimburion/coordination/pkg/middleware/ratelimit"
	"github.com/nimburion/coordination/pkg/observability/logger"
	"github.com/nimburion/coordination/pkg/observability/metrics"
	"github.com/nimburion/coordination/pkg/observability/tracing"
	"github.com/nimburion/coordination/pkg/server/router"
	"github.com/nimburion/coordination/pkg/server/router/factory"
	"github.com/nimburion/coordination/pkg/version"
)

// LifecycleHook defines a named startup or shutdown action.
type LifecycleHook struct {
	Name string
	Fn   func(context.Context) error
}

// RunHTTPServersOptions defines inputs for building and running the servers.
type RunHTTPServersOptions struct {
	Config *config.Config

	// PublicRouter is optional. If nil, one is created from Config.RouterType.
	PublicRouter router.Router
	// ManagementRouter is optional. If nil and management is enabled, one is created.
	ManagementRouter router.Router

	Logger logger.Logger

	HealthRegistry  *health.Registry
	MetricsRegistry *metrics.Registry

	// Leases and Guard back the diagnostics endpoints, the nonce API and the
	// idempotency gate. Either may be nil.
	Leases *lease.Manager
	Guard  *idempotency.Guard

	// RateLimiter is used when http.rate_limit is enabled. If nil, an
	// in-process token bucket limiter is created.
	RateLimiter ratelimit.RateLimiter

	StartupHooks        []LifecycleHook
	ShutdownHooks       []LifecycleHook
	ShutdownHookTimeout time.Duration
}

// HTTPServers groups the runtime public and management servers.
type HTTPServers struct {
	Public     *PublicAPIServer
	Management *ManagementServer
}

// BuildHTTPServers constructs the servers from opts, filling defaults.
func BuildHTTPServers(opts *RunHTTPServersOptions) (*HTTPServers, error) {
	if opts == nil {
		return nil, errors.New("options are required")
	}
	if opts.Config == nil {
		opts.Config = config.DefaultConfig()
	}
	if opts.Logger == nil {
		zapLogger, err := logger.NewZapLogger(logger.DefaultConfig())
		if err != nil {
			return nil, err
		}
		opts.Logger = zapLogger
	}
	cfg := opts.Config

	if opts.PublicRouter == nil {
		r, err := factory.NewRouter(cfg.RouterType)
		if err != nil {
			return nil, fmt.Errorf("create public router: %w", err)
		}
		opts.PublicRouter = r
	}
	var extra []router.MiddlewareFunc
	if cfg.HTTP.RateLimit.Enabled {
		if opts.RateLimiter == nil {
			opts.RateLimiter = ratelimit.NewTokenBucketLimiter(cfg.HTTP.RateLimit.RequestsPerSecond, cfg.HTTP.RateLimit.Burst)
		}
		extra = append(extra, ratelimit.RateLimit(opts.RateLimiter, ratelimit.Config{}, opts.Logger))
	}
	public := NewPublicAPIServer(cfg.HTTP, cfg.Observability, opts.PublicRouter, opts.Logger, extra...)
	if opts.Guard != nil && cfg.Idempotency.Enabled {
		public.EnableIdempotency(opts.Guard, IdempotencyMiddlewareConfig(cfg.Idempotency))
		RegisterNonceAPI(opts.PublicRouter, opts.Guard)
	}

	servers := &HTTPServers{Public: public}
	if !cfg.Management.Enabled {
		return servers, nil
	}

	if opts.ManagementRouter == nil {
		r, err := factory.NewRouter(cfg.RouterType)
		if err != nil {
			return nil, fmt.Errorf("create management router: %w", err)
		}
		opts.ManagementRouter = r
	}
	if opts.HealthRegistry == nil {
		opts.HealthRegistry = health.NewRegistry()
	}
	if opts.MetricsRegistry == nil {
		opts.MetricsRegistry = metrics.NewRegistry()
	}

	servers.Management = NewManagementServer(
		cfg.Management,
		opts.ManagementRouter,
		opts.Logger,
		opts.HealthRegistry,
		opts.MetricsRegistry,
		version.Current(resolveServiceName(cfg)),
	)
	if cfg.Management.DiagnosticsEnabled {
		RegisterDiagnostics(opts.ManagementRouter, opts.Leases, opts.Guard)
	}
	return servers, nil
}

// RunHTTPServers starts the public server and, when built, the management
// server. It returns when ctx is cancelled or either server fails.
func RunHTTPServers(ctx context.Context, servers *HTTPServers, opts *RunHTTPServersOptions) error {
	if servers == nil || servers.Public == nil {
		return errors.New("servers and public server are required")
	}
	if opts == nil || opts.Logger == nil {
		return errors.New("logger is required")
	}
	if opts.Config == nil {
		return errors.New("config is required")
	}

	info := version.Current(resolveServiceName(opts.Config))
	opts.Logger.Info("application version metadata",
		"service", info.Service,
		"version", info.Version,
		"commit", info.Commit,
		"build_time", info.BuildTime,
	)

	tracerProvider, err := tracing.NewTracerProvider(ctx, tracing.TracerConfig{
		Enabled:        opts.Config.Observability.TracingEnabled,
		ServiceName:    info.Service,
		ServiceVersion: info.Version,
		Environment:    resolveEnvironment(opts.Config),
		Endpoint:       opts.Config.Observability.TracingEndpoint,
		Insecure:       opts.Config.Observability.TracingInsecure,
		SampleRate:     opts.Config.Observability.TracingSampleRate,
	})
	if err != nil {
		return fmt.Errorf("initialize tracing provider: %w", err)
	}
	defer shutdownTracerProvider(tracerProvider, opts.Logger)

	if err := runStartupHooks(ctx, opts); err != nil {
		return err
	}
	defer func() {
		if shutdownErr := runShutdownHooks(opts); shutdownErr != nil {
			opts.Logger.Error("shutdown hooks completed with errors", "error", shutdownErr)
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	serverCount := 1
	if servers.Management != nil {
		serverCount = 2
	}
	errCh := make(chan error, serverCount)
	go func() { errCh <- servers.Public.Start(runCtx) }()
	if servers.Management != nil {
		go func() { errCh <- servers.Management.Start(runCtx) }()
	}

	var firstErr error
	for i := 0; i < serverCount; i++ {
		if currentErr := <-errCh; currentErr != nil && firstErr == nil {
			firstErr = currentErr
			cancel()
		}
	}
	return firstErr
}

// RunHTTPServersWithSignals runs the servers until ctx is done or SIGINT or
// SIGTERM arrives.
func RunHTTPServersWithSignals(ctx context.Context, servers *HTTPServers, opts *RunHTTPServersOptions, signals ...os.Signal) error {
	if len(signals) == 0 {
		signals = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}
	ctx, stop := signal.NotifyContext(ctx, signals...)
	defer stop()
	return RunHTTPServers(ctx, servers, opts)
}

func shutdownTracerProvider(provider *tracing.TracerProvider, log logger.Logger) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := provider.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to shutdown tracing provider", "error", err)
	}
}

func resolveServiceName(cfg *config.Config) string {
	if name := strings.TrimSpace(cfg.Service.Name); name != "" {
		return name
	}
	return version.Unknown
}

func resolveEnvironment(cfg *config.Config) string {
	if env := strings.TrimSpace(cfg.Service.Environment); env != "" {
		return env
	}
	return version.Unknown
}

func hookName(hook LifecycleHook) string {
	if name := strings.TrimSpace(hook.Name); name != "" {
		return name
	}
	return "unnamed"
}

func runStartupHooks(ctx context.Context, opts *RunHTTPServersOptions) error {
	for _, hook := range opts.StartupHooks {
		if hook.Fn == nil {
			continue
		}
		name := hookName(hook)
		opts.Logger.Info("startup hook start", "hook", name)
		if err := hook.Fn(ctx); err != nil {
			opts.Logger.Error("startup hook failed", "hook", name, "error", err)
			return fmt.Errorf("startup hook %q failed: %w", name, err)
		}
		opts.Logger.Info("startup hook complete", "hook", name)
	}
	return nil
}

func runShutdownHooks(opts *RunHTTPServersOptions) error {
	timeout := opts.ShutdownHookTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var errs []error
	for _, hook := range opts.ShutdownHooks {
		if hook.Fn == nil {
			continue
		}
		name := hookName(hook)
		opts.Logger.Info("shutdown hook start", "hook", name)

		hookCtx, cancel := context.WithTimeout(context.Background(), timeout)
		err := hook.Fn(hookCtx)
		cancel()

		if err != nil {
			opts.Logger.Error("shutdown hook failed", "hook", name, "error", err)
			errs = append(errs, fmt.Errorf("shutdown hook %q failed: %w", name, err))
			continue
		}
		opts.Logger.Info("shutdown hook complete", "hook", name)
	}
	return errors.Join(errs...)
}
