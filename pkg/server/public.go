package server

import (
	"strings"

	"github.com/nimburion/coordination/pkg/config"
	"github.com/nimburion/coordination/pkg/idempotency"
	idempotencymw "github.com/nimburion/coordination/pkg/middleware/idempotency"
	"github.com/nimburion/coordination/pkg/middleware/logging"
	"github.com/nimburion/coordination/pkg/middleware/metrics"
	"github.com/nimburion/coordination/pkg/middleware/recovery"
	"github.com/nimburion/coordination/pkg/middleware/requestid"
	"github.com/nimburion/coordination/pkg/middleware/requestsize"
	"github.com/nimburion/coordination/pkg/middleware/tracing"
	"github.com/nimburion/coordination/pkg/observability/logger"
	"github.com/nimburion/coordination/pkg/server/router"
)

// PublicAPIServer serves application traffic.
//
// Every route gets request id, tracing when enabled, request logging, panic
// recovery, HTTP metrics and the body size cap, in that order, followed by
// any extra middleware such as rate limiting. Routes registered through
// Idempotent also pass the idempotency gate.
type PublicAPIServer struct {
	*Server
	log  logger.Logger
	gate router.MiddlewareFunc
}

// NewPublicAPIServer applies the standard middleware stack to r.
func NewPublicAPIServer(cfg config.HTTPConfig, obsCfg config.ObservabilityConfig, r router.Router, log logger.Logger, extra ...router.MiddlewareFunc) *PublicAPIServer {
	if log == nil {
		log = logger.Nop()
	}
	stack := []router.MiddlewareFunc{requestid.RequestID()}
	if obsCfg.TracingEnabled {
		stack = append(stack, tracing.Tracing(tracing.Config{}))
	}
	stack = append(stack,
		logging.Logging(log, logging.DefaultConfig()),
		recovery.Recovery(log),
		metrics.Metrics(""),
		requestsize.Middleware(cfg.MaxBodyBytes),
	)
	r.Use(append(stack, extra...)...)

	return &PublicAPIServer{
		Server: NewServer(Config{
			Port:            cfg.Port,
			ReadTimeout:     cfg.ReadTimeout,
			WriteTimeout:    cfg.WriteTimeout,
			IdleTimeout:     cfg.IdleTimeout,
			ShutdownTimeout: cfg.ShutdownTimeout,
		}, r, log),
		log: log,
	}
}

// EnableIdempotency installs the gate used by Idempotent groups.
func (s *PublicAPIServer) EnableIdempotency(guard *idempotency.Guard, cfg idempotencymw.Config) {
	s.gate = idempotencymw.Middleware(guard, cfg, s.log)
}

// Idempotent returns a route group under prefix whose mutating routes pass
// the idempotency gate. Without EnableIdempotency the group is a plain one.
func (s *PublicAPIServer) Idempotent(prefix string, mw ...router.MiddlewareFunc) router.Router {
	if s.gate != nil {
		mw = append([]router.MiddlewareFunc{s.gate}, mw...)
	}
	return s.router.Group(prefix, mw...)
}

// IdempotencyMiddlewareConfig maps configuration onto the middleware,
// starting from the strict or relaxed preset when one is selected.
func IdempotencyMiddlewareConfig(cfg config.IdempotencyConfig) idempotencymw.Config {
	var out idempotencymw.Config
	switch strings.ToLower(strings.TrimSpace(cfg.Preset)) {
	case config.IdempotencyPresetStrict:
		out = idempotencymw.Strict()
	case config.IdempotencyPresetRelaxed:
		out = idempotencymw.Relaxed()
	default:
		out = idempotencymw.Config{TTL: cfg.TTL, HeaderName: cfg.HeaderName, Required: cfg.Required}
	}
	if strings.TrimSpace(cfg.HeaderName) != "" {
		out.HeaderName = cfg.HeaderName
	}
	out.ExemptPaths = append([]string(nil), cfg.ExemptPaths...)
	return out
}
