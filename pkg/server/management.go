package server

import (
	"net/http"
	"time"

	"github.com/nimburion/coordination/pkg/config"
	"github.com/nimburion/coordination/pkg/health"
	"github.com/nimburion/coordination/pkg/middleware/logging"
	"github.com/nimburion/coordination/pkg/middleware/recovery"
	"github.com/nimburion/coordination/pkg/middleware/requestid"
	"github.com/nimburion/coordination/pkg/observability/logger"
	"github.com/nimburion/coordination/pkg/observability/metrics"
	"github.com/nimburion/coordination/pkg/server/router"
	"github.com/nimburion/coordination/pkg/version"
)

// ManagementServer serves operator traffic on its own port:
//   - /health: liveness, always 200
//   - /ready: aggregated health checks, 503 only when unhealthy
//   - /metrics: Prometheus exposition
//   - /version: build metadata
type ManagementServer struct {
	*Server
	healthRegistry  *health.Registry
	metricsRegistry *metrics.Registry
}

// NewManagementServer applies a light middleware stack and registers the
// management endpoints on r.
func NewManagementServer(
	cfg config.ManagementConfig,
	r router.Router,
	log logger.Logger,
	healthRegistry *health.Registry,
	metricsRegistry *metrics.Registry,
	info version.Info,
) *ManagementServer {
	if log == nil {
		log = logger.Nop()
	}
	r.Use(
		requestid.RequestID(),
		logging.Logging(log, logging.DefaultConfig()),
		recovery.Recovery(log),
	)

	s := &ManagementServer{
		Server: NewServer(Config{
			Port:         cfg.Port,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  60 * time.Second,
		}, r, log),
		healthRegistry:  healthRegistry,
		metricsRegistry: metricsRegistry,
	}

	r.GET("/health", s.handleLiveness)
	r.GET("/ready", health.Handler(healthRegistry, cfg.HealthTimeout))
	r.GET("/metrics", router.WrapHandler(metricsRegistry.Handler()))
	r.GET("/version", func(c router.Context) error {
		return c.JSON(http.StatusOK, info)
	})
	return s
}

func (s *ManagementServer) handleLiveness(c router.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": string(health.StatusHealthy)})
}
