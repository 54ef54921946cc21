// Package logging writes one structured line per HTTP request.
package logging

import (
	"strings"
	"time"

	"github.com/nimburion/coordination/pkg/middleware"
	"github.com/nimburion/coordination/pkg/observability/logger"
	"github.com/nimburion/coordination/pkg/server/router"
)

// Config configures request logging.
type Config struct {
	// ExcludedPathPrefixes are not logged, typically /health and /metrics.
	ExcludedPathPrefixes []string
}

// DefaultConfig skips the management probes.
func DefaultConfig() Config {
	return Config{ExcludedPathPrefixes: []string{"/health", "/metrics"}}
}

// Logging logs completed requests at info, 5xx and handler errors at error.
// Rejections by the idempotency gate stay at info since they are client
// contract violations.
func Logging(log logger.Logger, cfg Config) router.MiddlewareFunc {
	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) error {
			req := c.Request()
			for _, prefix := range cfg.ExcludedPathPrefixes {
				if prefix != "" && strings.HasPrefix(req.URL.Path, prefix) {
					return next(c)
				}
			}

			start := time.Now()
			err := next(c)

			fields := []any{
				"method", req.Method,
				"path", req.URL.Path,
				"status", c.Response().Status(),
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", req.RemoteAddr,
			}
			if key, ok := c.Get(string(middleware.IdempotencyKeyKey)).(string); ok && key != "" {
				fields = append(fields, "idempotency_key", key)
			}

			reqLog := log.WithContext(c.Request().Context())
			switch {
			case err != nil:
				reqLog.Error("request failed", append(fields, "error", err)...)
			case c.Response().Status() >= 500:
				reqLog.Error("request completed", fields...)
			default:
				reqLog.Info("request completed", fields...)
			}
			return err
		}
	}
}
