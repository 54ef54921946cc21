// Package idempotency rejects replayed mutating requests before their
// handlers run.
//
// Safe methods pass through. For other methods the key is read from a
// header (X-Idempotency-Key by default), validated, and claimed through an
// idempotency.Guard scoped to the request method and path. A replay is
// answered with 409. A store outage lets the request through.
package idempotency

import (
	"net/http"
	"strings"
	"time"

	"github.com/nimburion/coordination/pkg/controller"
	"github.com/nimburion/coordination/pkg/idempotency"
	"github.com/nimburion/coordination/pkg/middleware"
	"github.com/nimburion/coordination/pkg/observability/logger"
	"github.com/nimburion/coordination/pkg/server/router"
)

// DefaultHeaderName is the request header carrying the idempotency key.
const DefaultHeaderName = "X-Idempotency-Key"

// DuplicateRequestMessage is the error message of a 409 response.
const DuplicateRequestMessage = "duplicate request detected - idempotency key already used"

// Config configures the middleware for a route or group.
type Config struct {
	// TTL is the replay window. Zero uses the guard default.
	TTL        time.Duration
	HeaderName string
	// Required rejects requests without a key. When false a key is
	// generated, which cannot deduplicate client retries.
	Required bool
	// ExemptPaths are paths the middleware ignores, each together with
	// everything below it: "/webhooks" covers "/webhooks/stripe" but not
	// "/webhooks-legacy".
	ExemptPaths []string
	// ScopeFunc adds a discriminator, such as a tenant, to the scope.
	ScopeFunc func(router.Context) string
	// IssuerFunc identifies who submitted the request for the stored record.
	IssuerFunc func(router.Context) string
}

// Strict requires a key and keeps it for ten minutes.
func Strict() Config {
	return Config{TTL: 600 * time.Second, HeaderName: DefaultHeaderName, Required: true}
}

// Relaxed accepts requests without a key and keeps keys for five minutes.
func Relaxed() Config {
	return Config{TTL: 300 * time.Second, HeaderName: DefaultHeaderName}
}

// Middleware builds the idempotency gate.
func Middleware(guard *idempotency.Guard, cfg Config, log logger.Logger) router.MiddlewareFunc {
	if log == nil {
		log = logger.Nop()
	}
	if strings.TrimSpace(cfg.HeaderName) == "" {
		cfg.HeaderName = DefaultHeaderName
	}
	log = log.With("middleware", "idempotency")

	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) error {
			req := c.Request()
			if isSafeMethod(req.Method) || isExempt(req.URL.Path, cfg.ExemptPaths) {
				return next(c)
			}
			reqLog := log.WithContext(req.Context())

			key := req.Header.Get(cfg.HeaderName)
			generated := false
			if key == "" {
				if cfg.Required {
					return controller.Error(c, &controller.AppError{
						Code:       "idempotency.missing_key",
						Message:    "missing required header: " + cfg.HeaderName,
						HTTPStatus: http.StatusBadRequest,
					})
				}
				key = idempotency.GenerateKey()
				generated = true
				reqLog.Debug("generated idempotency key, not recommended for client retries", "path", req.URL.Path)
			}
			if err := idempotency.ValidateKey(key); err != nil {
				return controller.Error(c, malformedKey(cfg.HeaderName, err))
			}

			scope := idempotency.Scope{Method: req.Method, Path: req.URL.Path}
			if cfg.ScopeFunc != nil {
				scope.Context = cfg.ScopeFunc(c)
			}
			check := idempotency.CheckRequest{Scope: scope, Key: key, TTL: cfg.TTL}
			if cfg.IssuerFunc != nil {
				check.IssuerID = cfg.IssuerFunc(c)
			}

			result, err := guard.Check(req.Context(), check)
			if err != nil {
				return controller.Error(c, malformedKey(cfg.HeaderName, err))
			}
			if !result.Accepted {
				return controller.Error(c, controller.NewReplayError(DuplicateRequestMessage))
			}

			c.Set(string(middleware.IdempotencyKeyKey), key)
			c.Set(string(middleware.IdempotencyGeneratedKey), generated)
			return next(c)
		}
	}
}

// KeyFromContext returns the idempotency key accepted for the request.
func KeyFromContext(c router.Context) string {
	key, _ := c.Get(string(middleware.IdempotencyKeyKey)).(string)
	return key
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func malformedKey(header string, err error) *controller.AppError {
	return &controller.AppError{
		Code:       "idempotency.malformed_key",
		Message:    "invalid " + header + ": " + err.Error(),
		HTTPStatus: http.StatusBadRequest,
		Cause:      err,
	}
}

func isExempt(path string, exempt []string) bool {
	for _, base := range exempt {
		if base == "" {
			continue
		}
		if path == base {
			return true
		}
		if strings.HasPrefix(path, strings.TrimSuffix(base, "/")+"/") {
			return true
		}
	}
	return false
}
