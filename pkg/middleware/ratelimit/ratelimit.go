// Package ratelimit throttles public API traffic per client.
package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nimburion/coordination/pkg/observability/logger"
	"github.com/nimburion/coordination/pkg/server/router"
)

// RateLimiter decides whether a request for key may proceed.
// Implementations must be safe for concurrent use.
type RateLimiter interface {
	Allow(ctx context.Context, key string) bool
}

// TokenBucketLimiter keeps one token bucket per key in process memory.
type TokenBucketLimiter struct {
	limiters sync.Map // map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewTokenBucketLimiter allows requestsPerSecond on average per key with
// bursts of up to burst requests.
func NewTokenBucketLimiter(requestsPerSecond, burst int) *TokenBucketLimiter {
	if burst < 1 {
		burst = 1
	}
	return &TokenBucketLimiter{
		rate:  rate.Limit(requestsPerSecond),
		burst: burst,
	}
}

// Allow consumes a token from the bucket of key.
func (l *TokenBucketLimiter) Allow(_ context.Context, key string) bool {
	return l.limiter(key).Allow()
}

func (l *TokenBucketLimiter) limiter(key string) *rate.Limiter {
	if existing, ok := l.limiters.Load(key); ok {
		return existing.(*rate.Limiter)
	}
	actual, _ := l.limiters.LoadOrStore(key, rate.NewLimiter(l.rate, l.burst))
	return actual.(*rate.Limiter)
}

// Config configures RateLimit.
type Config struct {
	// KeyFunc extracts the client key. Defaults to the client IP.
	KeyFunc func(router.Context) string
	// RetryAfter is advertised on 429 answers. Defaults to one second.
	RetryAfter time.Duration
}

// RateLimit answers 429 Too Many Requests with a Retry-After header when
// limiter rejects the request.
func RateLimit(limiter RateLimiter, cfg Config, log logger.Logger) router.MiddlewareFunc {
	if log == nil {
		log = logger.Nop()
	}
	keyFunc := cfg.KeyFunc
	if keyFunc == nil {
		keyFunc = func(c router.Context) string { return ExtractIPFromRequest(c.Request()) }
	}
	retryAfter := cfg.RetryAfter
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	retryAfterValue := strconv.Itoa(int(retryAfter / time.Second))

	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) error {
			key := keyFunc(c)
			if limiter.Allow(c.Request().Context(), key) {
				return next(c)
			}
			log.WithContext(c.Request().Context()).Debug("rate limit exceeded",
				"client", key,
				"path", c.Request().URL.Path,
			)
			c.Response().Header().Set("Retry-After", retryAfterValue)
			return c.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "rate limit exceeded",
			})
		}
	}
}

// ExtractIPFromRequest returns the client address, preferring the first
// X-Forwarded-For hop, then X-Real-IP, then the connection peer.
func ExtractIPFromRequest(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
