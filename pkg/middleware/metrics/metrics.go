// Package metrics records Prometheus request metrics for routed handlers.
package metrics

import (
	"time"

	"github.com/nimburion/coordination/pkg/observability/metrics"
	"github.com/nimburion/coordination/pkg/server/router"
)

// Metrics records duration, count and in-flight requests. Route labels use
// the registered pattern when known so path parameters do not explode
// cardinality.
func Metrics(route string) router.MiddlewareFunc {
	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) error {
			metrics.IncrementInFlight()
			defer metrics.DecrementInFlight()

			start := time.Now()
			err := next(c)

			label := route
			if label == "" {
				label = c.Request().URL.Path
			}
			metrics.RecordHTTPMetrics(c.Request().Method, label, c.Response().Status(), time.Since(start))
			return err
		}
	}
}
