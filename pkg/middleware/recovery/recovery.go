// Package recovery turns handler panics into 500 responses.
package recovery

import (
	"net/http"
	"runtime/debug"

	"github.com/nimburion/coordination/pkg/middleware/requestid"
	"github.com/nimburion/coordination/pkg/observability/logger"
	"github.com/nimburion/coordination/pkg/server/router"
)

// Recovery logs the panic with its stack and answers 500 unless a response
// was already written. Deferred cleanups inside the handler, such as lease
// release, have already run by the time the panic reaches this middleware.
func Recovery(log logger.Logger) router.MiddlewareFunc {
	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				requestID := requestid.GetRequestID(c.Request().Context())
				log.Error("panic recovered",
					"request_id", requestID,
					"panic", r,
					"stack", string(debug.Stack()),
				)
				if c.Response().Written() {
					return
				}
				err = c.JSON(http.StatusInternalServerError, map[string]string{
					"error":      "internal_server_error",
					"request_id": requestID,
				})
			}()
			return next(c)
		}
	}
}
