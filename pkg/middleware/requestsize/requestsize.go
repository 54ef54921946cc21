// Package requestsize caps request bodies on the public API.
package requestsize

import (
	"errors"
	"net/http"

	"github.com/nimburion/coordination/pkg/controller"
	"github.com/nimburion/coordination/pkg/server/router"
)

// Middleware rejects bodies larger than maxBytes with 413. A declared
// Content-Length over the limit is rejected before the handler runs; an
// undeclared one is cut off while the handler reads it. A non-positive
// maxBytes disables the check.
func Middleware(maxBytes int64) router.MiddlewareFunc {
	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) error {
			req := c.Request()
			if maxBytes <= 0 || req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}
			if req.ContentLength > maxBytes {
				return controller.Error(c, &http.MaxBytesError{Limit: maxBytes})
			}

			req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBytes)
			c.SetRequest(req)

			err := next(c)
			var maxBytesErr *http.MaxBytesError
			if err != nil && errors.As(err, &maxBytesErr) && !c.Response().Written() {
				return controller.Error(c, err)
			}
			return err
		}
	}
}
