package controller

import (
	"github.com/nimburion/coordination/pkg/server/router"
)

// Error writes the mapped error response for err.
func Error(c router.Context, err error) error {
	status, body := MapError(c.Request().Context(), err)
	return c.JSON(status, body)
}
