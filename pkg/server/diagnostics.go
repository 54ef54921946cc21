package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nimburion/coordination/pkg/controller"
	"github.com/nimburion/coordination/pkg/idempotency"
	"github.com/nimburion/coordination/pkg/lease"
	"github.com/nimburion/coordination/pkg/server/router"
)

// RegisterDiagnostics exposes read-mostly coordination state to operators:
//
//	GET    /coordination/leases/:key        lease status
//	GET    /coordination/nonces             nonce statistics
//	GET    /coordination/nonces/:key?scope= stored nonce record
//	DELETE /coordination/nonces/:key?scope= clear a nonce
//
// Leases can be inspected but never released here; release stays gated on
// the owner token.
func RegisterDiagnostics(r router.Router, leases *lease.Manager, guard *idempotency.Guard) {
	g := r.Group("/coordination")

	if leases != nil {
		g.GET("/leases/:key", func(c router.Context) error {
			key := strings.TrimSpace(c.Param("key"))
			if key == "" {
				return controller.Error(c, controller.NewValidationError("lease key is required"))
			}
			return c.JSON(http.StatusOK, leases.Status(c.Request().Context(), key))
		})
	}

	if guard == nil {
		return
	}
	g.GET("/nonces", func(c router.Context) error {
		stats, err := guard.Stats(c.Request().Context())
		if err != nil {
			return controller.Error(c, err)
		}
		return c.JSON(http.StatusOK, stats)
	})
	g.GET("/nonces/:key", func(c router.Context) error {
		key := c.Param("key")
		if err := idempotency.ValidateKey(key); err != nil {
			return controller.Error(c, err)
		}
		record := guard.Lookup(c.Request().Context(), idempotency.ParseScope(c.Query("scope")), key)
		if record == nil {
			return controller.Error(c, controller.NewNotFoundError("nonce not found"))
		}
		return c.JSON(http.StatusOK, record)
	})
	g.DELETE("/nonces/:key", func(c router.Context) error {
		key := c.Param("key")
		if err := idempotency.ValidateKey(key); err != nil {
			return controller.Error(c, err)
		}
		if !guard.Clear(c.Request().Context(), idempotency.ParseScope(c.Query("scope")), key) {
			return controller.Error(c, controller.NewNotFoundError("nonce not found"))
		}
		return c.JSON(http.StatusOK, map[string]bool{"cleared": true})
	})
}

// maxNonceTTL bounds the replay window a caller may request.
const maxNonceTTL = 24 * time.Hour

type claimRequest struct {
	Nonce      string `json:"nonce"`
	TTLSeconds int    `json:"ttl_seconds"`
}

type claimResponse struct {
	Accepted bool   `json:"accepted"`
	Context  string `json:"context"`
	Nonce    string `json:"nonce"`
}

// RegisterNonceAPI lets services without the library claim nonces over HTTP:
//
//	POST /v1/nonces/:context {"nonce": "...", "ttl_seconds": 300}
//
// ttl_seconds is capped at one day.
// A first claim answers 201, a replay 409 and a malformed nonce 400. Store
// outages answer 201 like any other fail-open check.
func RegisterNonceAPI(r router.Router, guard *idempotency.Guard) {
	r.POST("/v1/nonces/:context", func(c router.Context) error {
		var req claimRequest
		if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
			var maxBytesErr *http.MaxBytesError
			if errors.As(err, &maxBytesErr) {
				return controller.Error(c, err)
			}
			return controller.Error(c, controller.NewValidationError("invalid JSON body"))
		}
		if req.TTLSeconds < 0 {
			return controller.Error(c, controller.NewValidationError("ttl_seconds must not be negative"))
		}
		if req.TTLSeconds > int(maxNonceTTL/time.Second) {
			return controller.Error(c, controller.NewValidationError(fmt.Sprintf("ttl_seconds must not exceed %d", int(maxNonceTTL/time.Second))))
		}
		contextName := c.Param("context")
		result, err := guard.Check(c.Request().Context(), idempotency.CheckRequest{
			Scope: idempotency.Scope{Context: contextName},
			Key:   req.Nonce,
			TTL:   time.Duration(req.TTLSeconds) * time.Second,
		})
		if err != nil {
			return controller.Error(c, err)
		}
		resp := claimResponse{Accepted: result.Accepted, Context: contextName, Nonce: req.Nonce}
		if !result.Accepted {
			return c.JSON(http.StatusConflict, resp)
		}
		return c.JSON(http.StatusCreated, resp)
	})
}
