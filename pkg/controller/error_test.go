package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nimburion/coordination/pkg/coordstore"
	"github.com/nimburion/coordination/pkg/idempotency"
	"github.com/nimburion/coordination/pkg/middleware/requestid"
	"github.com/nimburion/coordination/pkg/server/router"
	"github.com/nimburion/coordination/pkg/server/router/nethttp"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		status   int
		category string
	}{
		{"app error", NewNotFoundError("nonce not found"), http.StatusNotFound, "not_found"},
		{"app error without status", &AppError{Message: "boom"}, http.StatusInternalServerError, "internal_server_error"},
		{"replay", NewReplayError("duplicate request"), http.StatusConflict, "conflict"},
		{"malformed key", idempotency.ValidateKey("bad key"), http.StatusBadRequest, "validation_error"},
		{"invalid argument", coordstore.InvalidArgument("empty key"), http.StatusBadRequest, "validation_error"},
		{"body too large", fmt.Errorf("decode: %w", &http.MaxBytesError{Limit: 8}), http.StatusRequestEntityTooLarge, "request_too_large"},
		{"ownership mismatch", coordstore.ErrOwnershipMismatch, http.StatusConflict, "conflict"},
		{"store unavailable", coordstore.Unavailable("scan", errors.New("dial tcp: refused")), http.StatusServiceUnavailable, "service_unavailable"},
		{"unknown", errors.New("secret detail"), http.StatusInternalServerError, "internal_server_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := MapError(context.Background(), tt.err)
			if status != tt.status || body.Error != tt.category {
				t.Fatalf("got %d %q, want %d %q", status, body.Error, tt.status, tt.category)
			}
		})
	}
}

func TestMapError_HidesUnknownAndStoreDetails(t *testing.T) {
	for _, err := range []error{errors.New("secret detail"), coordstore.Unavailable("get", errors.New("redis://user:pw@host"))} {
		_, body := MapError(context.Background(), err)
		if body.Message == err.Error() {
			t.Fatalf("message leaks the cause: %q", body.Message)
		}
	}
}

func TestError_IncludesRequestID(t *testing.T) {
	r := nethttp.NewRouter()
	r.Use(requestid.RequestID())
	r.GET("/coordination/nonces", func(c router.Context) error {
		return Error(c, NewValidationError("scope is required"))
	})

	req := httptest.NewRequest(http.MethodGet, "/coordination/nonces", nil)
	req.Header.Set(requestid.RequestIDHeader, "req-9")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var body ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Code != http.StatusBadRequest || body.RequestID != "req-9" || body.Code != "validation.failed" {
		t.Fatalf("unexpected response %d %+v", rec.Code, body)
	}
}

func TestAppError_Unwrap(t *testing.T) {
	cause := coordstore.ErrContention
	err := &AppError{Message: "lease busy", Cause: cause}
	if !errors.Is(err, cause) || err.Error() != "lease busy: "+cause.Error() {
		t.Fatalf("unexpected error %v", err)
	}
}
