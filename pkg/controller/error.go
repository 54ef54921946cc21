// Package controller renders coordination errors as consistent JSON
// responses.
package controller

import (
	"context"
	"errors"
	"net/http"

	"github.com/nimburion/coordination/pkg/coordstore"
	"github.com/nimburion/coordination/pkg/idempotency"
	"github.com/nimburion/coordination/pkg/middleware/requestid"
)

// AppError carries an explicit status and code through handler returns.
type AppError struct {
	Code       string
	Message    string
	HTTPStatus int
	Cause      error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

// ErrorResponse is the error body of every coordination endpoint.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// MapError maps err onto a status code and body. Unknown errors become 500
// without leaking their text.
func MapError(ctx context.Context, err error) (int, ErrorResponse) {
	resp := ErrorResponse{RequestID: requestid.GetRequestID(ctx)}

	var appErr *AppError
	var maxBytesErr *http.MaxBytesError
	switch {
	case errors.As(err, &appErr):
		status := appErr.HTTPStatus
		if status == 0 {
			status = http.StatusInternalServerError
		}
		resp.Error = errorCategory(status)
		resp.Code = appErr.Code
		resp.Message = appErr.Message
		return status, resp
	case idempotency.IsMalformedKey(err):
		resp.Error, resp.Code, resp.Message = "validation_error", "idempotency.malformed_key", err.Error()
		return http.StatusBadRequest, resp
	case coordstore.IsInvalidArgument(err):
		resp.Error, resp.Code, resp.Message = "validation_error", "coordination.invalid_argument", err.Error()
		return http.StatusBadRequest, resp
	case errors.As(err, &maxBytesErr):
		resp.Error, resp.Code = "request_too_large", "request.too_large"
		resp.Message = "request body exceeds the allowed size"
		return http.StatusRequestEntityTooLarge, resp
	case coordstore.IsContention(err), coordstore.IsOwnershipMismatch(err):
		resp.Error, resp.Code, resp.Message = "conflict", "coordination.conflict", err.Error()
		return http.StatusConflict, resp
	case coordstore.IsUnavailable(err):
		resp.Error, resp.Code = "service_unavailable", "coordination.store_unavailable"
		resp.Message = "coordination store unavailable"
		return http.StatusServiceUnavailable, resp
	default:
		resp.Error = "internal_server_error"
		resp.Message = "an unexpected error occurred"
		return http.StatusInternalServerError, resp
	}
}

// NewValidationError answers 400.
func NewValidationError(message string) *AppError {
	return &AppError{Code: "validation.failed", Message: message, HTTPStatus: http.StatusBadRequest}
}

// NewReplayError answers 409 for an idempotency key that was already used.
func NewReplayError(message string) *AppError {
	return &AppError{Code: "idempotency.replay", Message: message, HTTPStatus: http.StatusConflict}
}

// NewNotFoundError answers 404.
func NewNotFoundError(message string) *AppError {
	return &AppError{Code: "resource.not_found", Message: message, HTTPStatus: http.StatusNotFound}
}

func errorCategory(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "validation_error"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusRequestEntityTooLarge:
		return "request_too_large"
	case http.StatusServiceUnavailable:
		return "service_unavailable"
	default:
		if status >= 500 {
			return "internal_server_error"
		}
		return "application_error"
	}
}
