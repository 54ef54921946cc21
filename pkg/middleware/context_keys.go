// Package middleware holds values shared by the HTTP middleware packages.
package middleware

// ContextKey is a typed key for values stored on router.Context.
type ContextKey string

const (
	// RequestIDKey holds the request id set by the requestid middleware.
	RequestIDKey ContextKey = "request_id"
	// IdempotencyKeyKey holds the idempotency key accepted for the request.
	IdempotencyKeyKey ContextKey = "idempotency_key"
	// IdempotencyGeneratedKey is true when the server synthesized the key.
	IdempotencyGeneratedKey ContextKey = "idempotency_key_generated"
)
