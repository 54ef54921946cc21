// Package router abstracts HTTP routing so handlers and middleware can run
// on net/http or gin unchanged.
package router

import "net/http"

// Router registers routes and serves them.
type Router interface {
	GET(path string, handler HandlerFunc, middleware ...MiddlewareFunc)
	POST(path string, handler HandlerFunc, middleware ...MiddlewareFunc)
	PUT(path string, handler HandlerFunc, middleware ...MiddlewareFunc)
	PATCH(path string, handler HandlerFunc, middleware ...MiddlewareFunc)
	DELETE(path string, handler HandlerFunc, middleware ...MiddlewareFunc)

	// Group returns a router whose routes share prefix and middleware.
	Group(prefix string, middleware ...MiddlewareFunc) Router

	// Use appends middleware applied to routes registered afterwards.
	Use(middleware ...MiddlewareFunc)

	http.Handler
}

// HandlerFunc handles a request. A returned error is turned into a 500
// response unless the handler already wrote one.
type HandlerFunc func(Context) error

// MiddlewareFunc wraps a HandlerFunc.
type MiddlewareFunc func(HandlerFunc) HandlerFunc

// Context gives handlers router-agnostic access to the request and response.
type Context interface {
	Request() *http.Request
	SetRequest(r *http.Request)
	Response() ResponseWriter

	// Param returns a path parameter declared as ":name".
	Param(name string) string
	Query(name string) string

	JSON(code int, v interface{}) error

	Get(key string) interface{}
	Set(key string, value interface{})
}

// ResponseWriter tracks the status written to the client.
type ResponseWriter interface {
	http.ResponseWriter
	Status() int
	Written() bool
}

// WrapHandler adapts a plain http.Handler, such as promhttp, into a HandlerFunc.
func WrapHandler(h http.Handler) HandlerFunc {
	return func(c Context) error {
		h.ServeHTTP(c.Response(), c.Request())
		return nil
	}
}

// Chain applies middleware so that the first element runs outermost.
func Chain(handler HandlerFunc, middleware ...MiddlewareFunc) HandlerFunc {
	for i := len(middleware) - 1; i >= 0; i-- {
		handler = middleware[i](handler)
	}
	return handler
}
