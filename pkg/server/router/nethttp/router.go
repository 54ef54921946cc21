// Package nethttp implements router.Router on net/http with a small
// segment matcher supporting ":param" placeholders.
package nethttp

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/nimburion/coordination/pkg/server/router"
)

type route struct {
	method  string
	pattern []string
	handler router.HandlerFunc
}

type table struct {
	mu     sync.RWMutex
	routes []route
}

// Router implements router.Router.
type Router struct {
	table      *table
	prefix     string
	middleware []router.MiddlewareFunc
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{table: &table{}}
}

// GET implements router.Router.
func (r *Router) GET(path string, h router.HandlerFunc, mw ...router.MiddlewareFunc) {
	r.add(http.MethodGet, path, h, mw)
}

// POST implements router.Router.
func (r *Router) POST(path string, h router.HandlerFunc, mw ...router.MiddlewareFunc) {
	r.add(http.MethodPost, path, h, mw)
}

// PUT implements router.Router.
func (r *Router) PUT(path string, h router.HandlerFunc, mw ...router.MiddlewareFunc) {
	r.add(http.MethodPut, path, h, mw)
}

// PATCH implements router.Router.
func (r *Router) PATCH(path string, h router.HandlerFunc, mw ...router.MiddlewareFunc) {
	r.add(http.MethodPatch, path, h, mw)
}

// DELETE implements router.Router.
func (r *Router) DELETE(path string, h router.HandlerFunc, mw ...router.MiddlewareFunc) {
	r.add(http.MethodDelete, path, h, mw)
}

// Group implements router.Router.
func (r *Router) Group(prefix string, mw ...router.MiddlewareFunc) router.Router {
	combined := append(append([]router.MiddlewareFunc{}, r.middleware...), mw...)
	return &Router{table: r.table, prefix: r.prefix + prefix, middleware: combined}
}

// Use implements router.Router.
func (r *Router) Use(mw ...router.MiddlewareFunc) {
	r.middleware = append(r.middleware, mw...)
}

// ServeHTTP dispatches to the first route matching method and path.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.table.mu.RLock()
	routes := r.table.routes
	r.table.mu.RUnlock()

	segments := split(req.URL.Path)
	pathMatched := false
	for _, rt := range routes {
		params, ok := match(rt.pattern, segments)
		if !ok {
			continue
		}
		pathMatched = true
		if rt.method != req.Method {
			continue
		}
		ctx := &context{request: req, response: &responseWriter{ResponseWriter: w}, params: params}
		if err := rt.handler(ctx); err != nil && !ctx.response.Written() {
			http.Error(ctx.response, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}
	if pathMatched {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	http.NotFound(w, req)
}

func (r *Router) add(method, path string, h router.HandlerFunc, mw []router.MiddlewareFunc) {
	all := append(append([]router.MiddlewareFunc{}, r.middleware...), mw...)
	r.table.mu.Lock()
	defer r.table.mu.Unlock()
	r.table.routes = append(r.table.routes, route{
		method:  method,
		pattern: split(r.prefix + path),
		handler: router.Chain(h, all...),
	})
}

func split(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func match(pattern, segments []string) (map[string]string, bool) {
	if len(pattern) != len(segments) {
		return nil, false
	}
	var params map[string]string
	for i, part := range pattern {
		if strings.HasPrefix(part, ":") {
			if params == nil {
				params = map[string]string{}
			}
			params[part[1:]] = segments[i]
			continue
		}
		if part != segments[i] {
			return nil, false
		}
	}
	return params, true
}

type context struct {
	request  *http.Request
	response *responseWriter
	params   map[string]string

	mu     sync.RWMutex
	values map[string]interface{}
}

func (c *context) Request() *http.Request          { return c.request }
func (c *context) SetRequest(r *http.Request)      { c.request = r }
func (c *context) Response() router.ResponseWriter { return c.response }
func (c *context) Param(name string) string        { return c.params[name] }
func (c *context) Query(name string) string        { return c.request.URL.Query().Get(name) }

func (c *context) JSON(code int, v interface{}) error {
	c.response.Header().Set("Content-Type", "application/json")
	c.response.WriteHeader(code)
	return json.NewEncoder(c.response).Encode(v)
}

func (c *context) Get(key string) interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.values[key]
}

func (c *context) Set(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.values == nil {
		c.values = map[string]interface{}{}
	}
	c.values[key] = value
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	if w.status != 0 {
		return
	}
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *responseWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *responseWriter) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

func (w *responseWriter) Written() bool { return w.status != 0 }
