// Package gin implements router.Router on gin-gonic/gin.
package gin

import (
	"net/http"

	ginpkg "github.com/gin-gonic/gin"

	"github.com/nimburion/coordination/pkg/server/router"
)

// Router implements router.Router.
type Router struct {
	engine     *ginpkg.Engine
	group      *ginpkg.RouterGroup
	middleware []router.MiddlewareFunc
}

// NewRouter returns a Router backed by a new gin engine in release mode.
func NewRouter() *Router {
	ginpkg.SetMode(ginpkg.ReleaseMode)
	engine := ginpkg.New()
	engine.HandleMethodNotAllowed = true
	return &Router{engine: engine, group: &engine.RouterGroup}
}

// GET implements router.Router.
func (r *Router) GET(path string, h router.HandlerFunc, mw ...router.MiddlewareFunc) {
	r.handle(http.MethodGet, path, h, mw)
}

// POST implements router.Router.
func (r *Router) POST(path string, h router.HandlerFunc, mw ...router.MiddlewareFunc) {
	r.handle(http.MethodPost, path, h, mw)
}

// PUT implements router.Router.
func (r *Router) PUT(path string, h router.HandlerFunc, mw ...router.MiddlewareFunc) {
	r.handle(http.MethodPut, path, h, mw)
}

// PATCH implements router.Router.
func (r *Router) PATCH(path string, h router.HandlerFunc, mw ...router.MiddlewareFunc) {
	r.handle(http.MethodPatch, path, h, mw)
}

// DELETE implements router.Router.
func (r *Router) DELETE(path string, h router.HandlerFunc, mw ...router.MiddlewareFunc) {
	r.handle(http.MethodDelete, path, h, mw)
}

// Group implements router.Router.
func (r *Router) Group(prefix string, mw ...router.MiddlewareFunc) router.Router {
	combined := append(append([]router.MiddlewareFunc{}, r.middleware...), mw...)
	return &Router{engine: r.engine, group: r.group.Group(prefix), middleware: combined}
}

// Use implements router.Router.
func (r *Router) Use(mw ...router.MiddlewareFunc) {
	r.middleware = append(r.middleware, mw...)
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.engine.ServeHTTP(w, req)
}

func (r *Router) handle(method, path string, h router.HandlerFunc, mw []router.MiddlewareFunc) {
	handler := router.Chain(h, append(append([]router.MiddlewareFunc{}, r.middleware...), mw...)...)
	r.group.Handle(method, path, func(gc *ginpkg.Context) {
		ctx := &context{gc: gc}
		if err := handler(ctx); err != nil && !gc.Writer.Written() {
			gc.AbortWithStatus(http.StatusInternalServerError)
		}
	})
}

type context struct {
	gc *ginpkg.Context
}

func (c *context) Request() *http.Request          { return c.gc.Request }
func (c *context) SetRequest(r *http.Request)      { c.gc.Request = r }
func (c *context) Response() router.ResponseWriter { return c.gc.Writer }
func (c *context) Param(name string) string        { return c.gc.Param(name) }
func (c *context) Query(name string) string        { return c.gc.Query(name) }

func (c *context) JSON(code int, v interface{}) error {
	c.gc.JSON(code, v)
	return nil
}

func (c *context) Get(key string) interface{} {
	value, _ := c.gc.Get(key)
	return value
}

func (c *context) Set(key string, value interface{}) { c.gc.Set(key, value) }
