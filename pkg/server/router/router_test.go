package router_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nimburion/coordination/pkg/server/router"
	ginrouter "github.com/nimburion/coordination/pkg/server/router/gin"
	"github.com/nimburion/coordination/pkg/server/router/nethttp"
)

func adapters() map[string]func() router.Router {
	return map[string]func() router.Router{
		"nethttp": func() router.Router { return nethttp.NewRouter() },
		"gin":     func() router.Router { return ginrouter.NewRouter() },
	}
}

func TestRouterContract(t *testing.T) {
	for name, newRouter := range adapters() {
		t.Run(name, func(t *testing.T) {
			r := newRouter()
			var order []string
			trace := func(label string) router.MiddlewareFunc {
				return func(next router.HandlerFunc) router.HandlerFunc {
					return func(c router.Context) error {
						order = append(order, label)
						return next(c)
					}
				}
			}

			r.Use(trace("global"))
			group := r.Group("/coordination", trace("group"))
			group.GET("/leases/:key", func(c router.Context) error {
				c.Set("seen", c.Param("key"))
				return c.JSON(http.StatusOK, map[string]string{"key": c.Get("seen").(string), "q": c.Query("q")})
			}, trace("route"))
			r.POST("/fail", func(router.Context) error { return errors.New("boom") })

			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/coordination/leases/task:42?q=1", nil))
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rec.Code)
			}
			body := rec.Body.String()
			if !strings.Contains(body, `"key":"task:42"`) || !strings.Contains(body, `"q":"1"`) {
				t.Fatalf("unexpected body %s", body)
			}
			if strings.Join(order, ",") != "global,group,route" {
				t.Fatalf("unexpected middleware order %v", order)
			}

			rec = httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/fail", nil))
			if rec.Code != http.StatusInternalServerError {
				t.Fatalf("expected 500 for handler error, got %d", rec.Code)
			}

			rec = httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))
			if rec.Code != http.StatusNotFound {
				t.Fatalf("expected 404, got %d", rec.Code)
			}
		})
	}
}

func TestWrapHandler(t *testing.T) {
	r := nethttp.NewRouter()
	r.GET("/metrics", router.WrapHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("expected wrapped handler status, got %d", rec.Code)
	}
}
