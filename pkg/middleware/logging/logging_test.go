package logging

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nimburion/coordination/pkg/middleware"
	"github.com/nimburion/coordination/pkg/middleware/testutil"
	"github.com/nimburion/coordination/pkg/server/router"
	"github.com/nimburion/coordination/pkg/server/router/nethttp"
)

func TestLogging(t *testing.T) {
	log := &testutil.MockLogger{}
	r := nethttp.NewRouter()
	r.Use(Logging(log, DefaultConfig()))
	r.POST("/payments", func(c router.Context) error {
		c.Set(string(middleware.IdempotencyKeyKey), "pay-1")
		return c.JSON(http.StatusConflict, nil)
	})
	r.POST("/broken", func(router.Context) error { return errors.New("boom") })
	r.GET("/health", func(c router.Context) error { return c.JSON(http.StatusOK, nil) })

	for _, target := range []struct{ method, path string }{
		{http.MethodPost, "/payments"},
		{http.MethodPost, "/broken"},
		{http.MethodGet, "/health"},
	} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(target.method, target.path, nil))
	}

	entries := log.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected two entries, health excluded, got %+v", entries)
	}
	if entries[0].Level != "info" || entries[0].Fields["status"] != http.StatusConflict || entries[0].Fields["idempotency_key"] != "pay-1" {
		t.Fatalf("unexpected completion entry %+v", entries[0])
	}
	if entries[1].Level != "error" || entries[1].Msg != "request failed" {
		t.Fatalf("unexpected failure entry %+v", entries[1])
	}
}
