package recovery

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nimburion/coordination/pkg/middleware/requestid"
	"github.com/nimburion/coordination/pkg/middleware/testutil"
	"github.com/nimburion/coordination/pkg/server/router"
	"github.com/nimburion/coordination/pkg/server/router/nethttp"
)

func TestRecovery_PanicBecomes500(t *testing.T) {
	log := &testutil.MockLogger{}
	r := nethttp.NewRouter()
	r.Use(requestid.RequestID(), Recovery(log))
	r.POST("/payments", func(router.Context) error {
		panic("charge exploded")
	})

	req := httptest.NewRequest(http.MethodPost, "/payments", nil)
	req.Header.Set(requestid.RequestIDHeader, "req-1")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["request_id"] != "req-1" {
		t.Fatalf("unexpected body %q: %v", rec.Body.String(), err)
	}
	entries := log.Entries()
	if len(entries) != 1 || entries[0].Msg != "panic recovered" || entries[0].Fields["panic"] != "charge exploded" {
		t.Fatalf("unexpected log entries %+v", entries)
	}
}

func TestRecovery_KeepsWrittenResponse(t *testing.T) {
	r := nethttp.NewRouter()
	r.Use(Recovery(&testutil.MockLogger{}))
	r.POST("/late", func(c router.Context) error {
		_ = c.JSON(http.StatusAccepted, map[string]string{"status": "accepted"})
		panic("after write")
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/late", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected original status, got %d", rec.Code)
	}
}
