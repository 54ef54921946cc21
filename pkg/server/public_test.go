package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nimburion/coordination/pkg/config"
	"github.com/nimburion/coordination/pkg/controller"
	"github.com/nimburion/coordination/pkg/coordstore/memory"
	"github.com/nimburion/coordination/pkg/idempotency"
	idempotencymw "github.com/nimburion/coordination/pkg/middleware/idempotency"
	"github.com/nimburion/coordination/pkg/middleware/requestid"
	"github.com/nimburion/coordination/pkg/middleware/testutil"
	"github.com/nimburion/coordination/pkg/server/router"
	"github.com/nimburion/coordination/pkg/server/router/nethttp"
)

func newPublic(t *testing.T) (*PublicAPIServer, *idempotency.Guard) {
	t.Helper()
	cfg := config.DefaultConfig()
	log := &testutil.MockLogger{}
	guard := idempotency.NewGuard(memory.New(), idempotency.Config{}, log)
	public := NewPublicAPIServer(cfg.HTTP, cfg.Observability, nethttp.NewRouter(), log)
	public.EnableIdempotency(guard, IdempotencyMiddlewareConfig(cfg.Idempotency))
	return public, guard
}

func send(r http.Handler, method, target, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if key != "" {
		req.Header.Set(idempotencymw.DefaultHeaderName, key)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestPublic_IdempotentGroupRejectsReplay(t *testing.T) {
	public, _ := newPublic(t)
	calls := 0
	public.Idempotent("/v1").POST("/payments", func(c router.Context) error {
		calls++
		return c.JSON(http.StatusCreated, map[string]string{"key": idempotencymw.KeyFromContext(c)})
	})

	first := send(public.Router(), http.MethodPost, "/v1/payments", "pay-1", "")
	if first.Code != http.StatusCreated || first.Header().Get(requestid.RequestIDHeader) == "" {
		t.Fatalf("unexpected first response %d %v", first.Code, first.Header())
	}
	replay := send(public.Router(), http.MethodPost, "/v1/payments", "pay-1", "")
	if replay.Code != http.StatusConflict || !strings.Contains(replay.Body.String(), idempotencymw.DuplicateRequestMessage) {
		t.Fatalf("expected 409, got %d %s", replay.Code, replay.Body.String())
	}
	if calls != 1 {
		t.Fatalf("handler should run once, ran %d times", calls)
	}
}

func TestPublic_PlainRoutesSkipTheGate(t *testing.T) {
	public, _ := newPublic(t)
	public.Router().POST("/webhooks", func(c router.Context) error {
		return c.JSON(http.StatusAccepted, nil)
	})
	for i := 0; i < 2; i++ {
		if rec := send(public.Router(), http.MethodPost, "/webhooks", "same", ""); rec.Code != http.StatusAccepted {
			t.Fatalf("attempt %d: expected 202, got %d", i, rec.Code)
		}
	}
}

func TestPublic_RecoversPanics(t *testing.T) {
	public, _ := newPublic(t)
	public.Router().POST("/boom", func(router.Context) error { panic("boom") })
	if rec := send(public.Router(), http.MethodPost, "/boom", "", ""); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestNonceAPI(t *testing.T) {
	public, _ := newPublic(t)
	RegisterNonceAPI(public.Router(), mustGuard(t))

	body := `{"nonce":"n-1","ttl_seconds":60}`
	if rec := send(public.Router(), http.MethodPost, "/v1/nonces/webhook", "", body); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %s", rec.Code, rec.Body.String())
	}
	if rec := send(public.Router(), http.MethodPost, "/v1/nonces/webhook", "", body); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if rec := send(public.Router(), http.MethodPost, "/v1/nonces/other", "", body); rec.Code != http.StatusCreated {
		t.Fatalf("contexts are independent, got %d", rec.Code)
	}
	for _, bad := range []string{`{"nonce":"has space"}`, `{"nonce":""}`, `{"nonce":"ok","ttl_seconds":-1}`, `{"nonce":"ok","ttl_seconds":86401}`, `{"nonce":"ok","ttl_seconds":9223372036854775807}`, `not json`} {
		if rec := send(public.Router(), http.MethodPost, "/v1/nonces/webhook", "", bad); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", bad, rec.Code)
		}
	}
}

func TestNonceAPI_TTLCappedAtOneDay(t *testing.T) {
	public, _ := newPublic(t)
	guard := mustGuard(t)
	RegisterNonceAPI(public.Router(), guard)

	rec := send(public.Router(), http.MethodPost, "/v1/nonces/webhook", "", `{"nonce":"n-1","ttl_seconds":9223372036}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an oversized ttl, got %d", rec.Code)
	}
	var body controller.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Code != "validation.failed" || !strings.Contains(body.Message, "86400") {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
	if guard.Lookup(context.Background(), idempotency.Scope{Context: "webhook"}, "n-1") != nil {
		t.Fatal("rejected claims must not be stored")
	}

	if rec := send(public.Router(), http.MethodPost, "/v1/nonces/webhook", "", `{"nonce":"n-1","ttl_seconds":86400}`); rec.Code != http.StatusCreated {
		t.Fatalf("one day should be accepted, got %d", rec.Code)
	}
}

func TestNonceAPI_BodyLimit(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.HTTP.MaxBodyBytes = 16
	r := nethttp.NewRouter()
	NewPublicAPIServer(cfg.HTTP, cfg.Observability, r, nil)
	RegisterNonceAPI(r, mustGuard(t))

	rec := send(r, http.MethodPost, "/v1/nonces/webhook", "", `{"nonce":"a-very-long-nonce-value"}`)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d %s", rec.Code, rec.Body.String())
	}
}

func mustGuard(t *testing.T) *idempotency.Guard {
	t.Helper()
	return idempotency.NewGuard(memory.New(), idempotency.Config{}, &testutil.MockLogger{})
}

func TestIdempotencyMiddlewareConfig(t *testing.T) {
	cases := []struct {
		name     string
		in       config.IdempotencyConfig
		required bool
		ttlSecs  float64
		header   string
	}{
		{"custom", config.IdempotencyConfig{Preset: "custom", TTL: 2 * time.Minute, Required: true}, true, 120, ""},
		{"strict", config.IdempotencyConfig{Preset: "strict"}, true, 600, idempotencymw.DefaultHeaderName},
		{"relaxed", config.IdempotencyConfig{Preset: " Relaxed ", HeaderName: "Idempotency-Key"}, false, 300, "Idempotency-Key"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := IdempotencyMiddlewareConfig(tc.in)
			if got.Required != tc.required || got.TTL.Seconds() != tc.ttlSecs || got.HeaderName != tc.header {
				t.Fatalf("unexpected config %+v", got)
			}
		})
	}
}
