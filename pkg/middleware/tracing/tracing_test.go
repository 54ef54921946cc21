package tracing

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/nimburion/coordination/pkg/server/router"
	"github.com/nimburion/coordination/pkg/server/router/nethttp"
)

func TestTracing_StartsServerSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	r := nethttp.NewRouter()
	r.Use(Tracing(Config{ExcludedPathPrefixes: []string{"/health"}}))
	r.POST("/payments", func(c router.Context) error { return c.JSON(http.StatusInternalServerError, nil) })
	r.GET("/health", func(c router.Context) error { return c.JSON(http.StatusOK, nil) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/payments", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected one span, got %d", len(spans))
	}
	if spans[0].Name() != "HTTP POST /payments" || spans[0].Status().Code.String() != "Error" {
		t.Fatalf("unexpected span %s status %v", spans[0].Name(), spans[0].Status())
	}
}
