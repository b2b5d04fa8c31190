package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// recordSpans installs an in-memory tracer provider for the duration of the
// test and returns the recorder holding every ended span.
func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return recorder
}

func TestTracing_SpanPerRequest(t *testing.T) {
	recorder := recordSpans(t)

	handler := Tracing("beacon-api")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/safety/sos", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rr.Code)
	}
	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected exactly one span, got %d", len(spans))
	}
	if got := spans[0].Name(); got != "POST /v1/safety/sos" {
		t.Errorf("span name = %q, want method plus path", got)
	}
}

func TestTracing_SpanNames(t *testing.T) {
	tests := []struct {
		method string
		path   string
		want   string
	}{
		{http.MethodPost, "/v1/safety/checkin", "POST /v1/safety/checkin"},
		{http.MethodGet, "/v1/safety/events/ev-123", "GET /v1/safety/events/ev-123"},
		{http.MethodGet, "/ready", "GET /ready"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			recorder := recordSpans(t)

			handler := Tracing("beacon-api")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, httptest.NewRequest(tt.method, tt.path, nil))

			spans := recorder.Ended()
			if len(spans) != 1 {
				t.Fatalf("expected 1 span, got %d", len(spans))
			}
			if spans[0].Name() != tt.want {
				t.Errorf("span name = %q, want %q", spans[0].Name(), tt.want)
			}
		})
	}
}

func TestTracing_HandlerSeesActiveSpan(t *testing.T) {
	recorder := recordSpans(t)

	var traceID, spanID string
	handler := Tracing("beacon-api")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID = GetTraceID(r)
		spanID = GetSpanID(r)
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/safety/checkin", nil))

	if traceID == "" || spanID == "" {
		t.Fatalf("handler should see the active span, got trace=%q span=%q", traceID, spanID)
	}

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	sc := spans[0].SpanContext()
	if sc.TraceID().String() != traceID {
		t.Errorf("handler saw trace %q, recorder has %q", traceID, sc.TraceID())
	}
	if sc.SpanID().String() != spanID {
		t.Errorf("handler saw span %q, recorder has %q", spanID, sc.SpanID())
	}
}

func TestGetTraceID_Untraced(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	if got := GetTraceID(req); got != "" {
		t.Errorf("untraced request should yield empty trace id, got %q", got)
	}
	if got := GetSpanID(req); got != "" {
		t.Errorf("untraced request should yield empty span id, got %q", got)
	}
}
