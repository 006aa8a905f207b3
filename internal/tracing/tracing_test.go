package tracing

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return exporter
}

func TestGetVersion(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		expected string
	}{
		{name: "with SERVICE_VERSION set", envValue: "v1.2.3", expected: "v1.2.3"},
		{name: "with SERVICE_VERSION empty", envValue: "", expected: "dev"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SERVICE_VERSION", tt.envValue)
			if got := getVersion(); got != tt.expected {
				t.Errorf("getVersion() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestGetInstanceID(t *testing.T) {
	tests := []struct {
		name        string
		hostnameEnv string
		podNameEnv  string
		expected    string
	}{
		{name: "with HOSTNAME set", hostnameEnv: "relay-01", expected: "relay-01"},
		{name: "with POD_NAME set (no HOSTNAME)", podNameEnv: "harborrelay-abc123", expected: "harborrelay-abc123"},
		{name: "HOSTNAME takes precedence", hostnameEnv: "relay-01", podNameEnv: "harborrelay-abc123", expected: "relay-01"},
		{name: "neither set", expected: "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("HOSTNAME", tt.hostnameEnv)
			t.Setenv("POD_NAME", tt.podNameEnv)
			if got := getInstanceID(); got != tt.expected {
				t.Errorf("getInstanceID() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestGetOTLPEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		expected string
	}{
		{name: "with http:// prefix", envValue: "http://tempo:4318", expected: "tempo:4318"},
		{name: "with https:// prefix", envValue: "https://tempo:4318", expected: "tempo:4318"},
		{name: "without protocol prefix", envValue: "collector:4318", expected: "collector:4318"},
		{name: "empty environment variable", envValue: "", expected: "tempo:4318"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", tt.envValue)
			if got := getOTLPEndpoint(); got != tt.expected {
				t.Errorf("getOTLPEndpoint() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestStartSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	_, span := StartSpan(context.Background(), "relay.send",
		attribute.String("target.id", "t1"),
		attribute.Int("attempt", 2),
	)
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("exported spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "relay.send" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "relay.send")
	}
	if len(spans[0].Attributes) != 2 {
		t.Errorf("span attributes = %d, want 2", len(spans[0].Attributes))
	}
}

func TestAddSpanEventAndError(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "relay.attempt")
	AddSpanEvent(ctx, "retry.scheduled", attribute.Int("attempt", 1))
	SetSpanError(ctx, errors.New("boom"))
	SetSpanError(ctx, nil)
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("exported spans = %d, want 1", len(spans))
	}
	s := spans[0]
	if s.Status.Code != codes.Error {
		t.Errorf("span status = %v, want %v", s.Status.Code, codes.Error)
	}
	var sawRetry bool
	for _, ev := range s.Events {
		if ev.Name == "retry.scheduled" {
			sawRetry = true
		}
	}
	if !sawRetry {
		t.Errorf("span events = %v, want retry.scheduled", s.Events)
	}
}

func TestGetTraceID(t *testing.T) {
	setupTestTracer(t)

	if got := GetTraceID(context.Background()); got != "" {
		t.Errorf("GetTraceID(background) = %q, want empty", got)
	}

	ctx, span := StartSpan(context.Background(), "op")
	defer span.End()
	got := GetTraceID(ctx)
	if len(got) != 32 {
		t.Errorf("GetTraceID() = %q, want 32 hex chars", got)
	}
}

func TestHeadersRoundTrip(t *testing.T) {
	setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "enqueue")
	defer span.End()
	original := GetTraceID(ctx)

	headers := InjectHeaders(ctx)
	if headers["traceparent"] == "" {
		t.Fatalf("InjectHeaders() = %v, want traceparent", headers)
	}

	restored := ExtractHeaders(context.Background(), headers)
	restored, child := StartSpan(restored, "drain")
	defer child.End()

	if got := GetTraceID(restored); got != original {
		t.Errorf("trace id after round trip = %q, want %q", got, original)
	}
}

func TestExtractHeadersEmpty(t *testing.T) {
	ctx := context.Background()
	if got := ExtractHeaders(ctx, nil); got != ctx {
		t.Error("ExtractHeaders(nil) should return the input context")
	}
	got := ExtractHeaders(ctx, map[string]string{"traceparent": "garbage"})
	if GetTraceID(got) != "" {
		t.Error("ExtractHeaders() with invalid traceparent should not yield a trace id")
	}
}

func TestInjectHTTP(t *testing.T) {
	setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "execute")
	defer span.End()

	h := http.Header{}
	InjectHTTP(ctx, h)
	if h.Get("Traceparent") == "" {
		t.Errorf("InjectHTTP() headers = %v, want traceparent", h)
	}
}

func TestExtractHTTP(t *testing.T) {
	setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "client")
	defer span.End()

	h := http.Header{}
	InjectHTTP(ctx, h)
	got := ExtractHTTP(context.Background(), h)
	if GetTraceID(got) != GetTraceID(ctx) {
		t.Errorf("ExtractHTTP() trace id = %q, want %q", GetTraceID(got), GetTraceID(ctx))
	}
}

func TestTracerNameConstant(t *testing.T) {
	expected := "github.com/austindbirch/harbor_relay"
	if TracerName != expected {
		t.Errorf("TracerName constant = %q, want %q", TracerName, expected)
	}
}
