package tracing

import (
	"context"
	"net/http"
	"os"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	oteltrace "go.opentelemetry.io/otel/trace"
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
	return exporter
}

func TestGetVersion(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		expected string
	}{
		{name: "with SERVICE_VERSION set", envValue: "v1.2.3", expected: "v1.2.3"},
		{name: "with SERVICE_VERSION not set", envValue: "", expected: "dev"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SERVICE_VERSION", tt.envValue)
			if tt.envValue == "" {
				os.Unsetenv("SERVICE_VERSION")
			}

			if result := getVersion(); result != tt.expected {
				t.Errorf("getVersion() = %q, want %q", result, tt.expected)
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
		{name: "with HOSTNAME set", hostnameEnv: "argo-node-01", expected: "argo-node-01"},
		{name: "with POD_NAME set (no HOSTNAME)", podNameEnv: "helloflow-start-123", expected: "helloflow-start-123"},
		{name: "HOSTNAME takes precedence", hostnameEnv: "argo-node-01", podNameEnv: "helloflow-start-123", expected: "argo-node-01"},
		{name: "with neither set", expected: "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("HOSTNAME", tt.hostnameEnv)
			t.Setenv("POD_NAME", tt.podNameEnv)
			if tt.hostnameEnv == "" {
				os.Unsetenv("HOSTNAME")
			}
			if tt.podNameEnv == "" {
				os.Unsetenv("POD_NAME")
			}

			if result := getInstanceID(); result != tt.expected {
				t.Errorf("getInstanceID() = %q, want %q", result, tt.expected)
			}
		})
	}
}

func TestNormalizeEndpoint(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "http://tempo:4318", want: "tempo:4318"},
		{in: "https://tempo:4318", want: "tempo:4318"},
		{in: "tempo:4318", want: "tempo:4318"},
		{in: "http://otel-collector.monitoring.svc:4318/", want: "otel-collector.monitoring.svc:4318"},
	}

	for _, tt := range tests {
		if got := normalizeEndpoint(tt.in); got != tt.want {
			t.Errorf("normalizeEndpoint(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestInitTracing_NoEndpoint(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), "flowhook-test", "")
	if err != nil {
		t.Fatalf("InitTracing() unexpected error: %v", err)
	}
	if shutdown == nil {
		t.Fatal("InitTracing() returned nil shutdown")
	}
	shutdown()
}

func TestStartSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "metadata.poll_start_task",
		attribute.String("flow_name", "HelloFlow"),
		attribute.Int("attempt", 2),
	)
	AddSpanEvent(ctx, "http.get")
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name != "metadata.poll_start_task" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	if len(spans[0].Attributes) != 2 {
		t.Errorf("span attributes = %v, want 2", spans[0].Attributes)
	}
	if len(spans[0].Events) != 1 {
		t.Errorf("span events = %v, want 1", spans[0].Events)
	}
}

func TestSetSpanError(t *testing.T) {
	setupTestTracer(t)

	tests := []struct {
		name    string
		err     error
		hasSpan bool
	}{
		{name: "error with span in context", err: context.DeadlineExceeded, hasSpan: true},
		{name: "error without span in context", err: context.Canceled, hasSpan: false},
		{name: "nil error with span", err: nil, hasSpan: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			if tt.hasSpan {
				var span oteltrace.Span
				ctx, span = StartSpan(ctx, "test-span")
				defer span.End()
			}

			// Must not panic either way
			SetSpanError(ctx, tt.err)
		})
	}
}

func TestGetTraceID(t *testing.T) {
	setupTestTracer(t)

	if id := GetTraceID(context.Background()); id != "" {
		t.Errorf("GetTraceID() = %q for context without span, want empty", id)
	}

	ctx, span := StartSpan(context.Background(), "test-span")
	defer span.End()
	if id := GetTraceID(ctx); len(id) != 32 {
		t.Errorf("GetTraceID() returned %q, want 32 hex characters", id)
	}
}

func TestInjectHTTP_RoundTrip(t *testing.T) {
	setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "parent")
	defer span.End()
	original := GetTraceID(ctx)

	h := http.Header{}
	InjectHTTP(ctx, h)
	if h.Get("traceparent") == "" {
		t.Fatalf("InjectHTTP() did not set traceparent, got %v", h)
	}

	child, childSpan := StartSpan(ExtractHTTP(context.Background(), h), "child")
	defer childSpan.End()
	if got := GetTraceID(child); got != original {
		t.Errorf("trace ID changed across HTTP round trip: %s -> %s", original, got)
	}
}

func TestPropagateToMessage(t *testing.T) {
	setupTestTracer(t)

	headers := PropagateToMessage(context.Background())
	if headers == nil {
		t.Fatal("PropagateToMessage() returned nil")
	}

	ctx, span := StartSpan(context.Background(), "publish")
	defer span.End()
	headers = PropagateToMessage(ctx)
	if headers["traceparent"] == "" {
		t.Errorf("PropagateToMessage() missing traceparent: %v", headers)
	}
}

func TestTracerNameConstant(t *testing.T) {
	if TracerName != "github.com/austindbirch/flowhook" {
		t.Errorf("TracerName constant = %q", TracerName)
	}
}
