package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	setTracer(tp, tp.Tracer("test"))
	t.Cleanup(func() {
		setTracer(nil, nil)
		_ = tp.Shutdown(context.Background())
	})
	return sr
}

func TestStartSpan_Recorded(t *testing.T) {
	sr := withRecorder(t)

	ctx, span := StartSpan(context.Background(), "engine.send_message",
		trace.WithAttributes(Attributes(map[string]any{"session.id": "s1", "turn": 2})...))
	if !trace.SpanFromContext(ctx).SpanContext().IsValid() {
		t.Fatal("context does not carry the span")
	}
	EndSpan(span, nil)

	ended := sr.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(ended))
	}
	if ended[0].Name() != "engine.send_message" {
		t.Errorf("name = %q", ended[0].Name())
	}
	found := false
	for _, kv := range ended[0].Attributes() {
		if kv.Key == "session.id" && kv.Value.AsString() == "s1" {
			found = true
		}
	}
	if !found {
		t.Error("session.id attribute missing")
	}
}

func TestEndSpan_RecordsError(t *testing.T) {
	sr := withRecorder(t)

	_, span := StartSpan(context.Background(), "dispatch")
	EndSpan(span, errors.New("boom"))

	ended := sr.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(ended))
	}
	if ended[0].Status().Code != codes.Error {
		t.Errorf("status = %v, want error", ended[0].Status().Code)
	}
	if len(ended[0].Events()) == 0 {
		t.Error("expected an exception event")
	}
}

func TestStartSpan_WithoutInit(t *testing.T) {
	setTracer(nil, nil)
	ctx, span := StartSpan(context.Background(), "noop")
	if ctx == nil || span == nil {
		t.Fatal("StartSpan returned nil")
	}
	EndSpan(span, nil)
}

func TestInit_Disabled(t *testing.T) {
	t.Cleanup(func() { setTracer(nil, nil) })
	if err := Init(Config{Enabled: false}); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestInit_Stdout(t *testing.T) {
	t.Cleanup(func() { setTracer(nil, nil) })
	if err := Init(Config{Enabled: true, ExporterType: "stdout"}); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	if err := Init(Config{Enabled: true, ExporterType: "zipkin"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestConvertToAttribute(t *testing.T) {
	tests := []struct {
		value any
		want  attribute.Type
	}{
		{"text", attribute.STRING},
		{42, attribute.INT64},
		{int64(7), attribute.INT64},
		{3.14, attribute.FLOAT64},
		{true, attribute.BOOL},
		{[]string{"a"}, attribute.STRINGSLICE},
		{struct{}{}, attribute.STRING},
	}
	for _, tt := range tests {
		if got := convertToAttribute("k", tt.value).Value.Type(); got != tt.want {
			t.Errorf("convertToAttribute(%v) type = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestParseHeaders(t *testing.T) {
	got := parseHeaders("Authorization=Bearer x, X-Team = coach,broken")
	if len(got) != 2 {
		t.Fatalf("headers = %v", got)
	}
	if got["Authorization"] != "Bearer x" || got["X-Team"] != "coach" {
		t.Errorf("headers = %v", got)
	}
	if parseHeaders("") != nil {
		t.Error("empty string should give nil")
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("OTEL_SERVICE_NAME", "svc")
	t.Setenv("OTEL_TRACES_ENABLED", "true")
	t.Setenv("OTEL_TRACES_EXPORTER", "stdout")
	cfg := ConfigFromEnv()
	if cfg.ServiceName != "svc" || !cfg.Enabled || cfg.ExporterType != "stdout" {
		t.Errorf("config = %+v", cfg)
	}
	if cfg.OTLPEndpoint != DefaultOTLPEndpoint {
		t.Errorf("endpoint = %q", cfg.OTLPEndpoint)
	}
}
