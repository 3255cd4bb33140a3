package otelx

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Disabled path

func TestInit_Disabled(t *testing.T) {
	shutdown, err := Init(context.Background(), Options{Enabled: false, Sample: 99.9})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	// safe to call twice
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}

	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("TracerProvider type = %T, want *sdktrace.TracerProvider", otel.GetTracerProvider())
	}
}

func TestInit_Disabled_SpansHaveTraceIDs(t *testing.T) {
	_, _ = Init(context.Background(), Options{Enabled: false})

	_, span := Tracer().Start(context.Background(), "policy.poll")
	defer span.End()

	if !span.SpanContext().TraceID().IsValid() {
		t.Fatal("disabled tracing should still mint trace ids for log correlation")
	}
}

func TestInit_SetsPropagators(t *testing.T) {
	_, _ = Init(context.Background(), Options{Enabled: false})

	fields := strings.Join(otel.GetTextMapPropagator().Fields(), ",")
	for _, want := range []string{"traceparent", "baggage"} {
		if !strings.Contains(fields, want) {
			t.Errorf("propagator fields %q missing %s", fields, want)
		}
	}
}

// Enabled path

func TestInit_Enabled_RequiresEndpoint(t *testing.T) {
	if _, err := Init(context.Background(), Options{Enabled: true}); err == nil {
		t.Fatal("enabled without endpoint should fail")
	}
}

func TestInit_Enabled_ReturnsPromptly(t *testing.T) {
	// gRPC connects lazily, an unreachable collector must not block startup
	start := time.Now()
	shutdown, err := Init(context.Background(), Options{
		Enabled:    true,
		Endpoint:   "localhost:1",
		Insecure:   true,
		Sample:     1.0,
		Service:    "orderguard",
		Component:  "test",
		Version:    "v0.0.0-test",
		Attributes: []attribute.KeyValue{attribute.String("orderguard.mode", "observe")},
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("Init took %v", elapsed)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		t.Logf("shutdown error (expected with no collector): %v", err)
	}
	_, _ = Init(context.Background(), Options{Enabled: false})
}

// helpers

func TestSampler(t *testing.T) {
	tests := []struct {
		ratio float64
		want  string
	}{
		{1, "AlwaysOnSampler"},
		{5, "AlwaysOnSampler"},
		{0, "AlwaysOffSampler"},
		{-1, "AlwaysOffSampler"},
		{0.25, "TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		got := sampler(tt.ratio).Description()
		if !strings.HasPrefix(got, "ParentBased{root:") || !strings.Contains(got, tt.want) {
			t.Errorf("sampler(%v) = %q, want ParentBased around %s", tt.ratio, got, tt.want)
		}
	}
}

func TestServiceName(t *testing.T) {
	if got := serviceName(Options{Service: "orderguard", Component: "server"}); got != "orderguard.server" {
		t.Errorf("serviceName = %q", got)
	}
	if got := serviceName(Options{Service: "orderguard"}); got != "orderguard" {
		t.Errorf("serviceName without component = %q", got)
	}
}
