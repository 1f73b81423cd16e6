// pkg/telemetry/otel_test.go
package telemetry

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/YaganovValera/live-bidding/pkg/logger"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"ok", Config{Endpoint: "otel:4317", ServiceName: "live-bidding", ServiceVersion: "v1"}, true},
		{"no endpoint", Config{ServiceName: "s", ServiceVersion: "v"}, false},
		{"no name", Config{Endpoint: "e", ServiceVersion: "v"}, false},
		{"no version", Config{Endpoint: "e", ServiceName: "s"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.cfg.normalize(); (err == nil) != tc.ok {
				t.Errorf("normalize = %v", err)
			}
		})
	}
}

func TestNormalize_Defaults(t *testing.T) {
	cfg := Config{Endpoint: "e", ServiceName: "s", ServiceVersion: "v", SamplerRatio: 7}
	if err := cfg.normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if cfg.Timeout != 5*time.Second || cfg.SamplerRatio != 1 {
		t.Errorf("defaults = %+v", cfg)
	}
}

func TestInit_Disabled(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{}, logger.NewNop())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInit_InvalidWhenEnabled(t *testing.T) {
	if _, err := Init(context.Background(), Config{Enabled: true}, logger.NewNop()); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestTracerProvider_ExportsWithResource(t *testing.T) {
	cfg := Config{ServiceName: "live-bidding", ServiceVersion: "v1.0.0", SamplerRatio: 1}
	res, err := newResource(cfg)
	if err != nil {
		t.Fatalf("newResource: %v", err)
	}
	exp := tracetest.NewInMemoryExporter()
	tp := newTracerProvider(exp, res, cfg)

	_, span := tp.Tracer("test").Start(context.Background(), "PlaceBid")
	span.End()
	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "PlaceBid" {
		t.Fatalf("spans = %+v", spans)
	}
	var name, instance string
	for _, kv := range spans[0].Resource.Attributes() {
		switch kv.Key {
		case semconv.ServiceNameKey:
			name = kv.Value.AsString()
		case semconv.ServiceInstanceIDKey:
			instance = kv.Value.AsString()
		}
	}
	if name != "live-bidding" || instance == "" {
		t.Errorf("service.name = %q, service.instance.id = %q", name, instance)
	}
	_ = tp.Shutdown(context.Background())
}
