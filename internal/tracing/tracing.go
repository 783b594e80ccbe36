// =============================================================================
// TRACING - OPENTELEMETRY EXPORT
// =============================================================================
//
// Components start spans on the global provider (otel.Tracer(...)):
//
//   subscription.batch     one per processed batch
//   publisher.publish      one per publish call
//   rpc.process            one per HTTP RPC
//
// Without Setup the global provider is a no-op and spans cost nothing.
// Setup installs an SDK provider that batches spans to an OTLP/gRPC
// collector (Jaeger, Tempo, the otel collector):
//
//	tracing:
//	  enabled: true
//	  endpoint: otel-collector:4317
//	  insecure: true
//	  sample-ratio: 0.1
//
// W3C traceparent propagation is installed alongside.
//
// =============================================================================

package tracing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Config configures span export.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Endpoint is the collector's host:port.
	Endpoint string `yaml:"endpoint,omitempty"`

	// Insecure disables TLS to the collector.
	Insecure bool `yaml:"insecure,omitempty"`

	// Headers are sent with every export, e.g. an auth token.
	Headers map[string]string `yaml:"headers,omitempty"`

	ServiceName string `yaml:"service-name,omitempty"`

	// SampleRatio of root spans kept, 0..1. Children follow their parent.
	SampleRatio float64 `yaml:"sample-ratio"`
}

// DefaultConfig exports nothing until enabled.
func DefaultConfig() Config {
	return Config{
		Endpoint:    "localhost:4317",
		Insecure:    true,
		ServiceName: "messagebus",
		SampleRatio: 1,
	}
}

// Validate checks the config.
func (c Config) Validate() error {
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return fmt.Errorf("sample-ratio must be within [0, 1], got %v", c.SampleRatio)
	}
	if c.Enabled && c.Endpoint == "" {
		return errors.New("endpoint is required when tracing is enabled")
	}
	return nil
}

// ShutdownFunc flushes and stops export.
type ShutdownFunc func(ctx context.Context) error

// Setup installs the global tracer provider and propagator. The returned
// function must be called on exit to flush buffered spans. When tracing is
// disabled Setup changes nothing and the shutdown is a no-op.
func Setup(ctx context.Context, cfg Config, logger *slog.Logger) (ShutdownFunc, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	tp := NewProvider(cfg, sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	logger.Info("tracing enabled",
		"endpoint", cfg.Endpoint,
		"service", cfg.ServiceName,
		"sample_ratio", cfg.SampleRatio)

	return tp.Shutdown, nil
}

// NewProvider builds the SDK provider for cfg around a span processor
// option (WithBatcher for export, WithSyncer in tests).
func NewProvider(cfg Config, processor sdktrace.TracerProviderOption) *sdktrace.TracerProvider {
	name := cfg.ServiceName
	if name == "" {
		name = "messagebus"
	}
	return sdktrace.NewTracerProvider(
		processor,
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", name))),
	)
}
