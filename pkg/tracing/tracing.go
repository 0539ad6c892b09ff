// Package tracing sets up OpenTelemetry with a Jaeger exporter.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// Config represents the tracing configuration
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Environment    string

	// CollectorEndpoint is the Jaeger HTTP collector. When empty spans go
	// to the UDP agent at AgentEndpoint.
	CollectorEndpoint string
	AgentEndpoint     string

	SamplingRate   float64
	MaxExportBatch int
	MaxQueueSize   int
	Attributes     map[string]string
}

// DefaultConfig returns the default tracing configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled:           false,
		ServiceName:       "gatekeeper",
		ServiceVersion:    "1.0.0",
		Environment:       "development",
		CollectorEndpoint: "http://localhost:14268/api/traces",
		AgentEndpoint:     "localhost:6831",
		SamplingRate:      1.0,
		MaxExportBatch:    512,
		MaxQueueSize:      2048,
	}
}

// Setup installs a global tracer provider and W3C propagators. It returns
// nil when tracing is disabled; Shutdown accepts that.
func Setup(config *Config) (*sdktrace.TracerProvider, error) {
	if config == nil || !config.Enabled {
		return nil, nil
	}

	exporter, err := newExporter(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
		semconv.DeploymentEnvironment(config.Environment),
	}
	for key, value := range config.Attributes {
		attrs = append(attrs, attribute.String(key, value))
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(attrs...),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(
		exporter,
		sdktrace.WithMaxExportBatchSize(config.MaxExportBatch),
		sdktrace.WithMaxQueueSize(config.MaxQueueSize),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(bsp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(config.SamplingRate)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	return tp, nil
}

func newExporter(config *Config) (*jaeger.Exporter, error) {
	if config.CollectorEndpoint != "" {
		return jaeger.New(jaeger.WithCollectorEndpoint(
			jaeger.WithEndpoint(config.CollectorEndpoint),
		))
	}
	return jaeger.New(jaeger.WithAgentEndpoint(
		jaeger.WithAgentHost(config.AgentEndpoint),
	))
}

// newSampler respects the parent's decision and samples new roots at rate.
func newSampler(rate float64) sdktrace.Sampler {
	var root sdktrace.Sampler
	switch {
	case rate >= 1.0:
		root = sdktrace.AlwaysSample()
	case rate <= 0.0:
		root = sdktrace.NeverSample()
	default:
		root = sdktrace.TraceIDRatioBased(rate)
	}
	return sdktrace.ParentBased(root)
}

// Shutdown flushes and stops tp
func Shutdown(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}
