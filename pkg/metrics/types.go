// Package metrics provides monitoring and metrics collection capabilities
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector defines the interface for metrics collection
type MetricsCollector interface {
	// RecordRequest records a completed request with duration and status.
	// method is an HTTP route pattern or a gRPC full method name.
	RecordRequest(method string, code string, duration time.Duration)

	// RecordError records an error occurrence
	RecordError(method string, errorType string)

	// RecordActiveRequests updates the active requests gauge
	RecordActiveRequests(method string, delta int)

	// RecordAdmission counts one rate-limit decision for route
	RecordAdmission(route string, outcome string)

	// RecordCacheLookup counts one cache lookup for route
	RecordCacheLookup(route string, hit bool)

	// RecordBreakerState exposes the circuit breaker state of a backing store
	RecordBreakerState(store string, state string)

	// GetRegistry returns the prometheus registry
	GetRegistry() *prometheus.Registry
}

// Config holds configuration for metrics collection
type Config struct {
	// Namespace for metrics (e.g., "gatekeeper")
	Namespace string

	// Subsystem for metrics (e.g., "http")
	Subsystem string

	// Enable histogram buckets for latency distribution
	EnableHistogram bool

	// Custom histogram buckets (in seconds)
	HistogramBuckets []float64

	// Enable per-method metrics
	EnablePerMethodMetrics bool

	// Constant labels to add to all metrics
	ConstLabels map[string]string
}

// DefaultConfig returns the default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace:              "gatekeeper",
		EnableHistogram:        true,
		EnablePerMethodMetrics: true,
		// Inference calls are slow; the upper buckets matter more than the
		// millisecond ones.
		HistogramBuckets: []float64{
			0.005, // 5ms
			0.025, // 25ms
			0.1,   // 100ms
			0.25,  // 250ms
			0.5,   // 500ms
			1.0,   // 1s
			2.5,   // 2.5s
			5.0,   // 5s
			10.0,  // 10s
			30.0,  // 30s
			60.0,  // 1m
		},
		ConstLabels: make(map[string]string),
	}
}

// ConfigOption is a function that configures a Config
type ConfigOption func(*Config)

// WithNamespace sets the namespace for metrics
func WithNamespace(namespace string) ConfigOption {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the subsystem for metrics
func WithSubsystem(subsystem string) ConfigOption {
	return func(c *Config) {
		c.Subsystem = subsystem
	}
}

// WithHistogramBuckets sets custom histogram buckets
func WithHistogramBuckets(buckets []float64) ConfigOption {
	return func(c *Config) {
		c.HistogramBuckets = buckets
	}
}

// WithConstLabels sets constant labels for all metrics
func WithConstLabels(labels map[string]string) ConfigOption {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithoutHistogram disables histogram metrics
func WithoutHistogram() ConfigOption {
	return func(c *Config) {
		c.EnableHistogram = false
	}
}

// WithoutPerMethodMetrics disables per-method metrics
func WithoutPerMethodMetrics() ConfigOption {
	return func(c *Config) {
		c.EnablePerMethodMetrics = false
	}
}
