package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector implements MetricsCollector for Prometheus
type PrometheusCollector struct {
	config   *Config
	registry *prometheus.Registry

	// Request metrics
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	activeRequests  *prometheus.GaugeVec

	// Error metrics
	errorsTotal *prometheus.CounterVec

	// Gate metrics
	admissionsTotal *prometheus.CounterVec
	cacheLookups    *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec
}

// NewPrometheusCollector creates a new Prometheus metrics collector
func NewPrometheusCollector(opts ...ConfigOption) (*PrometheusCollector, error) {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(config)
	}

	registry := prometheus.NewRegistry()
	collector := &PrometheusCollector{
		config:   config,
		registry: registry,
	}

	// Initialize metrics
	if err := collector.initMetrics(); err != nil {
		return nil, err
	}

	return collector, nil
}

// initMetrics initializes all Prometheus metrics
func (p *PrometheusCollector) initMetrics() error {
	labels := []string{"method", "code"}
	if !p.config.EnablePerMethodMetrics {
		labels = []string{"code"}
	}

	// Total requests counter
	p.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "requests_total",
			Help:        "Total number of requests handled",
			ConstLabels: p.config.ConstLabels,
		},
		labels,
	)

	// Request duration histogram
	if p.config.EnableHistogram {
		p.requestDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   p.config.Namespace,
				Subsystem:   p.config.Subsystem,
				Name:        "request_duration_seconds",
				Help:        "Histogram of request duration in seconds",
				Buckets:     p.config.HistogramBuckets,
				ConstLabels: p.config.ConstLabels,
			},
			labels,
		)
	}

	// Active requests gauge
	gaugeLabels := []string{"method"}
	if !p.config.EnablePerMethodMetrics {
		gaugeLabels = []string{}
	}

	p.activeRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "active_requests",
			Help:        "Number of requests in flight",
			ConstLabels: p.config.ConstLabels,
		},
		gaugeLabels,
	)

	// Total errors counter
	errorLabels := []string{"method", "error_type"}
	if !p.config.EnablePerMethodMetrics {
		errorLabels = []string{"error_type"}
	}

	p.errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "errors_total",
			Help:        "Total number of failed requests",
			ConstLabels: p.config.ConstLabels,
		},
		errorLabels,
	)

	p.admissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "ratelimit_decisions_total",
			Help:        "Rate limit decisions by route and outcome",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"route", "outcome"},
	)

	p.cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "cache_lookups_total",
			Help:        "Response cache lookups by route and result",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"route", "result"},
	)

	p.breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "store_breaker_state",
			Help:        "Circuit breaker state per backing store (0 closed, 1 half-open, 2 open)",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"store"},
	)

	// Register all metrics
	p.registry.MustRegister(
		p.requestsTotal,
		p.activeRequests,
		p.errorsTotal,
		p.admissionsTotal,
		p.cacheLookups,
		p.breakerState,
		collectors.NewGoCollector(),
	)

	if p.config.EnableHistogram {
		p.registry.MustRegister(p.requestDuration)
	}

	return nil
}

// RecordRequest records a completed request
func (p *PrometheusCollector) RecordRequest(method string, code string, duration time.Duration) {
	if p.config.EnablePerMethodMetrics {
		p.requestsTotal.WithLabelValues(method, code).Inc()
		if p.config.EnableHistogram {
			p.requestDuration.WithLabelValues(method, code).Observe(duration.Seconds())
		}
	} else {
		p.requestsTotal.WithLabelValues(code).Inc()
		if p.config.EnableHistogram {
			p.requestDuration.WithLabelValues(code).Observe(duration.Seconds())
		}
	}
}

// RecordError records an error occurrence
func (p *PrometheusCollector) RecordError(method string, errorType string) {
	if p.config.EnablePerMethodMetrics {
		p.errorsTotal.WithLabelValues(method, errorType).Inc()
	} else {
		p.errorsTotal.WithLabelValues(errorType).Inc()
	}
}

// RecordActiveRequests updates the active requests gauge
func (p *PrometheusCollector) RecordActiveRequests(method string, delta int) {
	if p.config.EnablePerMethodMetrics {
		p.activeRequests.WithLabelValues(method).Add(float64(delta))
	} else {
		p.activeRequests.WithLabelValues().Add(float64(delta))
	}
}

// RecordAdmission counts a rate limit decision
func (p *PrometheusCollector) RecordAdmission(route string, outcome string) {
	p.admissionsTotal.WithLabelValues(routeLabel(route), outcome).Inc()
}

// RecordCacheLookup counts a cache hit or miss
func (p *PrometheusCollector) RecordCacheLookup(route string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	p.cacheLookups.WithLabelValues(routeLabel(route), result).Inc()
}

// RecordBreakerState sets the breaker gauge of store
func (p *PrometheusCollector) RecordBreakerState(store string, state string) {
	var v float64
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	p.breakerState.WithLabelValues(store).Set(v)
}

// CacheCounters is what ObserveCache reads; *cache.Cache satisfies it.
type CacheCounters interface {
	Hits() uint64
	Misses() uint64
}

// ObserveCache exports the cache's own hit and miss counters, which also
// cover lookups made outside the gate.
func (p *PrometheusCollector) ObserveCache(c CacheCounters) {
	p.registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "cache_hits_total",
			Help:        "Response cache hits",
			ConstLabels: p.config.ConstLabels,
		}, func() float64 { return float64(c.Hits()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "cache_misses_total",
			Help:        "Response cache misses",
			ConstLabels: p.config.ConstLabels,
		}, func() float64 { return float64(c.Misses()) }),
	)
}

// GetRegistry returns the Prometheus registry
func (p *PrometheusCollector) GetRegistry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format
func (p *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// MustRegister registers a custom collector
func (p *PrometheusCollector) MustRegister(collectors ...prometheus.Collector) {
	p.registry.MustRegister(collectors...)
}

// Unregister unregisters a collector
func (p *PrometheusCollector) Unregister(collector prometheus.Collector) bool {
	return p.registry.Unregister(collector)
}

func routeLabel(route string) string {
	if route == "" {
		return "internal"
	}
	return route
}
