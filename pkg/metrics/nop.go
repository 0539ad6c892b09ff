package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Nop discards everything. Its registry is empty.
type Nop struct{}

func (Nop) RecordRequest(string, string, time.Duration) {}
func (Nop) RecordError(string, string)                  {}
func (Nop) RecordActiveRequests(string, int)            {}
func (Nop) RecordAdmission(string, string)              {}
func (Nop) RecordCacheLookup(string, bool)              {}
func (Nop) RecordBreakerState(string, string)           {}
func (Nop) GetRegistry() *prometheus.Registry           { return prometheus.NewRegistry() }

var _ MetricsCollector = Nop{}
var _ MetricsCollector = (*PrometheusCollector)(nil)
