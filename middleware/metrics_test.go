package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/studybuddy/gatekeeper/pkg/metrics"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func counterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if matchLabels(m, labels) {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func matchLabels(m *dto.Metric, want map[string]string) bool {
	got := make(map[string]string)
	for _, lp := range m.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

func TestMetricsMiddleware(t *testing.T) {
	collector, err := metrics.NewPrometheusCollector()
	if err != nil {
		t.Fatalf("Failed to create metrics collector: %v", err)
	}
	middleware := Metrics(collector)

	t.Run("successful request", func(t *testing.T) {
		resp, err := middleware(context.Background(), "req", mockInfo(askMethod), func(ctx context.Context, req interface{}) (interface{}, error) {
			time.Sleep(5 * time.Millisecond)
			return "response", nil
		})
		if err != nil {
			t.Errorf("Expected no error, got: %v", err)
		}
		if resp != "response" {
			t.Errorf("Expected response 'response', got: %v", resp)
		}

		got := counterValue(t, collector.GetRegistry(), "gatekeeper_requests_total", map[string]string{"method": askMethod, "code": "OK"})
		if got != 1 {
			t.Errorf("Expected requests_total to be 1, got: %f", got)
		}
	})

	t.Run("error request", func(t *testing.T) {
		_, err := middleware(context.Background(), "req", mockInfo(askMethod), func(ctx context.Context, req interface{}) (interface{}, error) {
			return nil, status.Error(codes.ResourceExhausted, "slow down")
		})
		if status.Code(err) != codes.ResourceExhausted {
			t.Errorf("Expected the handler error back, got: %v", err)
		}

		got := counterValue(t, collector.GetRegistry(), "gatekeeper_errors_total", map[string]string{"method": askMethod, "error_type": "ResourceExhausted"})
		if got != 1 {
			t.Errorf("Expected errors_total to be 1, got: %f", got)
		}
	})

	t.Run("plain error", func(t *testing.T) {
		_, _ = middleware(context.Background(), "req", mockInfo(askMethod), func(ctx context.Context, req interface{}) (interface{}, error) {
			return nil, context.DeadlineExceeded
		})

		got := counterValue(t, collector.GetRegistry(), "gatekeeper_requests_total", map[string]string{"method": askMethod, "code": "Unknown"})
		if got != 1 {
			t.Errorf("Expected an Unknown request, got: %f", got)
		}
	})
}
