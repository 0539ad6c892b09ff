package middleware

import (
	"context"
	"time"

	gatekeeper "github.com/studybuddy/gatekeeper"
	"github.com/studybuddy/gatekeeper/pkg/metrics"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Metrics records every call in collector
func Metrics(collector metrics.MetricsCollector) gatekeeper.Middleware {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		method := info.FullMethod
		start := time.Now()

		// Increment active requests
		collector.RecordActiveRequests(method, 1)
		defer collector.RecordActiveRequests(method, -1)

		// Call the handler
		resp, err := handler(ctx, req)

		// Record duration and status
		duration := time.Since(start)
		code := codes.OK
		if err != nil {
			st, ok := status.FromError(err)
			if ok {
				code = st.Code()
			} else {
				code = codes.Unknown
			}
			collector.RecordError(method, code.String())
		}

		collector.RecordRequest(method, code.String(), duration)

		return resp, err
	}
}
