package middleware

import (
	"context"
	"time"

	gatekeeper "github.com/studybuddy/gatekeeper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// TimeoutConfig holds configuration for timeout middleware
type TimeoutConfig struct {
	Timeout   time.Duration
	PerMethod map[string]time.Duration
	OnTimeout func(method string, timeout time.Duration)
}

// TimeoutOption is a functional option for timeout configuration
type TimeoutOption func(*TimeoutConfig)

// WithTimeout sets the default timeout duration
func WithTimeout(timeout time.Duration) TimeoutOption {
	return func(c *TimeoutConfig) {
		c.Timeout = timeout
	}
}

// WithMethodTimeout sets the timeout of one method
func WithMethodTimeout(method string, timeout time.Duration) TimeoutOption {
	return func(c *TimeoutConfig) {
		c.PerMethod[method] = timeout
	}
}

// WithTimeoutCallback sets a callback function when timeout occurs
func WithTimeoutCallback(callback func(method string, timeout time.Duration)) TimeoutOption {
	return func(c *TimeoutConfig) {
		c.OnTimeout = callback
	}
}

// Timeout bounds every call. The default is 10 seconds; inference calls
// usually need a per-method override. A handler that ignores its context
// keeps running in the background but the caller gets DeadlineExceeded.
func Timeout(opts ...TimeoutOption) gatekeeper.Middleware {
	// Default configuration
	config := &TimeoutConfig{
		Timeout:   10 * time.Second,
		PerMethod: make(map[string]time.Duration),
	}
	// Apply options
	for _, opt := range opts {
		opt(config)
	}

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		// Determine timeout for this method
		timeout := config.Timeout
		if methodTimeout, ok := config.PerMethod[info.FullMethod]; ok {
			timeout = methodTimeout
		}
		if timeout <= 0 {
			return handler(ctx, req)
		}

		// Create context with timeout
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		// Channel to receive handler result
		type result struct {
			resp interface{}
			err  error
		}
		resultChan := make(chan result, 1)

		// Execute handler in goroutine
		go func() {
			resp, err := handler(ctx, req)
			resultChan <- result{resp: resp, err: err}
		}()

		// Wait for either completion or timeout
		select {
		case res := <-resultChan:
			return res.resp, res.err
		case <-ctx.Done():
			if ctx.Err() == context.Canceled {
				return nil, status.Error(codes.Canceled, "request canceled by client")
			}
			// Timeout occurred
			if config.OnTimeout != nil {
				config.OnTimeout(info.FullMethod, timeout)
			}
			return nil, status.Errorf(codes.DeadlineExceeded, "request timeout after %v", timeout)
		}
	}
}
