package middleware

import (
	"context"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func sleepingHandler(d time.Duration) grpc.UnaryHandler {
	return func(ctx context.Context, req interface{}) (interface{}, error) {
		select {
		case <-time.After(d):
			return "success", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func TestTimeout_Success(t *testing.T) {
	timeout := Timeout(WithTimeout(1 * time.Second))

	resp, err := timeout(context.Background(), "request", mockInfo("/test.Service/Method"), sleepingHandler(10*time.Millisecond))
	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if resp != "success" {
		t.Errorf("Expected 'success', got %v", resp)
	}
}

func TestTimeout_Exceeded(t *testing.T) {
	timeout := Timeout(WithTimeout(50 * time.Millisecond))

	start := time.Now()
	resp, err := timeout(context.Background(), "request", mockInfo("/test.Service/Method"), func(ctx context.Context, req interface{}) (interface{}, error) {
		// Ignores its context on purpose.
		time.Sleep(300 * time.Millisecond)
		return "success", nil
	})
	duration := time.Since(start)

	if resp != nil {
		t.Errorf("Expected nil response, got %v", resp)
	}
	if status.Code(err) != codes.DeadlineExceeded {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}
	if duration > 250*time.Millisecond {
		t.Errorf("Caller waited for the handler: %v", duration)
	}
}

func TestTimeout_WithCallback(t *testing.T) {
	var gotMethod string
	var gotTimeout time.Duration
	timeout := Timeout(
		WithTimeout(20*time.Millisecond),
		WithTimeoutCallback(func(method string, d time.Duration) {
			gotMethod, gotTimeout = method, d
		}),
	)

	_, _ = timeout(context.Background(), "request", mockInfo("/test.Service/Slow"), sleepingHandler(time.Second))

	if gotMethod != "/test.Service/Slow" {
		t.Errorf("Expected callback for /test.Service/Slow, got %q", gotMethod)
	}
	if gotTimeout != 20*time.Millisecond {
		t.Errorf("Expected 20ms, got %v", gotTimeout)
	}
}

func TestTimeout_PerMethod(t *testing.T) {
	timeout := Timeout(
		WithTimeout(20*time.Millisecond),
		WithMethodTimeout(askMethod, time.Second),
	)

	if _, err := timeout(context.Background(), "request", mockInfo(askMethod), sleepingHandler(100*time.Millisecond)); err != nil {
		t.Errorf("Chat has a longer budget, got %v", err)
	}
	if _, err := timeout(context.Background(), "request", mockInfo("/test.Service/Other"), sleepingHandler(100*time.Millisecond)); status.Code(err) != codes.DeadlineExceeded {
		t.Errorf("Expected DeadlineExceeded for the default budget, got %v", err)
	}
}

func TestTimeout_ContextCancellation(t *testing.T) {
	timeout := Timeout(WithTimeout(time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := timeout(ctx, "request", mockInfo("/test.Service/Method"), func(ctx context.Context, req interface{}) (interface{}, error) {
		time.Sleep(500 * time.Millisecond)
		return "late", nil
	})
	if status.Code(err) != codes.Canceled {
		t.Errorf("Expected Canceled, got %v", err)
	}
}

func TestTimeout_ZeroDuration(t *testing.T) {
	timeout := Timeout(WithMethodTimeout(askMethod, 0))

	resp, err := timeout(context.Background(), "request", mockInfo(askMethod), sleepingHandler(10*time.Millisecond))
	if err != nil || resp != "success" {
		t.Errorf("Zero timeout disables the bound, got %v, %v", resp, err)
	}
}
