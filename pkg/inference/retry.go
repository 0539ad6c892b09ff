package inference

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"net/http"
	"time"
)

// backoff is exponential backoff with optional full jitter.
type backoff struct {
	maxAttempts int
	initial     time.Duration
	max         time.Duration
	multiplier  float64
	jitter      bool
}

func defaultBackoff() backoff {
	return backoff{
		maxAttempts: 3,
		initial:     200 * time.Millisecond,
		max:         5 * time.Second,
		multiplier:  2.0,
		jitter:      true,
	}
}

// delay returns how long to wait after the given failed attempt (1-based).
func (b backoff) delay(attempt int) time.Duration {
	d := float64(b.initial) * math.Pow(b.multiplier, float64(attempt-1))
	if d > float64(b.max) {
		d = float64(b.max)
	}
	if b.jitter {
		d = rand.Float64() * d
	}
	return time.Duration(d)
}

// sleep waits d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retryable reports whether err is worth another attempt: transport
// failures and the statuses Ollama returns while busy or loading.
func retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch se.Code {
		case http.StatusTooManyRequests, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
