package gate

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/studybuddy/gatekeeper/pkg/backend"
	"github.com/studybuddy/gatekeeper/pkg/cache"
	"github.com/studybuddy/gatekeeper/pkg/keys"
)

var (
	// ErrRateLimitExceeded matches every *RateLimitError.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrStoreUnavailable is returned when a backing store failed under a
	// fail-closed policy.
	ErrStoreUnavailable = backend.ErrUnavailable

	// ErrInvalidKey is returned when no rate or cache key can be derived.
	ErrInvalidKey = keys.ErrInvalidKey

	// ErrInvalidPattern is returned by the Clear methods for bad globs.
	ErrInvalidPattern = cache.ErrInvalidPattern
)

// RateLimitError is returned by Admit and Do when a request is rejected.
type RateLimitError struct {
	Route      string
	Limit      int
	Period     time.Duration
	RetryAfter time.Duration
	ResetAt    time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: %d requests allowed, retry after %s",
		e.Route, e.Limit, e.RetryAfter)
}

// Is makes errors.Is(err, ErrRateLimitExceeded) hold.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimitExceeded
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, never below one,
// as required by the Retry-After header.
func (e *RateLimitError) RetryAfterSeconds() int {
	return max(1, int(math.Ceil(e.RetryAfter.Seconds())))
}
