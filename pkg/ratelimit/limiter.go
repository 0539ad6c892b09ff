// Package ratelimit implements fixed-window admission control keyed by
// rate-limit keys, on top of a pluggable Store.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/studybuddy/gatekeeper/pkg/backend"
)

// ErrClosed is returned by stores used after Close.
var ErrClosed = errors.New("rate limit store closed")

// Rule is the limit applied to one key: at most Calls admissions per Period.
type Rule struct {
	Calls      int
	Period     time.Duration
	FailPolicy backend.FailPolicy
}

// Validate reports whether the rule can be enforced.
func (r Rule) Validate() error {
	if r.Calls < 1 {
		return fmt.Errorf("rate limit calls must be >= 1, got %d", r.Calls)
	}
	// Redis expires windows in whole milliseconds.
	if r.Period < time.Millisecond {
		return fmt.Errorf("rate limit period must be >= 1ms, got %s", r.Period)
	}
	return nil
}

func (r Rule) String() string {
	return fmt.Sprintf("%d/%s", r.Calls, r.Period)
}

// Window is the state of one key: admissions so far and when the window
// opened.
type Window struct {
	Count int64
	Start time.Time
}

// Store persists windows. Take must run the whole check-and-increment for
// one key atomically: concurrent callers must never both see a free slot
// when only one is left.
type Store interface {
	// Take admits one request for key at now under rule, returning the
	// window after the attempt and whether the request was admitted.
	// A rejected attempt leaves the window unchanged.
	Take(ctx context.Context, key string, rule Rule, now time.Time) (Window, bool, error)

	Ping(ctx context.Context) error
	Close() error
}

// Decision is the outcome of an admission check.
type Decision struct {
	Admitted   bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration // zero when admitted
	ResetAt    time.Time
	// Degraded is set when the store failed and the rule's fail-open
	// policy admitted the request without counting it.
	Degraded bool
}

// Limiter admits or rejects requests per key.
type Limiter struct {
	store  Store
	guard  *backend.Guard
	now    func() time.Time
	logger *zap.Logger
}

// Option configures a Limiter
type Option func(*Limiter)

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// WithLogger sets the logger used to report store failures
func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

// WithGuard sets the guard bounding store calls
func WithGuard(g *backend.Guard) Option {
	return func(l *Limiter) {
		l.guard = g
	}
}

// New creates a limiter over store.
func New(store Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.guard == nil {
		l.guard = backend.NewGuard("ratelimit", backend.WithLogger(l.logger))
	}
	return l
}

// Admit counts one request against key under rule.
//
// A rejection is not an error: it comes back as Decision{Admitted: false}
// with RetryAfter set. Errors are store failures under a fail-closed rule
// (wrapping backend.ErrUnavailable), an invalid rule, or the caller's
// context ending.
func (l *Limiter) Admit(ctx context.Context, key string, rule Rule) (Decision, error) {
	if err := rule.Validate(); err != nil {
		return Decision{}, err
	}

	now := l.now()

	var (
		window   Window
		admitted bool
	)
	err := l.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		window, admitted, err = l.store.Take(ctx, key, rule, now)
		return err
	})
	if err != nil {
		if !errors.Is(err, backend.ErrUnavailable) {
			return Decision{}, err
		}
		if rule.FailPolicy == backend.FailClosed {
			l.logger.Error("rate limit store unavailable, rejecting",
				zap.String("key", key),
				zap.Error(err),
			)
			return Decision{}, err
		}
		l.logger.Warn("rate limit store unavailable, admitting",
			zap.String("key", key),
			zap.Error(err),
		)
		return Decision{
			Admitted:  true,
			Limit:     rule.Calls,
			Remaining: rule.Calls,
			ResetAt:   now.Add(rule.Period),
			Degraded:  true,
		}, nil
	}

	resetAt := window.Start.Add(rule.Period)
	d := Decision{
		Admitted:  admitted,
		Limit:     rule.Calls,
		Remaining: max(0, rule.Calls-int(window.Count)),
		ResetAt:   resetAt,
	}
	if !admitted {
		d.RetryAfter = max(0, resetAt.Sub(now))
	}
	return d, nil
}

// Ping checks the store.
func (l *Limiter) Ping(ctx context.Context) error {
	return l.store.Ping(ctx)
}

// Close releases the store.
func (l *Limiter) Close() error {
	return l.store.Close()
}

// take is the shared window arithmetic used by in-process stores.
func take(w Window, found bool, rule Rule, now time.Time) (Window, bool) {
	if !found || now.Sub(w.Start) >= rule.Period {
		return Window{Count: 1, Start: now}, true
	}
	if w.Count < int64(rule.Calls) {
		w.Count++
		return w, true
	}
	return w, false
}
