// Package backend holds what the rate limiter and the response cache share
// about their backing stores: the unavailability error, the fail policy and
// a guard that bounds every store call with a timeout and a circuit breaker.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrUnavailable is returned when a backing store cannot be reached, times
// out, or its circuit breaker is open.
var ErrUnavailable = errors.New("backing store unavailable")

// FailPolicy decides what a component does when its store is unavailable.
type FailPolicy int

const (
	// FailOpen admits the request (or treats the lookup as a miss) and logs.
	FailOpen FailPolicy = iota
	// FailClosed rejects with ErrUnavailable.
	FailClosed
)

func (p FailPolicy) String() string {
	switch p {
	case FailOpen:
		return "open"
	case FailClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ParseFailPolicy accepts "open" or "closed" (case-insensitive).
func ParseFailPolicy(s string) (FailPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "open", "fail-open":
		return FailOpen, nil
	case "closed", "fail-closed":
		return FailClosed, nil
	default:
		return FailOpen, fmt.Errorf("unknown fail policy %q", s)
	}
}

// Status values reported by health checks.
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

// Pinger is implemented by every store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Status pings p within timeout and reports connectivity.
func Status(ctx context.Context, p Pinger, timeout time.Duration) string {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := p.Ping(ctx); err != nil {
		return StatusDisconnected
	}
	return StatusConnected
}

// Guard bounds store calls with a timeout and trips a circuit breaker on
// repeated failures. A Guard is safe for concurrent use.
type Guard struct {
	name    string
	timeout time.Duration
	breaker *Breaker
	logger  *zap.Logger
	onState func(name string, to State)
}

// GuardOption configures a Guard
type GuardOption func(*Guard)

// WithTimeout sets the per-call timeout. Zero disables it.
func WithTimeout(d time.Duration) GuardOption {
	return func(g *Guard) {
		g.timeout = d
	}
}

// WithBreaker replaces the default breaker.
func WithBreaker(b *Breaker) GuardOption {
	return func(g *Guard) {
		g.breaker = b
	}
}

// WithLogger sets the logger used for breaker state changes.
func WithLogger(logger *zap.Logger) GuardOption {
	return func(g *Guard) {
		g.logger = logger
	}
}

// WithStateListener is called after every transition of the default
// breaker, in addition to the log line.
func WithStateListener(fn func(name string, to State)) GuardOption {
	return func(g *Guard) {
		g.onState = fn
	}
}

// NewGuard creates a guard for the named store.
func NewGuard(name string, opts ...GuardOption) *Guard {
	g := &Guard{
		name:    name,
		timeout: 250 * time.Millisecond,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.breaker == nil {
		g.breaker = NewBreaker(WithOnStateChange(func(from, to State) {
			g.logger.Warn("store circuit breaker state changed",
				zap.String("store", g.name),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
			if g.onState != nil {
				g.onState(g.name, to)
			}
		}))
	}
	return g
}

// Name returns the store name the guard was created for.
func (g *Guard) Name() string {
	return g.name
}

// Do runs fn with a bounded context. Store failures come back wrapped in
// ErrUnavailable. If the caller's own context ends first, its error is
// returned as is and the breaker is not charged.
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	generation, err := g.breaker.beforeRequest()
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUnavailable, g.name, err)
	}

	callCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	err = fn(callCtx)
	if err != nil && ctx.Err() != nil {
		g.breaker.cancelRequest(generation)
		return ctx.Err()
	}

	g.breaker.afterRequest(generation, err)
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %s: %w", ErrUnavailable, g.name, err)
	}
	return nil
}

// State reports the breaker state.
func (g *Guard) State() State {
	return g.breaker.State()
}
