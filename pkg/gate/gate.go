// Package gate composes the rate limiter and the response cache in front of
// an expensive computation: admit the caller, serve from cache when
// possible, otherwise compute and remember the result.
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/studybuddy/gatekeeper/pkg/backend"
	"github.com/studybuddy/gatekeeper/pkg/cache"
	"github.com/studybuddy/gatekeeper/pkg/keys"
	"github.com/studybuddy/gatekeeper/pkg/ratelimit"
)

const tracerName = "github.com/studybuddy/gatekeeper/pkg/gate"

// Admission outcomes passed to Recorder.RecordAdmission.
const (
	OutcomeAdmitted = "admitted"
	OutcomeRejected = "rejected"
	OutcomeDegraded = "degraded"
	OutcomeError    = "error"
)

// Policy is the admission and caching configuration of one route.
type Policy struct {
	Calls      int
	Period     time.Duration
	KeyFunc    keys.RateKeyFunc // defaults to keys.ByEndpoint
	FailPolicy backend.FailPolicy
	CacheTTL   time.Duration // <= 0 caches without expiry
}

func (p Policy) rule() ratelimit.Rule {
	return ratelimit.Rule{Calls: p.Calls, Period: p.Period, FailPolicy: p.FailPolicy}
}

// Validate checks the admission part of the policy.
func (p Policy) Validate() error {
	return p.rule().Validate()
}

// Request describes one gated call.
type Request struct {
	Route    string
	Identity keys.Identity

	// Operation and Params derive the cache key. An empty Operation skips
	// the cache entirely.
	Operation string
	Params    []any

	// PerIdentity folds the caller's identity into the cache key so the
	// entry is only served back to the same caller and can be cleared with
	// ClearUser.
	PerIdentity bool
}

// Result is what Do returns on success.
type Result struct {
	Value     []byte
	FromCache bool
	Decision  ratelimit.Decision
}

// Recorder receives gate events. *metrics.PrometheusCollector implements it.
type Recorder interface {
	RecordAdmission(route, outcome string)
	RecordCacheLookup(route string, hit bool)
}

type nopRecorder struct{}

func (nopRecorder) RecordAdmission(string, string) {}
func (nopRecorder) RecordCacheLookup(string, bool) {}

// Gate is safe for concurrent use. No lock is held across its steps.
type Gate struct {
	limiter  *ratelimit.Limiter
	cache    *cache.Cache
	routes   map[string]Policy
	fallback Policy
	logger   *zap.Logger
	recorder Recorder
	tracer   trace.Tracer

	flight *singleflight.Group
}

// Option configures a Gate
type Option func(*Gate)

// WithRoute sets the policy of route.
func WithRoute(route string, p Policy) Option {
	return func(g *Gate) {
		g.routes[route] = p
	}
}

// WithDefaultPolicy sets the policy of routes without their own.
func WithDefaultPolicy(p Policy) Option {
	return func(g *Gate) {
		g.fallback = p
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(g *Gate) {
		g.logger = logger
	}
}

// WithRecorder sets the metrics recorder
func WithRecorder(r Recorder) Option {
	return func(g *Gate) {
		g.recorder = r
	}
}

// WithTracerProvider overrides the global tracer provider
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(g *Gate) {
		g.tracer = tp.Tracer(tracerName)
	}
}

// WithSingleFlight collapses concurrent misses on the same cache key into
// one computation.
func WithSingleFlight() Option {
	return func(g *Gate) {
		g.flight = &singleflight.Group{}
	}
}

// DefaultScope names the default policy in rate-limit keys. Every route
// without its own policy shares it.
const DefaultScope = "default"

// DefaultPolicy is the general traffic limit: 100 requests per minute per
// client address.
func DefaultPolicy() Policy {
	return Policy{
		Calls:    100,
		Period:   time.Minute,
		KeyFunc:  keys.ByClient,
		CacheTTL: time.Hour,
	}
}

// New creates a gate. Every configured policy is validated.
func New(limiter *ratelimit.Limiter, c *cache.Cache, opts ...Option) (*Gate, error) {
	g := &Gate{
		limiter:  limiter,
		cache:    c,
		routes:   make(map[string]Policy),
		fallback: DefaultPolicy(),
		logger:   zap.NewNop(),
		recorder: nopRecorder{},
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(g)
	}

	if _, ok := g.routes[DefaultScope]; ok {
		return nil, fmt.Errorf("route name %q is reserved for the default policy", DefaultScope)
	}
	if err := g.fallback.Validate(); err != nil {
		return nil, fmt.Errorf("default policy: %w", err)
	}
	for route, p := range g.routes {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("policy for %s: %w", route, err)
		}
	}
	return g, nil
}

// Policy returns the policy applied to route.
func (g *Gate) Policy(route string) Policy {
	if p, ok := g.routes[route]; ok {
		return p
	}
	return g.fallback
}

// Cache exposes the underlying cache.
func (g *Gate) Cache() *cache.Cache {
	return g.cache
}

// Admit runs the admission step for identity on route. A rejection comes
// back as a *RateLimitError together with the decision.
func (g *Gate) Admit(ctx context.Context, route string, id keys.Identity) (ratelimit.Decision, error) {
	ctx, span := g.tracer.Start(ctx, "gate.admit", trace.WithAttributes(
		attribute.String("gate.route", route),
	))
	defer span.End()

	p, scope := g.fallback, DefaultScope
	if rp, ok := g.routes[route]; ok {
		p, scope = rp, route
	}
	keyFunc := p.KeyFunc
	if keyFunc == nil {
		keyFunc = keys.ByEndpoint
	}

	key, err := keyFunc(scope, route, id)
	if err != nil {
		g.recorder.RecordAdmission(route, OutcomeError)
		recordSpanError(span, err)
		return ratelimit.Decision{}, err
	}

	d, err := g.limiter.Admit(ctx, key, p.rule())
	if err != nil {
		g.recorder.RecordAdmission(route, OutcomeError)
		recordSpanError(span, err)
		return d, err
	}

	span.SetAttributes(
		attribute.Bool("gate.admitted", d.Admitted),
		attribute.Int("gate.remaining", d.Remaining),
	)
	switch {
	case !d.Admitted:
		g.recorder.RecordAdmission(route, OutcomeRejected)
		g.logger.Info("rate limit exceeded",
			zap.String("route", route),
			zap.String("key", key),
			zap.Duration("retry_after", d.RetryAfter),
		)
		return d, &RateLimitError{
			Route:      route,
			Limit:      d.Limit,
			Period:     p.Period,
			RetryAfter: d.RetryAfter,
			ResetAt:    d.ResetAt,
		}
	case d.Degraded:
		g.recorder.RecordAdmission(route, OutcomeDegraded)
	default:
		g.recorder.RecordAdmission(route, OutcomeAdmitted)
	}
	return d, nil
}

// Do admits req, then serves it from cache or computes and caches it.
// A rejected request never touches the cache or compute.
func (g *Gate) Do(ctx context.Context, req Request, compute func(ctx context.Context) ([]byte, error)) (Result, error) {
	d, err := g.Admit(ctx, req.Route, req.Identity)
	if err != nil {
		return Result{Decision: d}, err
	}

	if req.Operation == "" {
		value, err := g.compute(ctx, compute)
		return Result{Value: value, Decision: d}, err
	}

	key, err := g.CacheKey(req)
	if err != nil {
		return Result{Decision: d}, err
	}

	value, fromCache, err := g.remember(ctx, req.Route, key, g.Policy(req.Route).CacheTTL, compute)
	return Result{Value: value, FromCache: fromCache, Decision: d}, err
}

// Remember runs only the cache steps: return the value cached under key,
// or compute it and cache it for ttl.
func (g *Gate) Remember(ctx context.Context, key string, ttl time.Duration, compute func(ctx context.Context) ([]byte, error)) ([]byte, bool, error) {
	return g.remember(ctx, "", key, ttl, compute)
}

// RememberRoute is Remember with lookups recorded against route.
func (g *Gate) RememberRoute(ctx context.Context, route, key string, ttl time.Duration, compute func(ctx context.Context) ([]byte, error)) ([]byte, bool, error) {
	return g.remember(ctx, route, key, ttl, compute)
}

func (g *Gate) remember(ctx context.Context, route, key string, ttl time.Duration, compute func(ctx context.Context) ([]byte, error)) ([]byte, bool, error) {
	ctx, span := g.tracer.Start(ctx, "gate.cache", trace.WithAttributes(
		attribute.String("gate.route", route),
		attribute.String("gate.cache_key", key),
	))
	defer span.End()

	value, found, err := g.cache.Get(ctx, key)
	if err != nil {
		recordSpanError(span, err)
		return nil, false, err
	}
	span.SetAttributes(attribute.Bool("gate.cache_hit", found))
	g.recorder.RecordCacheLookup(route, found)
	if found {
		return value, true, nil
	}

	fill := func() ([]byte, error) {
		value, err := g.compute(ctx, compute)
		if err != nil {
			return nil, err
		}
		if err := g.cache.Set(ctx, key, value, ttl); err != nil {
			// The value is still good; only remembering it failed.
			g.logger.Warn("cache set failed",
				zap.String("key", key),
				zap.Error(err),
			)
		}
		return value, nil
	}

	if g.flight == nil {
		value, err = fill()
	} else {
		var v any
		v, err, _ = g.flight.Do(key, func() (any, error) {
			return fill()
		})
		value, _ = v.([]byte)
	}
	if err != nil {
		recordSpanError(span, err)
		return nil, false, err
	}
	return value, false, nil
}

func (g *Gate) compute(ctx context.Context, compute func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	ctx, span := g.tracer.Start(ctx, "gate.compute")
	defer span.End()

	value, err := compute(ctx)
	if err != nil {
		recordSpanError(span, err)
	}
	return value, err
}

// CacheKey derives the cache key of req.
func (g *Gate) CacheKey(req Request) (string, error) {
	op := req.Operation
	if req.PerIdentity {
		idKey, err := req.Identity.Key()
		if err != nil {
			return "", err
		}
		op += ":" + idKey
	}
	return keys.Hash(op, req.Params...)
}

// ClearCache removes every cache entry matching the glob pattern.
func (g *Gate) ClearCache(ctx context.Context, pattern string) (int, error) {
	if pattern == "" {
		pattern = "*"
	}
	return g.cache.Invalidate(ctx, pattern)
}

// ClearUser removes every entry cached for userID. Only whole user segments
// match, so clearing "bob" leaves "bob2" alone.
func (g *Gate) ClearUser(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, fmt.Errorf("%w: empty user id", ErrInvalidKey)
	}
	return g.invalidate(ctx, "*:user:"+keys.Escape(userID)+":*")
}

// ClearModel removes the availability check of model and every answer
// cached for it. "llama3" does not match "llama3.2".
func (g *Gate) ClearModel(ctx context.Context, model string) (int, error) {
	if model == "" {
		return 0, fmt.Errorf("%w: empty model name", ErrInvalidKey)
	}
	m := keys.Escape(model)
	return g.invalidate(ctx, "model:"+m, "*:model:"+m+":*")
}

func (g *Gate) invalidate(ctx context.Context, patterns ...string) (int, error) {
	total := 0
	for _, pattern := range patterns {
		n, err := g.cache.Invalidate(ctx, pattern)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Health is the connectivity report served by the health endpoints.
type Health struct {
	RateLimitStore string      `json:"rate_limit_store"`
	Cache          string      `json:"cache"`
	CacheStats     cache.Stats `json:"cache_stats"`
}

// Healthy reports whether both stores answered.
func (h Health) Healthy() bool {
	return h.RateLimitStore == backend.StatusConnected && h.Cache == backend.StatusConnected
}

// Health pings both stores.
func (g *Gate) Health(ctx context.Context) Health {
	return Health{
		RateLimitStore: backend.Status(ctx, g.limiter, time.Second),
		Cache:          g.cache.Status(ctx),
		CacheStats:     g.cache.Stats(ctx),
	}
}

func recordSpanError(span trace.Span, err error) {
	if errors.Is(err, ErrRateLimitExceeded) {
		return
	}
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, err.Error())
}
