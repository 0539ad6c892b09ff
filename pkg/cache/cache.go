package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/studybuddy/gatekeeper/pkg/backend"
)

// ErrInvalidPattern is returned by Invalidate for malformed glob patterns.
var ErrInvalidPattern = errors.New("invalid cache pattern")

// Stats holds cache statistics. Counters are best-effort.
type Stats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Sets        uint64  `json:"sets"`
	Invalidated uint64  `json:"invalidated"`
	Errors      uint64  `json:"errors"`
	Size        int     `json:"size"` // -1 when the backend could not be asked
	HitRate     float64 `json:"hit_rate"`
}

// Cache is the response cache. It is safe for concurrent use.
//
// Get, Set and Delete run through the guard. Invalidate walks the whole
// namespace and runs through a separate bulk guard with a longer timeout,
// so a slow scan never opens the breaker that protects lookups. The size
// reported by Stats bypasses both and is remembered for a few seconds.
type Cache struct {
	backend Backend
	guard   *backend.Guard
	bulk    *backend.Guard
	policy  backend.FailPolicy
	logger  *zap.Logger

	sizeMu       sync.Mutex
	size         int
	sizeAt       time.Time
	sizeInterval time.Duration
	sizeTimeout  time.Duration
	now          func() time.Time

	hits        atomic.Uint64
	misses      atomic.Uint64
	sets        atomic.Uint64
	invalidated atomic.Uint64
	failures    atomic.Uint64
}

// Option configures a Cache
type Option func(*Cache)

// WithFailPolicy sets what Get and Set do when the backend is unavailable
func WithFailPolicy(p backend.FailPolicy) Option {
	return func(c *Cache) {
		c.policy = p
	}
}

// WithGuard sets the guard bounding backend calls
func WithGuard(g *backend.Guard) Option {
	return func(c *Cache) {
		c.guard = g
	}
}

// WithBulkGuard sets the guard bounding Invalidate
func WithBulkGuard(g *backend.Guard) Option {
	return func(c *Cache) {
		c.bulk = g
	}
}

// WithSizeInterval sets how long the size reported by Stats is reused.
// Zero asks the backend on every call.
func WithSizeInterval(d time.Duration) Option {
	return func(c *Cache) {
		c.sizeInterval = d
	}
}

// WithLogger sets the logger used to report backend failures
func WithLogger(logger *zap.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// New wraps b. The default policy is fail-open.
func New(b Backend, opts ...Option) *Cache {
	c := &Cache{
		backend:      b,
		policy:       backend.FailOpen,
		logger:       zap.NewNop(),
		sizeInterval: 5 * time.Second,
		sizeTimeout:  time.Second,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.guard == nil {
		c.guard = backend.NewGuard("cache", backend.WithLogger(c.logger))
	}
	if c.bulk == nil {
		c.bulk = backend.NewGuard("cache_bulk",
			backend.WithTimeout(30*time.Second),
			backend.WithLogger(c.logger),
		)
	}
	return c
}

// Get returns the cached value for key. A miss (found == false) covers both
// keys that were never set and keys whose TTL has elapsed.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		value []byte
		found bool
	)
	err := c.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		value, found, err = c.backend.Get(ctx, key)
		return err
	})
	if err != nil {
		if err = c.failed("get", key, err); err != nil {
			return nil, false, err
		}
		c.misses.Inc()
		return nil, false, nil
	}

	if found {
		c.hits.Inc()
	} else {
		c.misses.Inc()
	}
	return value, found, nil
}

// Set stores value under key for ttl, overwriting any previous value.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := c.guard.Do(ctx, func(ctx context.Context) error {
		return c.backend.Set(ctx, key, value, ttl)
	})
	if err != nil {
		return c.failed("set", key, err)
	}
	c.sets.Inc()
	return nil
}

// Delete removes key. Errors are always returned.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.guard.Do(ctx, func(ctx context.Context) error {
		return c.backend.Delete(ctx, key)
	})
}

// Invalidate removes every entry whose key matches the glob pattern ("*"
// clears everything) and returns the number removed. Unlike Get and Set it
// reports backend failures regardless of the fail policy.
func (c *Cache) Invalidate(ctx context.Context, pattern string) (int, error) {
	if _, err := glob.Compile(pattern); err != nil {
		return 0, fmt.Errorf("%w %q: %v", ErrInvalidPattern, pattern, err)
	}

	var removed int
	err := c.bulk.Do(ctx, func(ctx context.Context) error {
		var err error
		removed, err = c.backend.Invalidate(ctx, pattern)
		return err
	})
	if err != nil {
		c.failures.Inc()
		return removed, err
	}

	c.invalidated.Add(uint64(removed))
	c.forgetSize()
	c.logger.Info("cache invalidated",
		zap.String("pattern", pattern),
		zap.Int("removed", removed),
	)
	return removed, nil
}

// failed applies the fail policy to a backend error. A nil return means
// the caller should carry on as if the key were absent.
func (c *Cache) failed(op, key string, err error) error {
	if !errors.Is(err, backend.ErrUnavailable) {
		return err
	}
	c.failures.Inc()
	if c.policy == backend.FailClosed {
		c.logger.Error("cache backend unavailable",
			zap.String("op", op),
			zap.String("key", key),
			zap.Error(err),
		)
		return err
	}
	c.logger.Warn("cache backend unavailable, bypassing cache",
		zap.String("op", op),
		zap.String("key", key),
		zap.Error(err),
	)
	return nil
}

// Stats returns a snapshot of the counters and the backend size.
func (c *Cache) Stats(ctx context.Context) Stats {
	s := Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Sets:        c.sets.Load(),
		Invalidated: c.invalidated.Load(),
		Errors:      c.failures.Load(),
		Size:        -1,
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}

	s.Size = c.currentSize(ctx)
	return s
}

// currentSize asks the backend for its size at most once per interval.
// Failures report -1 and are not charged to any breaker.
func (c *Cache) currentSize(ctx context.Context) int {
	c.sizeMu.Lock()
	defer c.sizeMu.Unlock()

	now := c.now()
	if c.sizeInterval > 0 && !c.sizeAt.IsZero() && now.Sub(c.sizeAt) < c.sizeInterval {
		return c.size
	}

	ctx, cancel := context.WithTimeout(ctx, c.sizeTimeout)
	defer cancel()
	n, err := c.backend.Len(ctx)
	if err != nil {
		n = -1
	}
	c.size, c.sizeAt = n, now
	return n
}

func (c *Cache) forgetSize() {
	c.sizeMu.Lock()
	c.sizeAt = time.Time{}
	c.sizeMu.Unlock()
}

// Hits returns the hit counter.
func (c *Cache) Hits() uint64 { return c.hits.Load() }

// Misses returns the miss counter.
func (c *Cache) Misses() uint64 { return c.misses.Load() }

// Status reports "connected" or "disconnected".
func (c *Cache) Status(ctx context.Context) string {
	return backend.Status(ctx, c.backend, time.Second)
}

// Ping checks the backend.
func (c *Cache) Ping(ctx context.Context) error {
	return c.backend.Ping(ctx)
}

// Close releases the backend.
func (c *Cache) Close() error {
	return c.backend.Close()
}

// GetJSON decodes the cached value for key into a T. A value that no
// longer decodes is treated as a miss.
func GetJSON[T any](ctx context.Context, c *Cache, key string) (T, bool, error) {
	var v T
	data, found, err := c.Get(ctx, key)
	if err != nil || !found {
		return v, false, err
	}
	if err := json.Unmarshal(data, &v); err != nil {
		c.logger.Warn("dropping undecodable cache entry", zap.String("key", key), zap.Error(err))
		_ = c.Delete(ctx, key)
		return v, false, nil
	}
	return v, true, nil
}

// SetJSON stores the JSON encoding of v under key.
func SetJSON[T any](ctx context.Context, c *Cache, key string, v T, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode cache value: %w", err)
	}
	return c.Set(ctx, key, data, ttl)
}
