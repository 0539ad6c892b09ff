package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores entries as plain Redis strings under a key prefix so
// that invalidation never touches keys owned by something else.
type RedisBackend struct {
	client    redis.UniversalClient
	prefix    string
	scanCount int64
}

// RedisOption configures a RedisBackend
type RedisOption func(*RedisBackend)

// WithPrefix sets the namespace prepended to every key
func WithPrefix(prefix string) RedisOption {
	return func(r *RedisBackend) {
		r.prefix = prefix
	}
}

// WithScanCount sets the SCAN batch hint used by Invalidate and Len
func WithScanCount(n int64) RedisOption {
	return func(r *RedisBackend) {
		if n > 0 {
			r.scanCount = n
		}
	}
}

// NewRedisBackend creates a backend over client, namespaced by "cache:"
// unless WithPrefix says otherwise.
func NewRedisBackend(client redis.UniversalClient, opts ...RedisOption) *RedisBackend {
	r := &RedisBackend{
		client:    client,
		prefix:    "cache:",
		scanCount: 500,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get implements Backend.
func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return val, true, nil
}

// Set implements Backend.
func (r *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, r.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete implements Backend.
func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Invalidate walks the namespace with SCAN and deletes matching keys batch
// by batch. Entries written while the scan runs may survive it.
func (r *RedisBackend) Invalidate(ctx context.Context, pattern string) (int, error) {
	removed := 0
	err := r.scan(ctx, pattern, func(keys []string) error {
		n, err := r.client.Del(ctx, keys...).Result()
		if err != nil {
			return fmt.Errorf("redis del: %w", err)
		}
		removed += int(n)
		return nil
	})
	return removed, err
}

// Len implements Backend by scanning the namespace.
func (r *RedisBackend) Len(ctx context.Context) (int, error) {
	total := 0
	err := r.scan(ctx, "*", func(keys []string) error {
		total += len(keys)
		return nil
	})
	return total, err
}

func (r *RedisBackend) scan(ctx context.Context, pattern string, fn func(keys []string) error) error {
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.prefix+pattern, r.scanCount).Result()
		if err != nil {
			return fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Ping implements Backend.
func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close is a no-op: the client belongs to the caller, who may share it
// with the rate limiter.
func (r *RedisBackend) Close() error {
	return nil
}
