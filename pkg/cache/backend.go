// Package cache provides the response cache: TTL'd byte values per key over
// an in-memory or Redis backend, with hit/miss accounting and a fail policy
// for when the backend is unreachable.
package cache

import (
	"context"
	"time"
)

// Backend defines the interface for cache storage backends
type Backend interface {
	// Get returns the value for key. Expired and never-set keys both
	// report found == false.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key, replacing any previous value. A ttl
	// <= 0 stores the value without expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key
	Delete(ctx context.Context, key string) error

	// Invalidate removes every key matching the glob pattern and returns
	// how many were removed
	Invalidate(ctx context.Context, pattern string) (int, error)

	// Len returns the number of stored keys, expired ones included until
	// they are reaped
	Len(ctx context.Context) (int, error)

	Ping(ctx context.Context) error
	Close() error
}

// Entry represents a cached entry
type Entry struct {
	Value      []byte
	CreatedAt  time.Time
	TTL        time.Duration
	AccessedAt time.Time
}

// ExpiresAt returns when the entry stops being valid; zero if never.
func (e *Entry) ExpiresAt() time.Time {
	if e.TTL <= 0 {
		return time.Time{}
	}
	return e.CreatedAt.Add(e.TTL)
}

// Valid reports whether now < CreatedAt + TTL.
func (e *Entry) Valid(now time.Time) bool {
	if e.TTL <= 0 {
		return true
	}
	return now.Before(e.CreatedAt.Add(e.TTL))
}
