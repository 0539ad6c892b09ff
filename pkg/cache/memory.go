package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gobwas/glob"
)

// ErrClosed is returned by a MemoryBackend used after Close.
var ErrClosed = errors.New("cache backend closed")

// MemoryBackend is an in-memory cache implementation
type MemoryBackend struct {
	mu              sync.Mutex
	data            map[string]*Entry
	maxSize         int
	evictions       uint64
	cleanupInterval time.Duration
	now             func() time.Time
	closed          bool
	stopCleanup     chan struct{}
}

// MemoryConfig holds configuration for memory cache
type MemoryConfig struct {
	MaxSize         int           // Maximum number of entries (0 = unlimited)
	CleanupInterval time.Duration // How often to reap expired entries (0 = never)
	Clock           func() time.Time
}

// DefaultMemoryConfig returns default memory cache configuration
func DefaultMemoryConfig() *MemoryConfig {
	return &MemoryConfig{
		MaxSize:         10000,
		CleanupInterval: time.Minute,
	}
}

// NewMemoryBackend creates a new in-memory cache backend
func NewMemoryBackend(config *MemoryConfig) *MemoryBackend {
	if config == nil {
		config = DefaultMemoryConfig()
	}

	mb := &MemoryBackend{
		data:            make(map[string]*Entry),
		maxSize:         config.MaxSize,
		cleanupInterval: config.CleanupInterval,
		now:             config.Clock,
		stopCleanup:     make(chan struct{}),
	}
	if mb.now == nil {
		mb.now = time.Now
	}

	if mb.cleanupInterval > 0 {
		go mb.startCleanup()
	}

	return mb
}

// Get retrieves a value from the cache
func (m *MemoryBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, false, ErrClosed
	}

	entry, exists := m.data[key]
	if !exists {
		return nil, false, nil
	}

	now := m.now()
	if !entry.Valid(now) {
		// Reaped by the janitor.
		return nil, false, nil
	}

	entry.AccessedAt = now
	return bytes.Clone(entry.Value), true, nil
}

// Set stores a value in the cache with a TTL
func (m *MemoryBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	if _, exists := m.data[key]; !exists && m.maxSize > 0 && len(m.data) >= m.maxSize {
		m.evictOldest()
	}

	now := m.now()
	// Stored and returned values are copies; callers may reuse their slices.
	m.data[key] = &Entry{
		Value:      bytes.Clone(value),
		CreatedAt:  now,
		TTL:        ttl,
		AccessedAt: now,
	}

	return nil
}

// Delete removes a value from the cache
func (m *MemoryBackend) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	delete(m.data, key)
	return nil
}

// Invalidate removes all entries whose key matches pattern. Expired entries
// that have not been reaped yet are removed but not counted.
func (m *MemoryBackend) Invalidate(ctx context.Context, pattern string) (int, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return 0, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}

	now := m.now()
	removed := 0
	for key, entry := range m.data {
		if !g.Match(key) {
			continue
		}
		if entry.Valid(now) {
			removed++
		}
		delete(m.data, key)
	}

	return removed, nil
}

// Len returns the number of stored entries
func (m *MemoryBackend) Len(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.data), nil
}

// Evictions returns how many live entries were dropped to respect MaxSize
func (m *MemoryBackend) Evictions() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.evictions
}

// Ping reports whether the backend is open
func (m *MemoryBackend) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close stops the cleanup goroutine
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		m.closed = true
		close(m.stopCleanup)
	}
	return nil
}

// evictOldest removes the least recently accessed entry
func (m *MemoryBackend) evictOldest() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range m.data {
		if oldestKey == "" || entry.AccessedAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.AccessedAt
		}
	}

	if oldestKey != "" {
		delete(m.data, oldestKey)
		m.evictions++
	}
}

func (m *MemoryBackend) startCleanup() {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanup()
		case <-m.stopCleanup:
			return
		}
	}
}

// cleanup removes expired entries
func (m *MemoryBackend) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for key, entry := range m.data {
		if !entry.Valid(now) {
			delete(m.data, key)
		}
	}
}
