package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memoryWindow struct {
	window Window
	period time.Duration
}

// MemoryStore keeps windows in process. Suitable for a single instance.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]memoryWindow
	closed  bool
	stop    chan struct{}
	now     func() time.Time
}

// MemoryOption configures a MemoryStore
type MemoryOption func(*MemoryStore)

// WithMemoryClock overrides the clock the janitor uses to find idle windows
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates a store whose janitor drops windows that have
// elapsed, every cleanupInterval. Zero disables the janitor.
func NewMemoryStore(cleanupInterval time.Duration, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		windows: make(map[string]memoryWindow),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if cleanupInterval > 0 {
		go s.runCleanup(cleanupInterval)
	}

	return s
}

// Take implements Store.
func (s *MemoryStore) Take(ctx context.Context, key string, rule Rule, now time.Time) (Window, bool, error) {
	if err := ctx.Err(); err != nil {
		return Window{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Window{}, false, ErrClosed
	}

	e, found := s.windows[key]
	w, admitted := take(e.window, found, rule, now)
	if admitted {
		s.windows[key] = memoryWindow{window: w, period: rule.Period}
	}
	return w, admitted, nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	return nil
}

// Close stops the janitor. Later calls fail with ErrClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.stop)
	}
	return nil
}

// Len returns the number of tracked windows.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.windows)
}

func (s *MemoryStore) runCleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stop:
			return
		}
	}
}

func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, e := range s.windows {
		if now.Sub(e.window.Start) >= e.period {
			delete(s.windows, key)
		}
	}
}
