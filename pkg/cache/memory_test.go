package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studybuddy/gatekeeper/internal/testclock"
)

func TestMemoryBackend_Basic(t *testing.T) {
	mb := NewMemoryBackend(&MemoryConfig{})
	defer mb.Close()
	ctx := context.Background()

	_, found, err := mb.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, mb.Set(ctx, "k", []byte("v"), time.Minute))
	v, found, err := mb.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v"), v)

	require.NoError(t, mb.Delete(ctx, "k"))
	_, found, err = mb.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryBackend_ValuesAreCopied(t *testing.T) {
	mb := NewMemoryBackend(&MemoryConfig{})
	defer mb.Close()
	ctx := context.Background()

	buf := []byte("answer")
	require.NoError(t, mb.Set(ctx, "k", buf, time.Minute))
	buf[0] = 'X'

	v, _, err := mb.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("answer"), v, "caller's slice is not kept")

	v[0] = 'Y'
	again, _, err := mb.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("answer"), again, "returned slice is not the stored one")
}

func TestMemoryBackend_EvictsLeastRecentlyAccessed(t *testing.T) {
	clock := testclock.New(epoch)
	mb := NewMemoryBackend(&MemoryConfig{MaxSize: 2, Clock: clock.Now})
	defer mb.Close()
	ctx := context.Background()

	require.NoError(t, mb.Set(ctx, "a", []byte("1"), time.Hour))
	clock.Advance(time.Second)
	require.NoError(t, mb.Set(ctx, "b", []byte("2"), time.Hour))
	clock.Advance(time.Second)
	_, _, _ = mb.Get(ctx, "a")
	clock.Advance(time.Second)

	require.NoError(t, mb.Set(ctx, "c", []byte("3"), time.Hour))

	_, found, _ := mb.Get(ctx, "b")
	assert.False(t, found, "b was the least recently accessed")
	_, found, _ = mb.Get(ctx, "a")
	assert.True(t, found)
	_, found, _ = mb.Get(ctx, "c")
	assert.True(t, found)
	assert.Equal(t, uint64(1), mb.Evictions())

	// Overwriting an existing key never evicts.
	require.NoError(t, mb.Set(ctx, "c", []byte("3'"), time.Hour))
	assert.Equal(t, uint64(1), mb.Evictions())
}

func TestMemoryBackend_CleanupReapsExpired(t *testing.T) {
	clock := testclock.New(epoch)
	mb := NewMemoryBackend(&MemoryConfig{Clock: clock.Now})
	defer mb.Close()
	ctx := context.Background()

	require.NoError(t, mb.Set(ctx, "short", []byte("v"), time.Second))
	require.NoError(t, mb.Set(ctx, "long", []byte("v"), time.Hour))
	clock.Advance(2 * time.Second)

	n, _ := mb.Len(ctx)
	assert.Equal(t, 2, n)

	mb.cleanup()

	n, _ = mb.Len(ctx)
	assert.Equal(t, 1, n)
}

func TestMemoryBackend_InvalidateSkipsExpiredInCount(t *testing.T) {
	clock := testclock.New(epoch)
	mb := NewMemoryBackend(&MemoryConfig{Clock: clock.Now})
	defer mb.Close()
	ctx := context.Background()

	require.NoError(t, mb.Set(ctx, "model:a", []byte("v"), time.Second))
	require.NoError(t, mb.Set(ctx, "model:b", []byte("v"), time.Hour))
	clock.Advance(time.Minute)

	removed, err := mb.Invalidate(ctx, "model:*")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	n, _ := mb.Len(ctx)
	assert.Equal(t, 0, n)
}

func TestMemoryBackend_Closed(t *testing.T) {
	mb := NewMemoryBackend(nil)
	require.NoError(t, mb.Close())
	require.NoError(t, mb.Close())
	ctx := context.Background()

	_, _, err := mb.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, mb.Set(ctx, "k", nil, 0), ErrClosed)
	assert.ErrorIs(t, mb.Ping(ctx), ErrClosed)
}
