package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studybuddy/gatekeeper/internal/testclock"
	"github.com/studybuddy/gatekeeper/pkg/backend"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisStore(client, WithKeyPrefix("studybuddy:"))
	return store, mr
}

func TestRedisStore_TwoPerMinuteScenario(t *testing.T) {
	store, mr := newRedisStore(t)
	clock := testclock.New(epoch)
	limiter := New(store, WithClock(clock.Now))
	rule := Rule{Calls: 2, Period: time.Minute}
	ctx := context.Background()

	d, err := limiter.Admit(ctx, "rate_limit:user:alice", rule)
	require.NoError(t, err)
	assert.True(t, d.Admitted)

	clock.Advance(5 * time.Second)
	d, err = limiter.Admit(ctx, "rate_limit:user:alice", rule)
	require.NoError(t, err)
	assert.True(t, d.Admitted)

	clock.Advance(5 * time.Second)
	d, err = limiter.Admit(ctx, "rate_limit:user:alice", rule)
	require.NoError(t, err)
	assert.False(t, d.Admitted)
	assert.Equal(t, 50*time.Second, d.RetryAfter)

	assert.True(t, mr.Exists("studybuddy:rate_limit:user:alice"))
	assert.Equal(t, "2", mr.HGet("studybuddy:rate_limit:user:alice", "count"), "rejections are not counted")
	assert.Equal(t, time.Minute, mr.TTL("studybuddy:rate_limit:user:alice"))

	clock.Advance(50 * time.Second)
	d, err = limiter.Admit(ctx, "rate_limit:user:alice", rule)
	require.NoError(t, err)
	assert.True(t, d.Admitted, "new window")
	assert.Equal(t, 1, rule.Calls-d.Remaining)
}

func TestRedisStore_ConcurrentAdmissions(t *testing.T) {
	store, _ := newRedisStore(t)
	limiter := New(store)
	rule := Rule{Calls: 10, Period: time.Hour}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := limiter.Admit(context.Background(), "hot", rule)
			assert.NoError(t, err)
			if d.Admitted {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, admitted)
}

func TestRedisStore_Unreachable(t *testing.T) {
	store, mr := newRedisStore(t)
	limiter := New(store)
	ctx := context.Background()

	require.NoError(t, limiter.Ping(ctx))
	mr.Close()

	assert.Error(t, limiter.Ping(ctx))

	d, err := limiter.Admit(ctx, "k", Rule{Calls: 1, Period: time.Minute})
	require.NoError(t, err)
	assert.True(t, d.Degraded)

	_, err = limiter.Admit(ctx, "k", Rule{Calls: 1, Period: time.Minute, FailPolicy: backend.FailClosed})
	assert.ErrorIs(t, err, backend.ErrUnavailable)
}
