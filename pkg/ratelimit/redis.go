package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeLua runs the whole fixed-window admission server-side so that
// check-and-increment is a single atomic step across instances.
//
// KEYS[1] window hash; ARGV[1] calls; ARGV[2] period ms; ARGV[3] now ms.
// Returns {count, window start ms, admitted}.
const takeLua = `
local key = KEYS[1]
local calls = tonumber(ARGV[1])
local period = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call("HMGET", key, "count", "start")
local count = tonumber(state[1])
local start = tonumber(state[2])

if count == nil or start == nil or now - start >= period then
	redis.call("HSET", key, "count", 1, "start", now)
	redis.call("PEXPIRE", key, period)
	return {1, now, 1}
end

if count < calls then
	count = redis.call("HINCRBY", key, "count", 1)
	return {count, start, 1}
end

return {count, start, 0}
`

// RedisStore shares windows between instances through Redis.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	script *redis.Script
}

// RedisOption configures a RedisStore
type RedisOption func(*RedisStore)

// WithKeyPrefix namespaces every window key
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// NewRedisStore creates a store over client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		script: redis.NewScript(takeLua),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Take implements Store.
func (s *RedisStore) Take(ctx context.Context, key string, rule Rule, now time.Time) (Window, bool, error) {
	res, err := s.script.Run(ctx, s.client,
		[]string{s.prefix + key},
		rule.Calls, rule.Period.Milliseconds(), now.UnixMilli(),
	).Int64Slice()
	if err != nil {
		return Window{}, false, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 3 {
		return Window{}, false, fmt.Errorf("rate limit script: unexpected reply %v", res)
	}

	return Window{
		Count: res[0],
		Start: time.UnixMilli(res[1]),
	}, res[2] == 1, nil
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op: the client belongs to the caller.
func (s *RedisStore) Close() error {
	return nil
}
