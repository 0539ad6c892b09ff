package gate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/atomic"

	"github.com/studybuddy/gatekeeper/internal/testclock"
	"github.com/studybuddy/gatekeeper/pkg/backend"
	"github.com/studybuddy/gatekeeper/pkg/cache"
	"github.com/studybuddy/gatekeeper/pkg/keys"
	"github.com/studybuddy/gatekeeper/pkg/ratelimit"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

var alice = keys.Identity{UserID: "alice", Addr: "10.0.0.1"}

type fakeRecorder struct {
	mu         sync.Mutex
	admissions map[string]int
	hits       int
	misses     int
}

func (f *fakeRecorder) RecordAdmission(route, outcome string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.admissions == nil {
		f.admissions = make(map[string]int)
	}
	f.admissions[outcome]++
}

func (f *fakeRecorder) RecordCacheLookup(route string, hit bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if hit {
		f.hits++
	} else {
		f.misses++
	}
}

type fixture struct {
	gate     *Gate
	clock    *testclock.Clock
	cache    *cache.Cache
	recorder *fakeRecorder
}

func newFixture(t *testing.T, store ratelimit.Store, opts ...Option) *fixture {
	t.Helper()
	clock := testclock.New(epoch)
	if store == nil {
		ms := ratelimit.NewMemoryStore(0)
		t.Cleanup(func() { _ = ms.Close() })
		store = ms
	}
	mb := cache.NewMemoryBackend(&cache.MemoryConfig{Clock: clock.Now})
	t.Cleanup(func() { _ = mb.Close() })

	f := &fixture{
		clock:    clock,
		cache:    cache.New(mb),
		recorder: &fakeRecorder{},
	}
	limiter := ratelimit.New(store, ratelimit.WithClock(clock.Now))
	opts = append([]Option{WithRecorder(f.recorder)}, opts...)

	g, err := New(limiter, f.cache, opts...)
	require.NoError(t, err)
	f.gate = g
	return f
}

func counter(value string) (*atomic.Int64, func(context.Context) ([]byte, error)) {
	calls := atomic.NewInt64(0)
	return calls, func(context.Context) ([]byte, error) {
		calls.Inc()
		return []byte(value), nil
	}
}

func TestDo_MissThenHit(t *testing.T) {
	f := newFixture(t, nil, WithRoute("/chat", Policy{Calls: 10, Period: time.Minute, KeyFunc: keys.ByUser, CacheTTL: time.Hour}))
	ctx := context.Background()
	calls, compute := counter("answer")
	req := Request{Route: "/chat", Identity: alice, Operation: "chat", Params: []any{"what is a monad", "llama3"}}

	res, err := f.gate.Do(ctx, req, compute)
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.Equal(t, []byte("answer"), res.Value)
	assert.Equal(t, 9, res.Decision.Remaining)

	res, err = f.gate.Do(ctx, req, compute)
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	assert.Equal(t, []byte("answer"), res.Value)
	assert.Equal(t, int64(1), calls.Load())

	assert.Equal(t, 1, f.recorder.hits)
	assert.Equal(t, 1, f.recorder.misses)
	assert.Equal(t, 2, f.recorder.admissions[OutcomeAdmitted])
}

func TestDo_RejectionSkipsCacheAndCompute(t *testing.T) {
	f := newFixture(t, nil, WithRoute("/chat", Policy{Calls: 2, Period: time.Minute, KeyFunc: keys.ByUser}))
	ctx := context.Background()
	calls, compute := counter("answer")
	req := Request{Route: "/chat", Identity: alice, Operation: "chat", Params: []any{"q"}}

	_, err := f.gate.Do(ctx, req, compute)
	require.NoError(t, err)
	f.clock.Advance(5 * time.Second)
	_, err = f.gate.Do(ctx, req, compute)
	require.NoError(t, err)

	before := f.cache.Stats(ctx)
	f.clock.Advance(5 * time.Second)
	res, err := f.gate.Do(ctx, req, compute)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimitExceeded)

	var rlErr *RateLimitError
	require.True(t, errors.As(err, &rlErr))
	assert.Equal(t, 50*time.Second, rlErr.RetryAfter)
	assert.Equal(t, 50, rlErr.RetryAfterSeconds())
	assert.Equal(t, 2, rlErr.Limit)
	assert.False(t, res.Decision.Admitted)
	assert.Nil(t, res.Value)

	after := f.cache.Stats(ctx)
	assert.Equal(t, before.Hits, after.Hits, "rejected request must not read the cache")
	assert.Equal(t, before.Misses, after.Misses)
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, 1, f.recorder.admissions[OutcomeRejected])
}

func TestDo_ComputeErrorIsNotCached(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	boom := errors.New("ollama: model not loaded")
	req := Request{Route: "/chat", Identity: alice, Operation: "chat", Params: []any{"q"}}

	_, err := f.gate.Do(ctx, req, func(context.Context) ([]byte, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)

	calls, compute := counter("ok")
	res, err := f.gate.Do(ctx, req, compute)
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.Equal(t, int64(1), calls.Load())
}

func TestDo_WithoutOperationSkipsCache(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	calls, compute := counter("ok")
	req := Request{Route: "/", Identity: alice}

	for i := 0; i < 3; i++ {
		res, err := f.gate.Do(ctx, req, compute)
		require.NoError(t, err)
		assert.False(t, res.FromCache)
	}
	assert.Equal(t, int64(3), calls.Load())
	assert.Zero(t, f.cache.Stats(ctx).Misses)
}

func TestDo_InvalidIdentity(t *testing.T) {
	f := newFixture(t, nil)
	calls, compute := counter("ok")

	_, err := f.gate.Do(context.Background(), Request{Route: "/chat", Operation: "chat"}, compute)
	assert.ErrorIs(t, err, ErrInvalidKey)
	assert.Zero(t, calls.Load())
	assert.Equal(t, 1, f.recorder.admissions[OutcomeError])
}

func TestDo_PerIdentityEntriesAndClearUser(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	bob := keys.Identity{UserID: "bob", Addr: "10.0.0.2"}
	_, compute := counter("answer")

	req := Request{Route: "/chat", Identity: alice, Operation: "chat", Params: []any{"q"}, PerIdentity: true}
	_, err := f.gate.Do(ctx, req, compute)
	require.NoError(t, err)

	req.Identity = bob
	res, err := f.gate.Do(ctx, req, compute)
	require.NoError(t, err)
	assert.False(t, res.FromCache, "entries are not shared between users")

	removed, err := f.gate.ClearUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	res, err = f.gate.Do(ctx, req, compute)
	require.NoError(t, err)
	assert.True(t, res.FromCache, "bob's entry survives")

	_, err = f.gate.ClearUser(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestClearUser_MatchesWholeUserID(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, compute := counter("answer")

	for _, id := range []string{"bob", "bob2", "alice"} {
		req := Request{Route: "/chat", Identity: keys.Identity{UserID: id}, Operation: "chat", Params: []any{"q"}, PerIdentity: true}
		_, err := f.gate.Do(ctx, req, compute)
		require.NoError(t, err)
	}

	removed, err := f.gate.ClearUser(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	res, err := f.gate.Do(ctx, Request{Route: "/chat", Identity: keys.Identity{UserID: "bob2"}, Operation: "chat", Params: []any{"q"}, PerIdentity: true}, compute)
	require.NoError(t, err)
	assert.True(t, res.FromCache, "bob2 keeps its entry")
}

func TestClearModel_MatchesWholeModelName(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, compute := counter("true")

	for _, model := range []string{"llama3", "llama3.2"} {
		key, err := keys.Join("model", model)
		require.NoError(t, err)
		_, _, err = f.gate.Remember(ctx, key, time.Hour, compute)
		require.NoError(t, err)

		req := Request{Route: "/chat", Identity: alice, Operation: "chat:model:" + keys.Escape(model), Params: []any{"q"}, PerIdentity: true}
		_, err = f.gate.Do(ctx, req, compute)
		require.NoError(t, err)
	}

	removed, err := f.gate.ClearModel(ctx, "llama3")
	require.NoError(t, err)
	assert.Equal(t, 2, removed, "availability check and answer of llama3 only")

	_, fromCache, err := f.gate.Remember(ctx, "model:llama3.2", time.Hour, compute)
	require.NoError(t, err)
	assert.True(t, fromCache)
}

func TestAdmit_PoliciesKeepSeparateWindows(t *testing.T) {
	f := newFixture(t, nil,
		WithRoute("general", Policy{Calls: 100, Period: time.Minute, KeyFunc: keys.ByClient}),
		WithRoute("/chat", Policy{Calls: 2, Period: time.Minute, KeyFunc: keys.ByUser}),
		WithDefaultPolicy(Policy{Calls: 1, Period: time.Minute, KeyFunc: keys.ByClient}),
	)
	ctx := context.Background()
	anon := keys.Identity{Addr: "10.0.0.9"}

	for i := 0; i < 2; i++ {
		_, err := f.gate.Admit(ctx, "general", anon)
		require.NoError(t, err)
	}
	for i := 0; i < 2; i++ {
		_, err := f.gate.Admit(ctx, "/chat", anon)
		require.NoError(t, err, "general traffic does not use the chat budget")
	}
	_, err := f.gate.Admit(ctx, "/chat", anon)
	assert.ErrorIs(t, err, ErrRateLimitExceeded)

	d, err := f.gate.Admit(ctx, "general", anon)
	require.NoError(t, err)
	assert.Equal(t, 97, d.Remaining, "chat calls do not count against general")

	// Unconfigured routes share the default policy's window.
	_, err = f.gate.Admit(ctx, "/models", anon)
	require.NoError(t, err)
	_, err = f.gate.Admit(ctx, "/other", anon)
	assert.ErrorIs(t, err, ErrRateLimitExceeded)
}

func TestNew_RejectsReservedRoute(t *testing.T) {
	limiter := ratelimit.New(ratelimit.NewMemoryStore(0))
	c := cache.New(cache.NewMemoryBackend(&cache.MemoryConfig{}))

	_, err := New(limiter, c, WithRoute(DefaultScope, Policy{Calls: 1, Period: time.Minute}))
	assert.Error(t, err)
}

func TestRemember_ModelAvailability(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	calls, compute := counter("true")

	v, fromCache, err := f.gate.Remember(ctx, "model:llama3", 3600*time.Second, compute)
	require.NoError(t, err)
	assert.False(t, fromCache)
	assert.Equal(t, []byte("true"), v)

	f.clock.Advance(time.Second)
	_, fromCache, err = f.gate.Remember(ctx, "model:llama3", 3600*time.Second, compute)
	require.NoError(t, err)
	assert.True(t, fromCache)

	f.clock.Advance(3600 * time.Second)
	_, fromCache, err = f.gate.Remember(ctx, "model:llama3", 3600*time.Second, compute)
	require.NoError(t, err)
	assert.False(t, fromCache)
	assert.Equal(t, int64(2), calls.Load())

	removed, err := f.gate.ClearModel(ctx, "llama3")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestDo_SingleFlightCollapsesMisses(t *testing.T) {
	f := newFixture(t, nil, WithSingleFlight())
	ctx := context.Background()

	calls := atomic.NewInt64(0)
	release := make(chan struct{})
	compute := func(context.Context) ([]byte, error) {
		calls.Inc()
		<-release
		return []byte("answer"), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.gate.Do(ctx, Request{Route: "/chat", Identity: alice, Operation: "chat", Params: []any{"q"}}, compute)
			assert.NoError(t, err)
			assert.Equal(t, []byte("answer"), res.Value)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load())
}

type downStore struct{}

func (downStore) Take(context.Context, string, ratelimit.Rule, time.Time) (ratelimit.Window, bool, error) {
	return ratelimit.Window{}, false, errors.New("connection refused")
}
func (downStore) Ping(context.Context) error { return errors.New("connection refused") }
func (downStore) Close() error               { return nil }

func TestDo_StoreDownFailOpen(t *testing.T) {
	f := newFixture(t, downStore{}, WithRoute("/chat", Policy{Calls: 1, Period: time.Minute}))
	ctx := context.Background()
	calls, compute := counter("ok")

	for i := 0; i < 3; i++ {
		res, err := f.gate.Do(ctx, Request{Route: "/chat", Identity: alice}, compute)
		require.NoError(t, err)
		assert.True(t, res.Decision.Degraded)
	}
	assert.Equal(t, int64(3), calls.Load())
	assert.Equal(t, 3, f.recorder.admissions[OutcomeDegraded])

	h := f.gate.Health(ctx)
	assert.Equal(t, backend.StatusDisconnected, h.RateLimitStore)
	assert.Equal(t, backend.StatusConnected, h.Cache)
	assert.False(t, h.Healthy())
}

func TestDo_StoreDownFailClosed(t *testing.T) {
	f := newFixture(t, downStore{}, WithRoute("/chat", Policy{Calls: 1, Period: time.Minute, FailPolicy: backend.FailClosed}))
	calls, compute := counter("ok")

	_, err := f.gate.Do(context.Background(), Request{Route: "/chat", Identity: alice}, compute)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Zero(t, calls.Load())
}

func TestNew_RejectsInvalidPolicy(t *testing.T) {
	limiter := ratelimit.New(ratelimit.NewMemoryStore(0))
	c := cache.New(cache.NewMemoryBackend(&cache.MemoryConfig{}))

	_, err := New(limiter, c, WithRoute("/chat", Policy{Calls: 0, Period: time.Minute}))
	assert.Error(t, err)

	_, err = New(limiter, c, WithDefaultPolicy(Policy{Calls: 1}))
	assert.Error(t, err)
}

func TestPolicyFallsBackToDefault(t *testing.T) {
	f := newFixture(t, nil, WithRoute("/chat", Policy{Calls: 50, Period: time.Minute}))

	assert.Equal(t, 50, f.gate.Policy("/chat").Calls)
	assert.Equal(t, DefaultPolicy().Calls, f.gate.Policy("/models").Calls)
}

func TestDo_Spans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	f := newFixture(t, nil, WithTracerProvider(tp))
	_, compute := counter("ok")

	_, err := f.gate.Do(context.Background(), Request{Route: "/chat", Identity: alice, Operation: "chat"}, compute)
	require.NoError(t, err)

	var names []string
	for _, s := range exporter.GetSpans() {
		names = append(names, s.Name)
	}
	assert.ElementsMatch(t, []string{"gate.admit", "gate.cache", "gate.compute"}, names)
}
