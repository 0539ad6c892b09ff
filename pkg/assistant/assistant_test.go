package assistant

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studybuddy/gatekeeper/internal/llmtest"
	"github.com/studybuddy/gatekeeper/internal/testclock"
	"github.com/studybuddy/gatekeeper/pkg/cache"
	"github.com/studybuddy/gatekeeper/pkg/gate"
	"github.com/studybuddy/gatekeeper/pkg/inference"
	"github.com/studybuddy/gatekeeper/pkg/ratelimit"
)

func newTestAssistant(t *testing.T, llm LLM, opts ...Option) (*Assistant, *testclock.Clock, *cache.Cache) {
	t.Helper()
	clock := testclock.New(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))

	store := ratelimit.NewMemoryStore(0)
	t.Cleanup(func() { _ = store.Close() })
	mb := cache.NewMemoryBackend(&cache.MemoryConfig{Clock: clock.Now})
	t.Cleanup(func() { _ = mb.Close() })
	c := cache.New(mb)

	g, err := gate.New(ratelimit.New(store), c)
	require.NoError(t, err)
	return New(g, llm, opts...), clock, c
}

func TestReply(t *testing.T) {
	llm := llmtest.New("llama3.2:3b")
	a, _, _ := newTestAssistant(t, llm)

	reply, err := a.Reply(context.Background(), "", "derive the quadratic formula")
	require.NoError(t, err)
	assert.Equal(t, "answer to derive the quadratic formula", reply)
	assert.Zero(t, llm.Pulls.Load())
}

func TestEnsureModel_RememberedForTTL(t *testing.T) {
	llm := llmtest.New()
	a, clock, c := newTestAssistant(t, llm, WithModelTTL(time.Hour), WithAllowedModels("phi3"))
	ctx := context.Background()

	require.NoError(t, a.EnsureModel(ctx, "phi3"))
	assert.Equal(t, int32(1), llm.Pulls.Load(), "missing model is pulled")

	clock.Advance(time.Second)
	require.NoError(t, a.EnsureModel(ctx, "phi3"))
	assert.Equal(t, int32(1), llm.Checks.Load(), "check is remembered")

	_, found, err := c.Get(ctx, "model:phi3")
	require.NoError(t, err)
	assert.True(t, found)

	clock.Advance(time.Hour)
	require.NoError(t, a.EnsureModel(ctx, "phi3"))
	assert.Equal(t, int32(2), llm.Checks.Load(), "check runs again after the TTL")
	assert.Equal(t, int32(1), llm.Pulls.Load())
}

func TestEnsureModel_PullsOnlyAllowedModels(t *testing.T) {
	llm := llmtest.New("phi3")
	a, _, _ := newTestAssistant(t, llm, WithDefaultModel("llama3.2:3b"), WithAllowedModels("mistral"))
	ctx := context.Background()

	require.NoError(t, a.EnsureModel(ctx, "phi3"), "installed models need no allow-listing")
	require.NoError(t, a.EnsureModel(ctx, "llama3.2:3b"), "the default model may be pulled")
	require.NoError(t, a.EnsureModel(ctx, "mistral"))
	assert.Equal(t, int32(2), llm.Pulls.Load())

	err := a.EnsureModel(ctx, "mixtral")
	assert.ErrorIs(t, err, ErrModelNotAllowed)
	assert.Equal(t, int32(2), llm.Pulls.Load())

	_, err = a.Reply(ctx, "mixtral", "hi")
	assert.ErrorIs(t, err, ErrModelNotAllowed)
	assert.Zero(t, llm.Chats.Load())
}

func TestEnsureModel_FailureNotRemembered(t *testing.T) {
	llm := llmtest.New("llama3.2:3b")
	a, _, _ := newTestAssistant(t, llm)
	ctx := context.Background()

	llm.SetDown(true)
	assert.ErrorIs(t, a.EnsureModel(ctx, "llama3.2:3b"), inference.ErrUnavailable)

	llm.SetDown(false)
	require.NoError(t, a.EnsureModel(ctx, "llama3.2:3b"))
	assert.Equal(t, int32(2), llm.Checks.Load())
}

func TestModels(t *testing.T) {
	llm := llmtest.New("phi3", "llama3.2:3b")
	a, _, _ := newTestAssistant(t, llm, WithDefaultModel("phi3"))

	models, err := a.Models(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "llama3.2:3b", models[0].Name)
	assert.Equal(t, "phi3", a.Model(""))
	assert.Equal(t, "mistral", a.Model("mistral"))

	// Served from cache while the backend is down.
	llm.SetDown(true)
	models, err = a.Models(context.Background())
	require.NoError(t, err)
	assert.Len(t, models, 2)
	assert.Error(t, a.Ping(context.Background()))
}

func TestChatOperation(t *testing.T) {
	assert.Equal(t, "chat:model:llama3.2%3A3b", ChatOperation("llama3.2:3b"))
}
