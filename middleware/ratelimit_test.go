package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/studybuddy/gatekeeper/pkg/auth"
	"github.com/studybuddy/gatekeeper/pkg/gate"
	"github.com/studybuddy/gatekeeper/pkg/keys"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func TestRateLimit_PerMethodPolicy(t *testing.T) {
	g, _ := newTestGate(t,
		gate.WithRoute(askMethod, gate.Policy{Calls: 2, Period: time.Minute, KeyFunc: keys.ByUser}),
	)
	middleware := RateLimit(g)
	ctx := peerContext("10.0.0.1")

	calls := 0
	handler := countingHandler(&calls, "ok", nil)

	for i := 0; i < 2; i++ {
		resp, err := middleware(ctx, "req", mockInfo(askMethod), handler)
		require.NoError(t, err)
		assert.Equal(t, "ok", resp)
	}

	resp, err := middleware(ctx, "req", mockInfo(askMethod), handler)
	assert.Nil(t, resp)
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.ResourceExhausted, st.Code())
	assert.Contains(t, st.Message(), "2 requests per 1m0s")
	assert.Equal(t, 2, calls, "rejected calls never reach the handler")

	// Another client has its own budget; other methods use the default policy.
	_, err = middleware(peerContext("10.0.0.2"), "req", mockInfo(askMethod), handler)
	assert.NoError(t, err)
	_, err = middleware(ctx, "req", mockInfo("/studybuddy.v1.StudyBuddy/ListModels"), handler)
	assert.NoError(t, err)
}

func TestRateLimit_UsesAuthenticatedUser(t *testing.T) {
	g, _ := newTestGate(t,
		gate.WithRoute(askMethod, gate.Policy{Calls: 1, Period: time.Minute, KeyFunc: keys.ByUser}),
	)
	middleware := RateLimit(g)
	handler := func(ctx context.Context, req interface{}) (interface{}, error) { return "ok", nil }

	// Same address, different users.
	for _, user := range []string{"alice", "bob"} {
		ctx := auth.NewContext(peerContext("10.0.0.1"), auth.Principal{Subject: user})
		_, err := middleware(ctx, "req", mockInfo(askMethod), handler)
		assert.NoError(t, err, user)
	}

	ctx := auth.NewContext(peerContext("10.0.0.9"), auth.Principal{Subject: "alice"})
	_, err := middleware(ctx, "req", mockInfo(askMethod), handler)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err), "alice's budget follows her across addresses")
}

func TestRateLimit_UnlimitedMethod(t *testing.T) {
	const health = "/grpc.health.v1.Health/Check"
	g, _ := newTestGate(t, gate.WithDefaultPolicy(gate.Policy{Calls: 1, Period: time.Minute, KeyFunc: keys.ByClient}))
	middleware := RateLimit(g, WithUnlimitedMethod(health))
	handler := func(ctx context.Context, req interface{}) (interface{}, error) { return "ok", nil }

	for i := 0; i < 3; i++ {
		_, err := middleware(peerContext("10.0.0.1"), "req", mockInfo(health), handler)
		require.NoError(t, err)
	}
}

func TestRateLimit_NoIdentity(t *testing.T) {
	g, _ := newTestGate(t)
	middleware := RateLimit(g)

	_, err := middleware(context.Background(), "req", mockInfo(askMethod), func(ctx context.Context, req interface{}) (interface{}, error) {
		t.Fatal("handler must not run")
		return nil, nil
	})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestExtractClientAddr(t *testing.T) {
	md := metadata.Pairs("x-forwarded-for", "203.0.113.7, 10.0.0.1", "x-real-ip", "203.0.113.8")
	ctx := metadata.NewIncomingContext(peerContext("10.0.0.1"), md)

	assert.Equal(t, "10.0.0.1", ExtractClientAddr(ctx, false), "forwarding metadata is ignored by default")
	assert.Equal(t, "203.0.113.7", ExtractClientAddr(ctx, true))

	ctx = metadata.NewIncomingContext(peerContext("10.0.0.1"), metadata.Pairs("x-real-ip", "203.0.113.8"))
	assert.Equal(t, "203.0.113.8", ExtractClientAddr(ctx, true))

	assert.Equal(t, "", ExtractClientAddr(context.Background(), true))
}
