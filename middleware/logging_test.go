package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/studybuddy/gatekeeper/pkg/auth"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestLogging(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	middleware := Logging(WithLogger(zap.New(core)), WithExtraFields(map[string]interface{}{"service": "studybuddy"}))

	ctx := auth.NewContext(context.Background(), auth.Principal{Subject: "alice"})
	_, err := middleware(ctx, "req", mockInfo(askMethod), func(ctx context.Context, req interface{}) (interface{}, error) {
		return "ok", nil
	})
	require.NoError(t, err)

	_, err = middleware(context.Background(), "req", mockInfo(askMethod), func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.ResourceExhausted, "slow down")
	})
	require.Error(t, err)

	_, _ = middleware(context.Background(), "req", mockInfo(askMethod), func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.Unavailable, "store down")
	})

	entries := logs.All()
	require.Len(t, entries, 3)

	assert.Equal(t, "gRPC request completed", entries[0].Message)
	fields := entries[0].ContextMap()
	assert.Equal(t, askMethod, fields["method"])
	assert.Equal(t, "alice", fields["user_id"])
	assert.Equal(t, "studybuddy", fields["service"])
	assert.Equal(t, "OK", fields["grpc_code"])

	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "ResourceExhausted", entries[1].ContextMap()["grpc_code"])
	assert.NotContains(t, entries[1].ContextMap(), "user_id")

	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
}

func TestLogging_SlowThreshold(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	middleware := Logging(WithLogger(zap.New(core)), WithSlowThreshold(10*time.Millisecond))

	_, err := middleware(context.Background(), "req", mockInfo(askMethod), func(ctx context.Context, req interface{}) (interface{}, error) {
		time.Sleep(30 * time.Millisecond)
		return "ok", nil
	})
	require.NoError(t, err)

	require.Len(t, logs.FilterMessage("slow request detected").All(), 1)
}
