package middleware

import (
	"context"
	"time"

	gatekeeper "github.com/studybuddy/gatekeeper"
	"github.com/studybuddy/gatekeeper/pkg/auth"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// LoggingConfig holds configuration for logging middleware
type LoggingConfig struct {
	Logger        *zap.Logger
	SlowThreshold time.Duration // log a warning for calls slower than this (0 = off)
	ExtraFields   map[string]interface{}
}

// LoggingOption is a functional option for logging configuration
type LoggingOption func(*LoggingConfig)

// WithLogger sets the zap logger
func WithLogger(logger *zap.Logger) LoggingOption {
	return func(c *LoggingConfig) {
		c.Logger = logger
	}
}

// WithSlowThreshold warns about calls slower than d
func WithSlowThreshold(d time.Duration) LoggingOption {
	return func(c *LoggingConfig) {
		c.SlowThreshold = d
	}
}

// WithExtraFields adds extra fields to all log entries
func WithExtraFields(fields map[string]interface{}) LoggingOption {
	return func(c *LoggingConfig) {
		c.ExtraFields = fields
	}
}

// Logging logs one line per completed call. Place it after Auth to get
// the user id.
func Logging(opts ...LoggingOption) gatekeeper.Middleware {
	config := &LoggingConfig{
		Logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(config)
	}

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		duration := time.Since(start)

		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.Duration("duration", duration),
			zap.Int64("duration_ms", duration.Milliseconds()),
		}
		for k, v := range config.ExtraFields {
			fields = append(fields, zap.Any(k, v))
		}
		if userID := auth.UserID(ctx); userID != "" {
			fields = append(fields, zap.String("user_id", userID))
		}
		if config.SlowThreshold > 0 && duration > config.SlowThreshold {
			config.Logger.Warn("slow request detected", append(fields, zap.Duration("threshold", config.SlowThreshold))...)
		}

		if err == nil {
			config.Logger.Info("gRPC request completed", append(fields, zap.String("grpc_code", codes.OK.String()))...)
			return resp, nil
		}

		st := status.Convert(err)
		fields = append(fields,
			zap.String("grpc_code", st.Code().String()),
			zap.String("error", st.Message()),
		)

		switch st.Code() {
		case codes.Internal, codes.Unknown, codes.DataLoss, codes.Unavailable:
			config.Logger.Error("gRPC request failed", fields...)
		case codes.InvalidArgument, codes.NotFound, codes.PermissionDenied,
			codes.Unauthenticated, codes.ResourceExhausted:
			config.Logger.Warn("gRPC request rejected", fields...)
		default:
			config.Logger.Info("gRPC request completed with error", fields...)
		}

		return resp, err
	}
}
