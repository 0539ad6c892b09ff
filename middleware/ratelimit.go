package middleware

import (
	"context"
	"errors"
	"strconv"
	"strings"

	gatekeeper "github.com/studybuddy/gatekeeper"
	"github.com/studybuddy/gatekeeper/pkg/auth"
	"github.com/studybuddy/gatekeeper/pkg/gate"
	"github.com/studybuddy/gatekeeper/pkg/keys"
	"github.com/studybuddy/gatekeeper/pkg/ratelimit"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// RateLimitConfig holds configuration for the rate limiting middleware
type RateLimitConfig struct {
	TrustProxy  bool            // honour x-forwarded-for and x-real-ip
	SkipMethods map[string]bool // methods that are never limited
}

// RateLimitOption is a functional option for rate limit configuration
type RateLimitOption func(*RateLimitConfig)

// WithTrustProxy honours forwarding metadata when identifying the client
func WithTrustProxy() RateLimitOption {
	return func(c *RateLimitConfig) {
		c.TrustProxy = true
	}
}

// WithUnlimitedMethod exempts a method from rate limiting
func WithUnlimitedMethod(method string) RateLimitOption {
	return func(c *RateLimitConfig) {
		c.SkipMethods[method] = true
	}
}

// RateLimit runs the gate's admission step for every call. The route is the
// full method name, so per-method policies are configured on the gate with
// gate.WithRoute. Rejections carry a retry-after header.
func RateLimit(g *gate.Gate, opts ...RateLimitOption) gatekeeper.Middleware {
	config := &RateLimitConfig{
		SkipMethods: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(config)
	}

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if config.SkipMethods[info.FullMethod] {
			return handler(ctx, req)
		}

		d, err := g.Admit(ctx, info.FullMethod, Identity(ctx, config.TrustProxy))
		if err != nil {
			return nil, rateLimitStatus(ctx, err)
		}

		setRateLimitHeader(ctx, d)
		return handler(ctx, req)
	}
}

// Identity returns who the call is counted against: the authenticated user
// if Auth ran, and the peer address.
func Identity(ctx context.Context, trustProxy bool) keys.Identity {
	return keys.Identity{
		UserID: auth.UserID(ctx),
		Addr:   ExtractClientAddr(ctx, trustProxy),
	}
}

// ExtractClientAddr returns the client IP. Forwarding metadata is only
// honoured when trustProxy is set.
func ExtractClientAddr(ctx context.Context, trustProxy bool) string {
	if trustProxy {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if xff := md.Get("x-forwarded-for"); len(xff) > 0 {
				first, _, _ := strings.Cut(xff[0], ",")
				if first = strings.TrimSpace(first); first != "" {
					return first
				}
			}
			if xri := md.Get("x-real-ip"); len(xri) > 0 && xri[0] != "" {
				return xri[0]
			}
		}
	}

	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return keys.HostOnly(p.Addr.String())
	}
	return ""
}

func rateLimitStatus(ctx context.Context, err error) error {
	var rl *gate.RateLimitError
	switch {
	case errors.As(err, &rl):
		_ = grpc.SetHeader(ctx, metadata.Pairs(
			"retry-after", strconv.Itoa(rl.RetryAfterSeconds()),
			"x-ratelimit-limit", strconv.Itoa(rl.Limit),
			"x-ratelimit-remaining", "0",
			"x-ratelimit-reset", strconv.FormatInt(rl.ResetAt.Unix(), 10),
		))
		return status.Errorf(codes.ResourceExhausted,
			"rate limit exceeded: %d requests per %s, retry after %ds", rl.Limit, rl.Period, rl.RetryAfterSeconds())
	case errors.Is(err, gate.ErrInvalidKey):
		return status.Errorf(codes.InvalidArgument, "cannot identify caller: %v", err)
	case errors.Is(err, gate.ErrStoreUnavailable):
		return status.Error(codes.Unavailable, "rate limit store unavailable")
	default:
		return status.FromContextError(err).Err()
	}
}

// setRateLimitHeader advertises the remaining budget. Outside a real
// server stream grpc.SetHeader fails and the header is skipped.
func setRateLimitHeader(ctx context.Context, d ratelimit.Decision) {
	if d.Limit == 0 || d.Degraded {
		return
	}
	_ = grpc.SetHeader(ctx, metadata.Pairs(
		"x-ratelimit-limit", strconv.Itoa(d.Limit),
		"x-ratelimit-remaining", strconv.Itoa(d.Remaining),
		"x-ratelimit-reset", strconv.FormatInt(d.ResetAt.Unix(), 10),
	))
}
