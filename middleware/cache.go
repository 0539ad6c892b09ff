package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	gatekeeper "github.com/studybuddy/gatekeeper"
	"github.com/studybuddy/gatekeeper/pkg/gate"
	"github.com/studybuddy/gatekeeper/pkg/keys"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

// CacheHeader reports "hit" or "miss" on cached methods.
const CacheHeader = "x-cache"

// CacheConfig holds configuration for caching middleware
type CacheConfig struct {
	MethodTTLs    map[string]time.Duration // per-method TTL overrides of the gate policy
	OnlyMethods   map[string]bool          // only cache these methods (if set)
	SkipMethods   map[string]bool          // never cache these methods
	SharedMethods map[string]bool          // cache across callers instead of per identity
	TrustProxy    bool
}

// CacheOption is a functional option for cache configuration
type CacheOption func(*CacheConfig)

// WithMethodTTL sets a custom TTL for a specific method
func WithMethodTTL(method string, ttl time.Duration) CacheOption {
	return func(c *CacheConfig) {
		c.MethodTTLs[method] = ttl
	}
}

// WithOnlyMethod only caches specific methods
func WithOnlyMethod(method string) CacheOption {
	return func(c *CacheConfig) {
		c.OnlyMethods[method] = true
	}
}

// WithSkipMethod skips caching for a specific method
func WithSkipMethod(method string) CacheOption {
	return func(c *CacheConfig) {
		c.SkipMethods[method] = true
	}
}

// WithSharedMethod caches a method's responses for every caller alike.
// By default entries are per identity.
func WithSharedMethod(method string) CacheOption {
	return func(c *CacheConfig) {
		c.SharedMethods[method] = true
	}
}

// WithCacheTrustProxy honours forwarding metadata when identifying the client
func WithCacheTrustProxy() CacheOption {
	return func(c *CacheConfig) {
		c.TrustProxy = true
	}
}

// Cache serves unary responses from the gate's cache. Requests and
// responses must be protobuf messages; anything else passes through. The
// key hashes the deterministic encoding of the request, and the response is
// stored as an Any so it can be decoded without knowing its type. Errors
// are never cached.
func Cache(g *gate.Gate, opts ...CacheOption) gatekeeper.Middleware {
	config := &CacheConfig{
		MethodTTLs:    make(map[string]time.Duration),
		OnlyMethods:   make(map[string]bool),
		SkipMethods:   make(map[string]bool),
		SharedMethods: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(config)
	}

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		method := info.FullMethod
		if !shouldCache(method, config) {
			return handler(ctx, req)
		}

		msg, ok := req.(proto.Message)
		if !ok {
			return handler(ctx, req)
		}
		body, err := proto.MarshalOptions{Deterministic: true}.Marshal(msg)
		if err != nil {
			return handler(ctx, req)
		}

		key, err := g.CacheKey(gate.Request{
			Route:       method,
			Identity:    Identity(ctx, config.TrustProxy),
			Operation:   "grpc:" + keys.Escape(method),
			Params:      []any{body},
			PerIdentity: !config.SharedMethods[method],
		})
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "cannot derive cache key: %v", err)
		}

		ttl := g.Policy(method).CacheTTL
		if methodTTL, ok := config.MethodTTLs[method]; ok {
			ttl = methodTTL
		}

		data, hit, err := g.RememberRoute(ctx, method, key, ttl, func(ctx context.Context) ([]byte, error) {
			resp, err := handler(ctx, req)
			if err != nil {
				return nil, err
			}
			out, ok := resp.(proto.Message)
			if !ok {
				return nil, fmt.Errorf("%s: response %T is not a protobuf message", method, resp)
			}
			a, err := anypb.New(out)
			if err != nil {
				return nil, err
			}
			return proto.Marshal(a)
		})
		if err != nil {
			if _, ok := status.FromError(err); ok {
				return nil, err
			}
			if errors.Is(err, gate.ErrStoreUnavailable) {
				return nil, status.Error(codes.Unavailable, "cache unavailable")
			}
			return nil, status.Error(codes.Internal, err.Error())
		}

		resp, err := decodeCached(data)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "decode cached response: %v", err)
		}

		result := "miss"
		if hit {
			result = "hit"
		}
		_ = grpc.SetHeader(ctx, metadata.Pairs(CacheHeader, result))
		return resp, nil
	}
}

func decodeCached(data []byte) (proto.Message, error) {
	var a anypb.Any
	if err := proto.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	return a.UnmarshalNew()
}

// shouldCache determines if a method should be cached
func shouldCache(method string, config *CacheConfig) bool {
	if config.SkipMethods[method] {
		return false
	}
	if len(config.OnlyMethods) > 0 {
		return config.OnlyMethods[method]
	}
	return true
}
