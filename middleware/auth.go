package middleware

import (
	"context"

	gatekeeper "github.com/studybuddy/gatekeeper"
	"github.com/studybuddy/gatekeeper/pkg/auth"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Auth verifies the bearer token in the "authorization" metadata and puts
// the principal in the context. Calls without the header continue
// anonymously; a header that does not verify is rejected.
//
// Example usage:
//
//	chain := gatekeeper.NewChain(
//	    middleware.Auth(manager),
//	    middleware.RequireRole(auth.RoleAdmin, "/studybuddy.v1.StudyBuddy/ClearCache"),
//	)
func Auth(m *auth.Manager) gatekeeper.Middleware {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		header, ok := authorization(ctx)
		if !ok {
			return handler(ctx, req)
		}

		token, err := auth.BearerToken(header)
		if err != nil {
			return nil, status.Errorf(codes.Unauthenticated,
				"missing or invalid authentication token: %v\nHint: Include 'authorization: Bearer <token>' in gRPC metadata", err)
		}

		p, err := m.Verify(token, auth.TokenAccess)
		if err != nil {
			return nil, status.Errorf(codes.Unauthenticated,
				"authentication failed: %v\nHint: Verify token format, expiration, and signing key", err)
		}

		return handler(auth.NewContext(ctx, p), req)
	}
}

// RequireRole rejects callers without role on the listed methods. With no
// methods it applies to every call. Place it after Auth.
func RequireRole(role string, methods ...string) gatekeeper.Middleware {
	only := make(map[string]bool, len(methods))
	for _, m := range methods {
		only[m] = true
	}

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if len(only) > 0 && !only[info.FullMethod] {
			return handler(ctx, req)
		}

		p, ok := auth.FromContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated,
				"authentication token not found\nHint: Include 'authorization: Bearer <token>' in gRPC metadata")
		}
		if !p.HasRole(role) {
			return nil, status.Errorf(codes.PermissionDenied,
				"insufficient permissions: %s requires role %q, user has %q", info.FullMethod, role, p.Role)
		}

		return handler(ctx, req)
	}
}

func authorization(ctx context.Context) (string, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", false
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return "", false
	}
	return values[0], true
}
