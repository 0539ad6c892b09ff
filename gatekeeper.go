// Package gatekeeper chains gRPC unary middleware. The middleware package
// supplies the admission, caching, auth, logging and metrics steps.
package gatekeeper

import (
	"context"

	"google.golang.org/grpc"
)

// Middleware wraps a unary handler
type Middleware func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error)

// Chain represents a chain of middleware
type Chain struct {
	middlewares []Middleware
}

// NewChain creates a new middleware chain. The first middleware runs first.
func NewChain(middlewares ...Middleware) *Chain {
	return &Chain{
		middlewares: middlewares,
	}
}

// Append adds middleware to the end of the chain
func (c *Chain) Append(middlewares ...Middleware) *Chain {
	c.middlewares = append(c.middlewares, middlewares...)
	return c
}

// Prepend adds middleware to the beginning of the chain
func (c *Chain) Prepend(middlewares ...Middleware) *Chain {
	c.middlewares = append(middlewares, c.middlewares...)
	return c
}

// Len returns the number of middleware in the chain
func (c *Chain) Len() int {
	return len(c.middlewares)
}

// UnaryInterceptor returns a gRPC UnaryServerInterceptor that executes the middleware chain
func (c *Chain) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		// Build the chain of handlers
		currentHandler := handler

		// Wrap from the end so the first middleware is outermost
		for i := len(c.middlewares) - 1; i >= 0; i-- {
			middleware := c.middlewares[i]
			next := currentHandler

			// Wrap the handler with the middleware
			currentHandler = func(ctx context.Context, req interface{}) (interface{}, error) {
				return middleware(ctx, req, info, next)
			}
		}

		// Execute the chain
		return currentHandler(ctx, req)
	}
}

// ServerOptions returns the gRPC server options installing the chain
func (c *Chain) ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.UnaryInterceptor(c.UnaryInterceptor()),
	}
}
