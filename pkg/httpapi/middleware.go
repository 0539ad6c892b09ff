package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/studybuddy/gatekeeper/pkg/auth"
	"github.com/studybuddy/gatekeeper/pkg/keys"
)

type requestIDKey struct{}

// requestInfo is filled in by inner middleware for the request log line.
type requestInfo struct {
	userID string
}

type requestInfoKey struct{}

// RequestID returns the id assigned by the request id middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// requestID keeps a caller supplied X-Request-ID or assigns a new one.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// observe logs every request and records it in the metrics collector,
// labelled by chi route pattern to keep cardinality bounded.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		info := &requestInfo{}
		r = r.WithContext(context.WithValue(r.Context(), requestInfoKey{}, info))

		s.metrics.RecordActiveRequests(r.Method, 1)
		defer s.metrics.RecordActiveRequests(r.Method, -1)

		next.ServeHTTP(ww, r)

		duration := time.Since(start)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}

		code := strconv.Itoa(status)
		s.metrics.RecordRequest(route, code, duration)
		if status >= 400 {
			s.metrics.RecordError(route, code)
		}

		fields := []zap.Field{
			zap.String("request_id", RequestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", duration),
			zap.Int("bytes", ww.BytesWritten()),
		}
		if info.userID != "" {
			fields = append(fields, zap.String("user_id", info.userID))
		}

		switch {
		case status >= 500:
			s.logger.Error("request completed", fields...)
		case status >= 400:
			s.logger.Warn("request completed", fields...)
		default:
			s.logger.Info("request completed", fields...)
		}
	})
}

// authenticate attaches the principal of a valid bearer token. Requests
// without an Authorization header pass through anonymously; a header that
// does not verify is rejected.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}

		token, err := auth.BearerToken(header)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		p, err := s.auth.Verify(token, auth.TokenAccess)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if info, ok := r.Context().Value(requestInfoKey{}).(*requestInfo); ok {
			info.userID = p.Subject
		}
		next.ServeHTTP(w, r.WithContext(auth.NewContext(r.Context(), p)))
	})
}

// requireRole rejects anonymous callers and callers without role.
func (s *Server) requireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := auth.FromContext(r.Context())
			if !ok {
				s.writeError(w, r, auth.ErrMissingToken)
				return
			}
			if !p.HasRole(role) {
				writeJSON(w, http.StatusForbidden, errorBody{
					Error:  "Forbidden",
					Detail: "requires role " + role,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// limit runs the admission step of the gate for route.
func (s *Server) limit(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := s.gate.Admit(r.Context(), route, s.identity(r))
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				s.writeError(w, r, err)
				return
			}
			setRateLimitHeaders(w, d)
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) identity(r *http.Request) keys.Identity {
	return keys.FromRequest(r, auth.UserID(r.Context()), s.trustProxy)
}
