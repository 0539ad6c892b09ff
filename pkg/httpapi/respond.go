package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/studybuddy/gatekeeper/pkg/assistant"
	"github.com/studybuddy/gatekeeper/pkg/auth"
	"github.com/studybuddy/gatekeeper/pkg/cache"
	"github.com/studybuddy/gatekeeper/pkg/gate"
	"github.com/studybuddy/gatekeeper/pkg/inference"
	"github.com/studybuddy/gatekeeper/pkg/ratelimit"
)

type errorBody struct {
	Error      string `json:"error"`
	Detail     string `json:"detail,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// setRateLimitHeaders advertises the caller's budget. Degraded decisions
// carry no real count and are not advertised.
func setRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	if d.Limit == 0 || d.Degraded {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

func writeRateLimited(w http.ResponseWriter, e *gate.RateLimitError) {
	secs := e.RetryAfterSeconds()
	h := w.Header()
	h.Set("Retry-After", strconv.Itoa(secs))
	h.Set("X-RateLimit-Limit", strconv.Itoa(e.Limit))
	h.Set("X-RateLimit-Remaining", "0")
	h.Set("X-RateLimit-Reset", strconv.FormatInt(e.ResetAt.Unix(), 10))

	writeJSON(w, http.StatusTooManyRequests, errorBody{
		Error:      "Rate limit exceeded",
		Detail:     fmt.Sprintf("Maximum %d requests per %d seconds", e.Limit, int(e.Period.Seconds())),
		RetryAfter: secs,
	})
}

// writeError maps err onto a status code and a JSON body.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var rl *gate.RateLimitError
	if errors.As(err, &rl) {
		writeRateLimited(w, rl)
		return
	}

	code, msg := http.StatusInternalServerError, "Internal server error"
	var se *inference.StatusError
	switch {
	case errors.Is(err, gate.ErrInvalidKey), errors.Is(err, cache.ErrInvalidPattern):
		code, msg = http.StatusBadRequest, "Bad request"
	case errors.Is(err, gate.ErrStoreUnavailable):
		code, msg = http.StatusServiceUnavailable, "Service temporarily unavailable"
	case errors.Is(err, inference.ErrUnavailable):
		code, msg = http.StatusServiceUnavailable, "Model backend unavailable"
	case errors.Is(err, assistant.ErrModelNotAllowed),
		errors.As(err, &se) && se.Code == http.StatusNotFound:
		code, msg = http.StatusNotFound, "Model not found"
	case errors.As(err, &se):
		code, msg = http.StatusBadGateway, "Model backend error"
	case errors.Is(err, auth.ErrInvalidCredentials):
		code, msg = http.StatusUnauthorized, "Incorrect username or password"
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrMissingToken):
		w.Header().Set("WWW-Authenticate", "Bearer")
		code, msg = http.StatusUnauthorized, "Invalid or expired token"
	}

	if code >= 500 {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.Int("status", code),
			zap.Error(err),
		)
	}

	body := errorBody{Error: msg}
	if code < 500 {
		body.Detail = err.Error()
	}
	writeJSON(w, code, body)
}
