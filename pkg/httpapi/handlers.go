package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/studybuddy/gatekeeper/pkg/assistant"
	"github.com/studybuddy/gatekeeper/pkg/auth"
	"github.com/studybuddy/gatekeeper/pkg/backend"
	"github.com/studybuddy/gatekeeper/pkg/cache"
	"github.com/studybuddy/gatekeeper/pkg/gate"
)

const maxBodyBytes = 1 << 20

type chatRequest struct {
	Message string `json:"message"`
	Model   string `json:"model,omitempty"`
}

type chatResponse struct {
	UserMessage    string `json:"user_message"`
	BotResponse    string `json:"bot_response"`
	ModelUsed      string `json:"model_used"`
	ResponseTimeMS int64  `json:"response_time_ms"`
	FromCache      bool   `json:"from_cache"`
}

type healthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	Components    map[string]string `json:"components"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	CacheStats    cache.Stats       `json:"cache_stats"`
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func badRequest(w http.ResponseWriter, detail string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: "Bad request", Detail: detail})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "StudyBuddy API",
		"version": Version,
		"status":  "running",
		"docs":    "/health",
	})
}

// handleLogin accepts a JSON body or the OAuth2 password form.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}

	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		if err := decodeJSON(r, &creds); err != nil {
			badRequest(w, err.Error())
			return
		}
	} else {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := r.ParseForm(); err != nil {
			badRequest(w, err.Error())
			return
		}
		creds.Username = r.PostForm.Get("username")
		creds.Password = r.PostForm.Get("password")
	}
	if creds.Username == "" || creds.Password == "" {
		badRequest(w, "username and password are required")
		return
	}

	pair, err := s.auth.Login(creds.Username, creds.Password)
	if err != nil {
		s.logger.Warn("login failed", zap.String("username", creds.Username))
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := decodeJSON(r, &body); err != nil {
		badRequest(w, err.Error())
		return
	}
	pair, err := s.auth.Refresh(body.RefreshToken)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		badRequest(w, "message is required")
		return
	}
	req.Model = s.assistant.Model(req.Model)

	start := time.Now()
	res, err := s.gate.Do(r.Context(), gate.Request{
		Route:       RouteChat,
		Identity:    s.identity(r),
		Operation:   assistant.ChatOperation(req.Model),
		Params:      []any{req.Message},
		PerIdentity: true,
	}, func(ctx context.Context) ([]byte, error) {
		reply, err := s.assistant.Reply(ctx, req.Model, req.Message)
		return []byte(reply), err
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.writeError(w, r, err)
		return
	}

	setRateLimitHeaders(w, res.Decision)
	writeJSON(w, http.StatusOK, chatResponse{
		UserMessage:    req.Message,
		BotResponse:    string(res.Value),
		ModelUsed:      req.Model,
		ResponseTimeMS: time.Since(start).Milliseconds(),
		FromCache:      res.FromCache,
	})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.assistant.Models(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"models":  models,
		"default": s.assistant.Model(""),
	})
}

func (s *Server) health(ctx context.Context) healthResponse {
	h := s.gate.Health(ctx)

	llm := backend.StatusConnected
	if err := s.assistant.Ping(ctx); err != nil {
		llm = backend.StatusDisconnected
	}

	status := "healthy"
	if !h.Healthy() || llm != backend.StatusConnected {
		status = "partial"
	}
	return healthResponse{
		Status:  status,
		Version: Version,
		Components: map[string]string{
			"ollama":       llm,
			"redis_cache":  h.Cache,
			"rate_limiter": h.RateLimitStore,
		},
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		CacheStats:    h.CacheStats,
	}
}

// handleHealth always answers 200; the body says which parts are down.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.health(r.Context()))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	h := s.health(r.Context())
	p, _ := auth.FromContext(r.Context())

	general := s.gate.Policy(RouteGeneral)
	chat := s.gate.Policy(RouteChat)
	writeJSON(w, http.StatusOK, map[string]any{
		"health":       h,
		"requested_by": p.Subject,
		"rate_limits": map[string]any{
			"general": map[string]any{"calls": general.Calls, "period_seconds": int(general.Period.Seconds())},
			"chat":    map[string]any{"calls": chat.Calls, "period_seconds": int(chat.Period.Seconds())},
		},
	})
}

// handleClearCache takes at most one of pattern, user or model. No query
// clears everything.
func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var (
		n   int
		err error
	)
	ctx := r.Context()
	switch {
	case q.Get("user") != "":
		n, err = s.gate.ClearUser(ctx, q.Get("user"))
	case q.Get("model") != "":
		n, err = s.gate.ClearModel(ctx, q.Get("model"))
	default:
		n, err = s.gate.ClearCache(ctx, q.Get("pattern"))
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	p, _ := auth.FromContext(ctx)
	s.logger.Info("cache cleared",
		zap.String("by", p.Subject),
		zap.String("query", r.URL.RawQuery),
		zap.Int("cleared", n),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "success",
		"cleared_keys": n,
	})
}
