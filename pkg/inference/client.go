// Package inference is a small client for the Ollama HTTP API: health,
// model listing and pulling, and non-streaming chat.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrUnavailable is returned when Ollama cannot be reached.
var ErrUnavailable = errors.New("inference backend unavailable")

// StatusError is a non-2xx answer from Ollama.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ollama: HTTP %d: %s", e.Code, e.Body)
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options are sampling parameters.
type Options struct {
	Temperature float64  `json:"temperature,omitempty"`
	TopP        float64  `json:"top_p,omitempty"`
	TopK        int      `json:"top_k,omitempty"`
	MaxTokens   int      `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// DefaultOptions match what the study assistant has always used.
func DefaultOptions() Options {
	return Options{Temperature: 0.7, TopP: 0.9, TopK: 40, MaxTokens: 2048}
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
	Options  *Options  `json:"options,omitempty"`
}

type chatResponse struct {
	Message Message `json:"message"`
	Done    bool    `json:"done"`
}

// Model is an entry of GET /api/tags.
type Model struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	Digest     string    `json:"digest"`
	ModifiedAt time.Time `json:"modified_at"`
}

type tagsResponse struct {
	Models []Model `json:"models"`
}

// Client talks to one Ollama host. Outbound calls are throttled by a token
// bucket so a burst of cache misses cannot swamp the model server.
type Client struct {
	host    string
	http    *http.Client
	limiter *rate.Limiter
	backoff backoff
	logger  *zap.Logger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithRateLimit throttles outbound requests to rps with the given burst.
// rps <= 0 disables throttling.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), max(1, burst))
	}
}

// WithMaxAttempts sets how many times a request is tried
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.backoff.maxAttempts = n
		}
	}
}

// WithBackoff sets the initial and maximum retry delay
func WithBackoff(initial, maxDelay time.Duration) Option {
	return func(c *Client) {
		if initial > 0 {
			c.backoff.initial = initial
		}
		if maxDelay > 0 {
			c.backoff.max = maxDelay
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a client for host, e.g. "http://localhost:11434".
func NewClient(host string, opts ...Option) *Client {
	c := &Client{
		host:    strings.TrimRight(host, "/"),
		http:    &http.Client{Timeout: 120 * time.Second},
		limiter: rate.NewLimiter(10, 5),
		backoff: defaultBackoff(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Host returns the base URL.
func (c *Client) Host() string {
	return c.host
}

// Health checks that Ollama answers on its root path. It is not retried.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.host+"/", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

// ListModels returns the locally available models.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	var out tagsResponse
	if err := c.do(ctx, http.MethodGet, "/api/tags", nil, &out); err != nil {
		return nil, err
	}
	return out.Models, nil
}

// HasModel reports whether name is available locally. A name without a tag
// matches ":latest".
func (c *Client) HasModel(ctx context.Context, name string) (bool, error) {
	models, err := c.ListModels(ctx)
	if err != nil {
		return false, err
	}
	want := name
	if !strings.Contains(want, ":") {
		want += ":latest"
	}
	for _, m := range models {
		if m.Name == name || m.Name == want {
			return true, nil
		}
	}
	return false, nil
}

// PullModel downloads name and blocks until Ollama reports completion.
func (c *Client) PullModel(ctx context.Context, name string) error {
	body := map[string]any{"name": name, "stream": false}
	return c.do(ctx, http.MethodPost, "/api/pull", body, nil)
}

// Chat sends a non-streaming chat request and returns the reply text.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (string, error) {
	if req.Model == "" {
		return "", errors.New("inference: empty model")
	}
	req.Stream = false

	var out chatResponse
	if err := c.do(ctx, http.MethodPost, "/api/chat", req, &out); err != nil {
		return "", err
	}
	return out.Message.Content, nil
}

// do sends one JSON request with throttling and retries.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode %s body: %w", path, err)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= c.backoff.maxAttempts; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		lastErr = c.once(ctx, method, path, payload, out)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) || attempt == c.backoff.maxAttempts {
			break
		}

		wait := c.backoff.delay(attempt)
		c.logger.Warn("retrying ollama request",
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(lastErr),
		)
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}

	var se *StatusError
	if errors.As(lastErr, &se) || errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
		return lastErr
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.host+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
