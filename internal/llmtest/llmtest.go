// Package llmtest provides an in-memory stand-in for the Ollama client.
package llmtest

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/atomic"

	"github.com/studybuddy/gatekeeper/pkg/inference"
)

// Fake answers "answer to <last message>" and counts every call.
type Fake struct {
	mu     sync.Mutex
	models map[string]bool
	down   atomic.Bool

	Chats  atomic.Int32
	Checks atomic.Int32
	Pulls  atomic.Int32
}

// New returns a fake with models installed.
func New(models ...string) *Fake {
	f := &Fake{models: make(map[string]bool)}
	for _, m := range models {
		f.models[m] = true
	}
	return f
}

// SetDown makes every call fail with inference.ErrUnavailable.
func (f *Fake) SetDown(down bool) {
	f.down.Store(down)
}

func (f *Fake) Health(ctx context.Context) error {
	if f.down.Load() {
		return inference.ErrUnavailable
	}
	return nil
}

func (f *Fake) ListModels(ctx context.Context) ([]inference.Model, error) {
	if f.down.Load() {
		return nil, inference.ErrUnavailable
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]inference.Model, 0, len(f.models))
	for name := range f.models {
		out = append(out, inference.Model{Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *Fake) HasModel(ctx context.Context, name string) (bool, error) {
	f.Checks.Inc()
	if f.down.Load() {
		return false, inference.ErrUnavailable
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.models[name], nil
}

func (f *Fake) PullModel(ctx context.Context, name string) error {
	f.Pulls.Inc()
	if f.down.Load() {
		return inference.ErrUnavailable
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.models[name] = true
	return nil
}

func (f *Fake) Chat(ctx context.Context, req inference.ChatRequest) (string, error) {
	f.Chats.Inc()
	if f.down.Load() {
		return "", inference.ErrUnavailable
	}
	if len(req.Messages) == 0 {
		return "", &inference.StatusError{Code: 400, Body: "no messages"}
	}
	f.mu.Lock()
	installed := f.models[req.Model]
	f.mu.Unlock()
	if !installed {
		return "", &inference.StatusError{Code: 404, Body: "model " + req.Model + " not found"}
	}
	return "answer to " + req.Messages[len(req.Messages)-1].Content, nil
}
