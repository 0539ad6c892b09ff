// Package assistant is the study assistant itself: it makes sure the model
// is present and asks it. Admission and response caching are the caller's
// business; only model availability and the model list are remembered here.
package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/studybuddy/gatekeeper/pkg/gate"
	"github.com/studybuddy/gatekeeper/pkg/inference"
	"github.com/studybuddy/gatekeeper/pkg/keys"
)

const systemPrompt = "You are StudyBuddy, a patient tutor. Explain concepts step by step, " +
	"check understanding with short questions and keep answers focused on the student's topic."

// ErrModelNotAllowed is returned for a model that is neither installed nor
// allowed to be pulled.
var ErrModelNotAllowed = errors.New("model is not installed and may not be pulled")

// LLM is the part of the inference client the assistant uses.
type LLM interface {
	Health(ctx context.Context) error
	ListModels(ctx context.Context) ([]inference.Model, error)
	HasModel(ctx context.Context, name string) (bool, error)
	PullModel(ctx context.Context, name string) error
	Chat(ctx context.Context, req inference.ChatRequest) (string, error)
}

var _ LLM = (*inference.Client)(nil)

type Assistant struct {
	gate         *gate.Gate
	llm          LLM
	logger       *zap.Logger
	defaultModel string
	modelTTL     time.Duration
	modelsTTL    time.Duration
	pullable     map[string]bool
	options      inference.Options
}

// Option configures an Assistant
type Option func(*Assistant)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(a *Assistant) {
		a.logger = logger
	}
}

// WithDefaultModel sets the model used when a request names none.
func WithDefaultModel(name string) Option {
	return func(a *Assistant) {
		a.defaultModel = name
	}
}

// WithAllowedModels lets names be pulled when a request asks for them. The
// default model is always allowed; any other missing model is refused.
func WithAllowedModels(names ...string) Option {
	return func(a *Assistant) {
		for _, name := range names {
			a.pullable[name] = true
		}
	}
}

// WithModelTTL sets how long a model availability check is remembered.
func WithModelTTL(d time.Duration) Option {
	return func(a *Assistant) {
		a.modelTTL = d
	}
}

// New creates an assistant. g provides the cache for model checks.
func New(g *gate.Gate, llm LLM, opts ...Option) *Assistant {
	a := &Assistant{
		gate:         g,
		llm:          llm,
		logger:       zap.NewNop(),
		defaultModel: "llama3.2:3b",
		modelTTL:     time.Hour,
		modelsTTL:    time.Minute,
		pullable:     make(map[string]bool),
		options:      inference.DefaultOptions(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Model resolves an empty model name to the default.
func (a *Assistant) Model(name string) string {
	if name == "" {
		return a.defaultModel
	}
	return name
}

// ChatOperation is the cache operation of a chat answer from model. Keys
// built on it contain model:<name> and can be cleared with ClearModel.
func ChatOperation(model string) string {
	return "chat:model:" + keys.Escape(model)
}

// Reply asks model about message.
func (a *Assistant) Reply(ctx context.Context, model, message string) (string, error) {
	model = a.Model(model)
	if err := a.EnsureModel(ctx, model); err != nil {
		return "", err
	}

	opts := a.options
	return a.llm.Chat(ctx, inference.ChatRequest{
		Model: model,
		Messages: []inference.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: message},
		},
		Options: &opts,
	})
}

// EnsureModel makes sure Ollama has name, pulling it when missing and
// allowed. A successful check is remembered under model:<name>.
func (a *Assistant) EnsureModel(ctx context.Context, name string) error {
	key, err := keys.Join("model", name)
	if err != nil {
		return err
	}
	_, _, err = a.gate.Remember(ctx, key, a.modelTTL, func(ctx context.Context) ([]byte, error) {
		ok, err := a.llm.HasModel(ctx, name)
		if err != nil {
			return nil, err
		}
		if !ok {
			if name != a.defaultModel && !a.pullable[name] {
				return nil, fmt.Errorf("%w: %s", ErrModelNotAllowed, name)
			}
			a.logger.Info("pulling model", zap.String("model", name))
			if err := a.llm.PullModel(ctx, name); err != nil {
				return nil, fmt.Errorf("pull %s: %w", name, err)
			}
		}
		return []byte("true"), nil
	})
	return err
}

// Models lists the installed models, remembered for a minute.
func (a *Assistant) Models(ctx context.Context) ([]inference.Model, error) {
	data, _, err := a.gate.Remember(ctx, "models", a.modelsTTL, func(ctx context.Context) ([]byte, error) {
		models, err := a.llm.ListModels(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(models)
	})
	if err != nil {
		return nil, err
	}

	var models []inference.Model
	if err := json.Unmarshal(data, &models); err != nil {
		return nil, fmt.Errorf("decode cached models: %w", err)
	}
	return models, nil
}

// Ping checks the inference backend.
func (a *Assistant) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return a.llm.Health(ctx)
}
