package engine

import (
	"context"

	"github.com/kalambet/driftguard/internal/proxy"
)

// Completer is the subset of proxy.Client used by OpenRouterEngine.
type Completer interface {
	Complete(ctx context.Context, req proxy.CompletionRequest) (string, error)
	ListModels(ctx context.Context) ([]proxy.Model, error)
}

// OpenRouterEngine serves chat through the OpenRouter API.
type OpenRouterEngine struct {
	client Completer
}

// NewOpenRouterEngine creates an engine using the given API key.
func NewOpenRouterEngine(apiKey string) *OpenRouterEngine {
	return &OpenRouterEngine{client: proxy.NewClient(apiKey)}
}

// NewOpenRouterEngineWithClient wraps an existing client.
func NewOpenRouterEngineWithClient(c Completer) *OpenRouterEngine {
	return &OpenRouterEngine{client: c}
}

// Chat requests a json_object response when jsonSchema is set. OpenRouter
// does not accept a schema for every upstream model, so the shape is left to
// the prompt.
func (e *OpenRouterEngine) Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error) {
	zero := 0.0
	req := proxy.CompletionRequest{
		Model:       model,
		Messages:    make([]proxy.Message, len(messages)),
		Temperature: &zero,
	}
	for i, m := range messages {
		req.Messages[i] = proxy.Message{Role: m.Role, Content: m.Content}
	}
	if jsonSchema != nil {
		req.ResponseFormat = &proxy.ResponseFormat{Type: "json_object"}
	}
	return e.client.Complete(ctx, req)
}

func (e *OpenRouterEngine) IsRunning(ctx context.Context) bool {
	_, err := e.client.ListModels(ctx)
	return err == nil
}

func (e *OpenRouterEngine) ListModels(ctx context.Context) ([]string, error) {
	models, err := e.client.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(models))
	for i, m := range models {
		names[i] = m.ID
	}
	return names, nil
}

func (e *OpenRouterEngine) HasModel(ctx context.Context, name string) bool {
	names, err := e.ListModels(ctx)
	if err != nil {
		return false
	}
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// PullModel is a no-op: hosted models need no download.
func (e *OpenRouterEngine) PullModel(context.Context, string, func(PullProgress)) error {
	return nil
}
