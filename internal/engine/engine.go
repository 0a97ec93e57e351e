// Package engine abstracts the inference backend used for violation
// classification and intent extraction.
package engine

import "context"

// Engine is a chat-capable inference backend (local Ollama, OpenRouter or
// Gemini). The classifier and extractor depend on this interface instead of
// a concrete client.
type Engine interface {
	// Chat sends messages to the given model and returns the assistant's response.
	// When jsonSchema is non-nil, structured JSON output is requested.
	Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error)

	// IsRunning reports whether the backend is reachable.
	IsRunning(ctx context.Context) bool

	// ListModels returns the names of the models the backend can serve.
	ListModels(ctx context.Context) ([]string, error)

	// HasModel reports whether the given model name is available.
	HasModel(ctx context.Context, name string) bool

	// PullModel makes a model available. Hosted backends treat it as a no-op.
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}
