package engine

import (
	"context"
	"fmt"

	"github.com/kalambet/driftguard/internal/ollama"
)

// Backend names accepted by Detect.
const (
	BackendOllama     = "ollama"
	BackendOpenRouter = "openrouter"
	BackendGemini     = "gemini"
)

// DetectConfig holds parameters for backend selection.
type DetectConfig struct {
	Backend          string
	OllamaBaseURL    string
	OllamaNumCtx     int
	OpenRouterAPIKey string
	GeminiAPIKey     string
}

// Detect returns the engine named by cfg.Backend. An empty backend selects
// Ollama.
func Detect(ctx context.Context, cfg DetectConfig) (Engine, error) {
	switch cfg.Backend {
	case "", BackendOllama:
		e := NewOllamaEngine(cfg.OllamaBaseURL)
		if cfg.OllamaNumCtx > 0 {
			e.client.SetOptions(ollama.Options{Temperature: 0, NumCtx: cfg.OllamaNumCtx})
		}
		return e, nil
	case BackendOpenRouter:
		if cfg.OpenRouterAPIKey == "" {
			return nil, fmt.Errorf("openrouter backend requires openrouter.api_key")
		}
		return NewOpenRouterEngine(cfg.OpenRouterAPIKey), nil
	case BackendGemini:
		if cfg.GeminiAPIKey == "" {
			return nil, fmt.Errorf("gemini backend requires gemini.api_key")
		}
		return NewGeminiEngine(ctx, cfg.GeminiAPIKey)
	default:
		return nil, fmt.Errorf("unknown engine backend %q", cfg.Backend)
	}
}
