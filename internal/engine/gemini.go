package engine

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// GeminiEngine serves chat through the Gemini API.
type GeminiEngine struct {
	client *genai.Client
}

// NewGeminiEngine creates a Gemini client for the given API key.
func NewGeminiEngine(ctx context.Context, apiKey string) (*GeminiEngine, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	return &GeminiEngine{client: client}, nil
}

// Chat maps system messages to the system instruction and the remaining
// messages to user/model turns.
func (e *GeminiEngine) Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error) {
	contents, system := geminiContents(messages)
	cfg := &genai.GenerateContentConfig{Temperature: genai.Ptr[float32](0)}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if jsonSchema != nil {
		cfg.ResponseMIMEType = "application/json"
	}

	resp, err := e.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("gemini generate: empty response")
	}
	return resp.Text(), nil
}

func geminiContents(messages []Message) ([]*genai.Content, string) {
	var (
		system   []string
		contents []*genai.Content
	)
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	return contents, strings.Join(system, "\n\n")
}

func (e *GeminiEngine) IsRunning(ctx context.Context) bool {
	_, err := e.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	return err == nil
}

func (e *GeminiEngine) ListModels(ctx context.Context) ([]string, error) {
	page, err := e.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 100})
	if err != nil {
		return nil, fmt.Errorf("listing gemini models: %w", err)
	}
	names := make([]string, 0, len(page.Items))
	for _, m := range page.Items {
		names = append(names, strings.TrimPrefix(m.Name, "models/"))
	}
	return names, nil
}

func (e *GeminiEngine) HasModel(ctx context.Context, name string) bool {
	_, err := e.client.Models.Get(ctx, name, nil)
	return err == nil
}

// PullModel is a no-op: hosted models need no download.
func (e *GeminiEngine) PullModel(context.Context, string, func(PullProgress)) error {
	return nil
}
