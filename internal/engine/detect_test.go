package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDetect(t *testing.T) {
	ctx := context.Background()

	e, err := Detect(ctx, DetectConfig{OllamaBaseURL: "http://localhost:11434"})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if _, ok := e.(*OllamaEngine); !ok {
		t.Errorf("Detect returned %T, want *OllamaEngine", e)
	}

	e, err = Detect(ctx, DetectConfig{Backend: BackendOpenRouter, OpenRouterAPIKey: "k"})
	if err != nil {
		t.Fatalf("Detect openrouter: %v", err)
	}
	if _, ok := e.(*OpenRouterEngine); !ok {
		t.Errorf("Detect returned %T, want *OpenRouterEngine", e)
	}
}

func TestDetect_MissingKeys(t *testing.T) {
	ctx := context.Background()
	for _, backend := range []string{BackendOpenRouter, BackendGemini} {
		if _, err := Detect(ctx, DetectConfig{Backend: backend}); err == nil {
			t.Errorf("%s: expected error without api key", backend)
		}
	}
	if _, err := Detect(ctx, DetectConfig{Backend: "mlx"}); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestDetect_OllamaContextSize(t *testing.T) {
	var got struct {
		Options map[string]any `json:"options"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]string{"role": "assistant", "content": "ok"},
		})
	}))
	defer srv.Close()

	e, err := Detect(context.Background(), DetectConfig{OllamaBaseURL: srv.URL, OllamaNumCtx: 2048})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if _, err := e.Chat(context.Background(), "qwen2.5-coder", []Message{{Role: RoleUser, Content: "x"}}, nil); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if n, _ := got.Options["num_ctx"].(float64); n != 2048 {
		t.Errorf("num_ctx = %v, want 2048", got.Options["num_ctx"])
	}
	if temp, _ := got.Options["temperature"].(float64); temp != 0 {
		t.Errorf("temperature = %v, want 0", got.Options["temperature"])
	}
}
