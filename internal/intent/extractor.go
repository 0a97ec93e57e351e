// Package intent extracts developer-stated requirements from agent
// conversation transcripts.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/driftguard/internal/conversation"
	"github.com/kalambet/driftguard/internal/engine"
)

// Candidate confidence levels.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// Chatter is the interface for chat completion against an inference engine.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error)
}

// Candidate is one requirement the extractor found in a transcript.
type Candidate struct {
	Title      string   `json:"title"`
	Statement  string   `json:"statement"`
	Confidence string   `json:"confidence"`
	Evidence   string   `json:"evidence"`
	Tags       []string `json:"tags"`
}

// Extractor uses an LLM to pull intent candidates out of a transcript.
type Extractor struct {
	client   Chatter
	model    string
	maxChars int
}

// NewExtractor creates an Extractor using the given client and model name.
func NewExtractor(client Chatter, model string) *Extractor {
	return &Extractor{client: client, model: model, maxChars: defaultMaxTranscriptChars}
}

// Extract returns the candidates found in messages. Chat and parse failures
// are returned so the caller can report them per conversation. Candidates
// without a statement are dropped.
func (e *Extractor) Extract(ctx context.Context, messages []conversation.Message) ([]Candidate, error) {
	if len(messages) == 0 {
		return nil, nil
	}

	raw, err := e.client.Chat(ctx, e.model, BuildPrompt(messages, e.maxChars), candidateSchema())
	if err != nil {
		return nil, fmt.Errorf("intent extraction chat: %w", err)
	}

	obj, err := engine.ExtractJSONObject(raw)
	if err != nil {
		slog.Warn("intent extraction returned no JSON", "response", raw)
		return nil, fmt.Errorf("parsing extraction response: %w", err)
	}
	var resp struct {
		Intents []Candidate `json:"intents"`
	}
	if err := json.Unmarshal([]byte(obj), &resp); err != nil {
		slog.Warn("failed to unmarshal intents from LLM response", "error", err, "response", raw)
		return nil, fmt.Errorf("unmarshal intents: %w", err)
	}

	out := make([]Candidate, 0, len(resp.Intents))
	for _, c := range resp.Intents {
		c.Statement = strings.TrimSpace(c.Statement)
		if c.Statement == "" {
			continue
		}
		c.Title = strings.TrimSpace(c.Title)
		if c.Title == "" {
			c.Title = titleFrom(c.Statement)
		}
		c.Confidence = normalizeConfidence(c.Confidence)
		c.Tags = cleanTags(c.Tags)
		out = append(out, c)
	}
	return out, nil
}

func normalizeConfidence(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case ConfidenceHigh:
		return ConfidenceHigh
	case ConfidenceLow:
		return ConfidenceLow
	default:
		return ConfidenceMedium
	}
}

func cleanTags(tags []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// titleFrom takes the first eight words of the statement.
func titleFrom(statement string) string {
	words := strings.Fields(statement)
	if len(words) > 8 {
		return strings.Join(words[:8], " ") + "..."
	}
	return strings.Join(words, " ")
}

// candidateSchema returns the JSON schema for structured extraction output.
func candidateSchema() *engine.Schema {
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"intents": {
				Type:        "array",
				Description: "Requirements the developer stated",
				Items: &engine.Schema{
					Type: "object",
					Properties: map[string]engine.SchemaProperty{
						"title":      {Type: "string", Description: "Short name for the requirement"},
						"statement":  {Type: "string", Description: "The requirement as one imperative sentence"},
						"confidence": {Type: "string", Enum: []string{ConfidenceHigh, ConfidenceMedium, ConfidenceLow}},
						"evidence":   {Type: "string", Description: "Verbatim quote from the transcript"},
						"tags":       {Type: "array", Items: &engine.Schema{Type: "string"}},
					},
					Required: []string{"title", "statement", "confidence", "evidence", "tags"},
				},
			},
		},
		Required: []string{"intents"},
	}
}
