// Package classifier decides, with an LLM, which intents a code excerpt
// violates.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/kalambet/driftguard/internal/drift"
	"github.com/kalambet/driftguard/internal/engine"
	"github.com/kalambet/driftguard/internal/storage"
)

// Chatter is the interface for chat completion against an inference engine.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error)
}

// LLM implements drift.Classifier on top of a chat model.
type LLM struct {
	client Chatter
	model  string
}

var _ drift.Classifier = (*LLM)(nil)

// New creates a classifier using the given client and model name.
func New(client Chatter, model string) *LLM {
	return &LLM{client: client, model: model}
}

// Classify asks the model for violations of req.Intents in req.Code. Errors
// from the engine or an unparseable response are returned; the detector
// treats them as a clean range.
func (c *LLM) Classify(ctx context.Context, req drift.ClassifyRequest) (drift.ClassifyResult, error) {
	if len(req.Intents) == 0 || strings.TrimSpace(req.Code) == "" {
		return drift.ClassifyResult{Violations: []drift.Violation{}}, nil
	}

	raw, err := c.client.Chat(ctx, c.model, BuildPrompt(req), violationSchema())
	if err != nil {
		return drift.ClassifyResult{}, fmt.Errorf("classifier chat: %w", err)
	}

	violations, err := parseViolations(raw, req.Intents)
	if err != nil {
		slog.Warn("unparseable classifier response", "file", req.FilePath, "error", err, "response", raw)
		return drift.ClassifyResult{}, err
	}
	return drift.ClassifyResult{Violations: violations}, nil
}

type rawViolation struct {
	IntentID     string  `json:"intentId"`
	Severity     string  `json:"severity"`
	Summary      string  `json:"summary"`
	Explanation  string  `json:"explanation"`
	LineStart    lineNum `json:"lineStart"`
	LineEnd      lineNum `json:"lineEnd"`
	Confidence   float64 `json:"confidence"`
	SuggestedFix string  `json:"suggestedFix"`
}

func parseViolations(raw string, intents []storage.Intent) ([]drift.Violation, error) {
	obj, err := engine.ExtractJSONObject(raw)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Violations []rawViolation `json:"violations"`
	}
	if err := json.Unmarshal([]byte(obj), &resp); err != nil {
		return nil, fmt.Errorf("unmarshal violations: %w", err)
	}

	out := make([]drift.Violation, 0, len(resp.Violations))
	for _, v := range resp.Violations {
		id := resolveIntentID(v.IntentID, intents)
		if id == "" {
			// Kept: the detector records it without intent ids.
			id = strings.TrimSpace(v.IntentID)
			slog.Debug("violation names no submitted intent", "intent", v.IntentID)
		}
		end := int(v.LineEnd)
		if end == 0 {
			end = int(v.LineStart)
		}
		out = append(out, drift.Violation{
			IntentID:     id,
			Severity:     v.Severity,
			Summary:      strings.TrimSpace(v.Summary),
			Explanation:  strings.TrimSpace(v.Explanation),
			LineStart:    int(v.LineStart),
			LineEnd:      end,
			Confidence:   v.Confidence,
			SuggestedFix: strings.TrimSpace(v.SuggestedFix),
		})
	}
	return out, nil
}

// resolveIntentID accepts the intent id or, failing that, its exact title.
func resolveIntentID(ref string, intents []storage.Intent) string {
	ref = strings.TrimSpace(ref)
	for _, in := range intents {
		if in.ID == ref {
			return in.ID
		}
	}
	for _, in := range intents {
		if in.Title != "" && strings.EqualFold(in.Title, ref) {
			return in.ID
		}
	}
	return ""
}

// lineNum decodes a JSON number or numeric string, truncating fractions.
type lineNum int

func (n *lineNum) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid line number %q", s)
	}
	*n = lineNum(math.Trunc(f))
	return nil
}

func violationSchema() *engine.Schema {
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"violations": {
				Type: "array",
				Items: &engine.Schema{
					Type: "object",
					Properties: map[string]engine.SchemaProperty{
						"intentId":     {Type: "string"},
						"severity":     {Type: "string", Enum: []string{storage.SeverityInfo, storage.SeverityWarning, storage.SeverityError}},
						"summary":      {Type: "string"},
						"explanation":  {Type: "string"},
						"lineStart":    {Type: "integer"},
						"lineEnd":      {Type: "integer"},
						"confidence":   {Type: "number"},
						"suggestedFix": {Type: "string"},
					},
					Required: []string{"intentId", "severity", "summary", "explanation", "lineStart", "lineEnd", "confidence"},
				},
			},
		},
		Required: []string{"violations"},
	}
}
