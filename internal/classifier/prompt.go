package classifier

import (
	"fmt"
	"strings"

	"github.com/kalambet/driftguard/internal/drift"
	"github.com/kalambet/driftguard/internal/engine"
)

const systemPrompt = `You are a code reviewer that checks code against the requirements ("intents") a developer has stated. Report only clear violations: code that contradicts an intent. Do not report style issues, missing features, or code unrelated to the intents. Your output must be ONLY a single valid JSON object of the form {"violations": [...]}. Do not include any other text, prose, or markdown.

Each violation has:
- "intentId": the id of the violated intent, copied exactly
- "severity": "error" for a direct contradiction, "warning" for a likely one, "info" for a weak signal
- "summary": one short sentence
- "explanation": why the code violates the intent
- "lineStart", "lineEnd": the line numbers of the offending code, taken from the number before the colon on each line
- "confidence": a number between 0 and 1
- "suggestedFix": optional, how to restore the intent

Return {"violations": []} when the code complies.`

const absoluteNote = `The code is an excerpt of changed lines. The line numbers are the file's own line numbers and may skip values; copy them exactly.`

const relativeNote = `The code lines are numbered from 1 for this excerpt.`

// BuildPrompt constructs the chat messages for one classification.
func BuildPrompt(req drift.ClassifyRequest) []engine.Message {
	var sb strings.Builder
	sb.WriteString("[Intents]\n")
	for _, in := range req.Intents {
		fmt.Fprintf(&sb, "- id: %s\n", in.ID)
		if in.Title != "" {
			fmt.Fprintf(&sb, "  title: %s\n", in.Title)
		}
		fmt.Fprintf(&sb, "  statement: %s\n", in.Statement)
		if in.Strength != "" {
			fmt.Fprintf(&sb, "  strength: %s\n", in.Strength)
		}
		for _, c := range in.Constraints {
			fmt.Fprintf(&sb, "  constraint: %s\n", c)
		}
	}

	fmt.Fprintf(&sb, "\n[File] %s", req.FilePath)
	if req.Language != "" {
		fmt.Fprintf(&sb, " (%s)", req.Language)
	}
	sb.WriteString("\n")
	if req.AbsoluteLines {
		sb.WriteString(absoluteNote)
	} else {
		sb.WriteString(relativeNote)
	}
	fmt.Fprintf(&sb, "\n\n[Code]\n%s\n", req.Code)

	return []engine.Message{
		{Role: engine.RoleSystem, Content: systemPrompt},
		{Role: engine.RoleUser, Content: sb.String()},
	}
}
