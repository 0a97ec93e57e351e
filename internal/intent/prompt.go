package intent

import (
	"fmt"
	"strings"

	"github.com/kalambet/driftguard/internal/conversation"
	"github.com/kalambet/driftguard/internal/engine"
)

const defaultMaxTranscriptChars = 24000

const systemPrompt = `You are an intent extraction engine. Read the conversation between a developer and a coding assistant and list the durable requirements the developer stated about how the code must behave. Your output must be ONLY a single valid JSON object of the form {"intents": [...]}. Do not include any other text, prose, or markdown.

Each intent has:
- "title": a short name (at most eight words)
- "statement": the requirement as one imperative sentence, e.g. "Only admins may issue refunds."
- "confidence": "high" when the developer stated it explicitly, "medium" when strongly implied, "low" when inferred
- "evidence": a verbatim quote from the conversation supporting the intent
- "tags": lowercase topic tags such as "auth", "billing", "performance"

Rules:
- Only record requirements the developer expressed. Ignore the assistant's own suggestions unless the developer accepted them.
- Skip one-off tasks ("rename this variable") that do not constrain future code.
- Return {"intents": []} when there are none.`

// BuildPrompt constructs the chat messages for intent extraction. The
// transcript is rendered oldest first; when it exceeds maxChars the oldest
// turns are dropped.
func BuildPrompt(messages []conversation.Message, maxChars int) []engine.Message {
	return []engine.Message{
		{Role: engine.RoleSystem, Content: systemPrompt},
		{Role: engine.RoleUser, Content: renderTranscript(messages, maxChars)},
	}
}

func renderTranscript(messages []conversation.Message, maxChars int) string {
	turns := make([]string, 0, len(messages))
	for _, m := range messages {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		role := m.Role
		if role == "" {
			role = "unknown"
		}
		turns = append(turns, fmt.Sprintf("[%s]\n%s", role, content))
	}

	// Keep the newest turns that fit.
	first := len(turns)
	total := 0
	for first > 0 {
		n := len(turns[first-1]) + 2
		if maxChars > 0 && total+n > maxChars && first < len(turns) {
			break
		}
		total += n
		first--
	}

	var sb strings.Builder
	sb.WriteString("[Conversation]\n")
	if first > 0 {
		fmt.Fprintf(&sb, "(%d earlier messages omitted)\n\n", first)
	}
	sb.WriteString(strings.Join(turns[first:], "\n\n"))
	return sb.String()
}
