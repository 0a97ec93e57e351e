package intent

import (
	"strings"
	"testing"

	"github.com/kalambet/driftguard/internal/conversation"
	"github.com/kalambet/driftguard/internal/engine"
)

func TestPromptContainsInstructions(t *testing.T) {
	messages := BuildPrompt(refundTranscript, 0)
	if len(messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(messages))
	}
	if messages[0].Role != engine.RoleSystem {
		t.Errorf("messages[0].Role = %q", messages[0].Role)
	}

	system := messages[0].Content
	for _, want := range []string{"intent extraction engine", `"evidence"`, `{"intents": []}`} {
		if !strings.Contains(system, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
}

func TestPromptRendersTranscript(t *testing.T) {
	messages := BuildPrompt([]conversation.Message{
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "  "},
		{Content: "orphan"},
	}, 0)

	got := messages[1].Content
	want := "[Conversation]\n[user]\nfirst\n\n[unknown]\norphan"
	if got != want {
		t.Errorf("transcript = %q, want %q", got, want)
	}
}

func TestPromptTruncatesOldestTurns(t *testing.T) {
	msgs := []conversation.Message{
		{Role: "user", Content: strings.Repeat("a", 100)},
		{Role: "assistant", Content: strings.Repeat("b", 100)},
		{Role: "user", Content: "latest"},
	}

	got := BuildPrompt(msgs, 130)[1].Content
	if strings.Contains(got, "aaaa") {
		t.Error("oldest turn should be dropped")
	}
	if !strings.Contains(got, "latest") || !strings.Contains(got, "bbbb") {
		t.Errorf("newest turns missing: %q", got)
	}
	if !strings.Contains(got, "(1 earlier messages omitted)") {
		t.Errorf("omission marker missing: %q", got)
	}
}

func TestPromptKeepsOversizedLastTurn(t *testing.T) {
	msgs := []conversation.Message{{Role: "user", Content: strings.Repeat("z", 500)}}
	got := BuildPrompt(msgs, 10)[1].Content
	if !strings.Contains(got, strings.Repeat("z", 500)) {
		t.Error("the newest turn is always kept")
	}
}
