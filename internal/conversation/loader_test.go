package conversation

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/driftguard/internal/attribution"
)

func newTestLoader(t *testing.T) (*Loader, string) {
	t.Helper()
	dir := t.TempDir()
	ix := attribution.New("/repo")
	ix.Build([]attribution.Trace{{
		ID: "t",
		Files: []attribution.File{{
			Path: "src/refund.ts",
			Conversations: []attribution.Conversation{
				{ID: "c1", Ranges: []attribution.Range{{StartLine: 10, EndLine: 20}, {StartLine: 10, EndLine: 20}}},
				{ID: "c2", Ranges: []attribution.Range{{StartLine: 30, EndLine: 31}}},
			},
		}},
	}})
	l, err := NewLoader(dir, ix, 4)
	require.NoError(t, err)
	return l, dir
}

func TestByIDJSONL(t *testing.T) {
	l, dir := newTestLoader(t)
	lines := `{"role":"user","content":"Refunds must be admin only"}
not json
{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Understood."},{"type":"tool_use"}]}}
{"role":"user","content":""}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c1.jsonl"), []byte(lines), 0o644))

	c, err := l.ByID(context.Background(), "c1")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "c1", c.ID)
	assert.Equal(t, []Message{
		{Role: "user", Content: "Refunds must be admin only"},
		{Role: "assistant", Content: "Understood."},
	}, c.Messages)
	assert.Equal(t, []FileRange{{FileURI: "src/refund.ts", StartLine: 10, EndLine: 20}}, c.FileRanges)
}

func TestByIDJSON(t *testing.T) {
	l, dir := newTestLoader(t)
	body := `{"name":"billing","projectPath":"/repo","messages":[{"role":"user","content":"use cents"}]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c2.json"), []byte(body), 0o644))

	c, err := l.ByID(context.Background(), "c2")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "c2", c.ID)
	assert.Equal(t, "billing", c.Name)
	assert.Len(t, c.Messages, 1)
	assert.Len(t, c.FileRanges, 1)
}

func TestByIDUnknownAndInvalid(t *testing.T) {
	l, _ := newTestLoader(t)

	c, err := l.ByID(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, c)

	_, err = l.ByID(context.Background(), "../etc/passwd")
	assert.Error(t, err)
}

func TestByIDRangesWithoutTranscript(t *testing.T) {
	l, _ := newTestLoader(t)
	c, err := l.ByID(context.Background(), "c2")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Empty(t, c.Messages)
	assert.Len(t, c.FileRanges, 1)
}

func TestByIDCachedCopy(t *testing.T) {
	l, dir := newTestLoader(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c1.jsonl"), []byte(`{"role":"user","content":"a"}`), 0o644))

	first, err := l.ByID(context.Background(), "c1")
	require.NoError(t, err)
	first.Messages[0].Content = "mutated"

	// Removing the file proves the second read is served from cache.
	require.NoError(t, os.Remove(filepath.Join(dir, "c1.jsonl")))
	second, err := l.ByID(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "a", second.Messages[0].Content)

	l.Invalidate()
	third, err := l.ByID(context.Background(), "c1")
	require.NoError(t, err)
	assert.Empty(t, third.Messages)
}

func TestForFiles(t *testing.T) {
	l, _ := newTestLoader(t)
	convs, err := l.ForFiles(context.Background(), []string{"/repo/src/refund.ts"})
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, "c1", convs[0].ID)
	assert.Equal(t, "c2", convs[1].ID)

	none, err := l.ForFiles(context.Background(), []string{"other.go"})
	require.NoError(t, err)
	assert.Empty(t, none)
}
