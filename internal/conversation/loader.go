// Package conversation loads agent conversation transcripts and the file
// ranges each conversation authored.
package conversation

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kalambet/driftguard/internal/attribution"
)

const defaultCacheSize = 128

// Message is one turn of a transcript.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// FileRange is a line range a conversation wrote.
type FileRange struct {
	FileURI   string `json:"fileUri"`
	StartLine int    `json:"startLine"`
	EndLine   int    `json:"endLine"`
}

// Conversation is a transcript plus the code ranges it produced.
type Conversation struct {
	ID          string      `json:"id"`
	Name        string      `json:"name,omitempty"`
	Messages    []Message   `json:"messages"`
	ProjectPath string      `json:"projectPath,omitempty"`
	FileRanges  []FileRange `json:"fileRanges,omitempty"`
}

// Loader reads transcripts from dir as <id>.jsonl (one message per line) or
// <id>.json (a whole Conversation). File ranges come from the attribution
// index. Parsed transcripts are cached.
type Loader struct {
	dir    string
	index  *attribution.Index
	cache  *lru.Cache[string, *Conversation]
	logger *slog.Logger
}

// NewLoader creates a Loader. cacheSize <= 0 uses the default.
func NewLoader(dir string, index *attribution.Index, cacheSize int) (*Loader, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, err := lru.New[string, *Conversation](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating conversation cache: %w", err)
	}
	return &Loader{dir: dir, index: index, cache: cache, logger: slog.Default()}, nil
}

// Invalidate drops all cached transcripts. Call after the attribution index
// is refreshed.
func (l *Loader) Invalidate() {
	l.cache.Purge()
}

// ByID loads one conversation. It returns nil, nil when neither a transcript
// nor any attributed range exists for id.
func (l *Loader) ByID(ctx context.Context, id string) (*Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !validID(id) {
		return nil, fmt.Errorf("invalid conversation id %q", id)
	}
	if c, ok := l.cache.Get(id); ok {
		return clone(c), nil
	}

	c, err := l.readTranscript(id)
	if err != nil {
		return nil, err
	}
	ranges := l.fileRanges(id)
	if c == nil && len(ranges) == 0 {
		return nil, nil
	}
	if c == nil {
		c = &Conversation{ID: id}
	}
	if c.ID == "" {
		c.ID = id
	}
	c.FileRanges = ranges

	l.cache.Add(id, c)
	return clone(c), nil
}

// ForFiles returns every conversation that authored a range in any of paths.
// Conversations that fail to load are logged and skipped.
func (l *Loader) ForFiles(ctx context.Context, paths []string) ([]Conversation, error) {
	var out []Conversation
	for _, id := range l.index.ConversationsForFiles(paths) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c, err := l.ByID(ctx, id)
		if err != nil {
			l.logger.Warn("failed to load conversation", "id", id, "error", err)
			continue
		}
		if c != nil {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (l *Loader) fileRanges(id string) []FileRange {
	var out []FileRange
	seen := map[FileRange]bool{}
	for _, s := range l.index.SpansForConversation(id) {
		r := FileRange{FileURI: s.FileURI, StartLine: s.StartLine, EndLine: s.EndLine}
		if seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}

func (l *Loader) readTranscript(id string) (*Conversation, error) {
	if l.dir == "" {
		return nil, nil
	}

	data, err := os.ReadFile(filepath.Join(l.dir, id+".json"))
	switch {
	case err == nil:
		var c Conversation
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("parsing transcript %s: %w", id, err)
		}
		return &c, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("reading transcript %s: %w", id, err)
	}

	f, err := os.Open(filepath.Join(l.dir, id+".jsonl"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading transcript %s: %w", id, err)
	}
	defer f.Close()

	c := &Conversation{ID: id}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		msg, ok := parseLine(line)
		if !ok {
			l.logger.Warn("skipping malformed transcript line", "id", id, "line", lineNo)
			continue
		}
		if msg.Content != "" {
			c.Messages = append(c.Messages, msg)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading transcript %s: %w", id, err)
	}
	return c, nil
}

// rawLine accepts both flat {role, content} lines and lines that nest the
// message under "message". Content may be a string or a list of text parts.
type rawLine struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Message *struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func parseLine(line []byte) (Message, bool) {
	var raw rawLine
	if err := json.Unmarshal(line, &raw); err != nil {
		return Message{}, false
	}
	role, content := raw.Role, raw.Content
	if raw.Message != nil {
		role, content = raw.Message.Role, raw.Message.Content
	}
	if role == "" {
		return Message{}, false
	}
	return Message{Role: role, Content: contentText(content)}, true
}

func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []contentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var texts []string
	for _, p := range parts {
		if (p.Type == "" || p.Type == "text") && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

func validID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`)
}

func clone(c *Conversation) *Conversation {
	out := *c
	out.Messages = append([]Message(nil), c.Messages...)
	out.FileRanges = append([]FileRange(nil), c.FileRanges...)
	return &out
}
