// Package attribution maps file line ranges to the conversations and agents
// that authored them, built from Agent Trace records.
package attribution

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/driftguard/internal/storage"
)

// maxLineSize bounds a single JSONL trace record.
const maxLineSize = 4 * 1024 * 1024

// Index is a read-mostly lookup from canonical file path to attribution
// spans. Build and LoadDir replace the contents wholesale.
type Index struct {
	root   string
	logger *slog.Logger

	mu     sync.RWMutex
	byFile map[string][]storage.AttributionSpan
	byConv map[string][]storage.AttributionSpan
	count  int
}

// New returns an empty index whose file paths are canonicalised against root.
func New(root string) *Index {
	return &Index{
		root:   root,
		logger: slog.Default(),
		byFile: map[string][]storage.AttributionSpan{},
		byConv: map[string][]storage.AttributionSpan{},
	}
}

// Build replaces the index contents with spans derived from traces.
func (ix *Index) Build(traces []Trace) {
	byFile := map[string][]storage.AttributionSpan{}
	byConv := map[string][]storage.AttributionSpan{}
	count := 0

	for _, tr := range traces {
		ts, _ := time.Parse(time.RFC3339, tr.Timestamp)
		rev := ""
		if tr.VCS != nil {
			rev = tr.VCS.Revision
		}
		for _, f := range tr.Files {
			file := storage.Canonicalize(ix.root, f.Path)
			if file == "" {
				continue
			}
			for _, conv := range f.Conversations {
				convID := conv.ID
				if convID == "" {
					convID = ConversationIDFromURL(conv.URL)
				}
				for _, r := range conv.Ranges {
					if r.StartLine < 1 || r.EndLine < r.StartLine {
						ix.logger.Warn("skipping invalid attribution range",
							"trace", tr.ID, "file", file, "start", r.StartLine, "end", r.EndLine)
						continue
					}
					contributor := conv.Contributor
					if r.Contributor != nil {
						contributor = r.Contributor
					}
					span := storage.AttributionSpan{
						FileURI:         file,
						StartLine:       r.StartLine,
						EndLine:         r.EndLine,
						Contributor:     contributor.String(),
						ConversationURL: conv.URL,
						ConversationID:  convID,
						Timestamp:       ts,
						Revision:        rev,
						ContentHash:     r.ContentHash,
					}
					byFile[file] = append(byFile[file], span)
					if convID != "" {
						byConv[convID] = append(byConv[convID], span)
					}
					count++
				}
			}
		}
	}

	for _, spans := range byFile {
		sortSpans(spans)
	}
	for _, spans := range byConv {
		sortSpans(spans)
	}

	ix.mu.Lock()
	ix.byFile, ix.byConv, ix.count = byFile, byConv, count
	ix.mu.Unlock()
}

// sortSpans orders by start line, newest first on ties.
func sortSpans(spans []storage.AttributionSpan) {
	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].FileURI != spans[j].FileURI {
			return spans[i].FileURI < spans[j].FileURI
		}
		if spans[i].StartLine != spans[j].StartLine {
			return spans[i].StartLine < spans[j].StartLine
		}
		return spans[i].Timestamp.After(spans[j].Timestamp)
	})
}

// LoadDir reads every *.json and *.jsonl file in dir and rebuilds the index.
// Malformed records are logged and skipped. A missing dir yields an empty
// index. It returns the number of trace records loaded.
func (ix *Index) LoadDir(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		ix.Build(nil)
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading trace dir: %w", err)
	}

	var traces []Trace
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if e.IsDir() {
			continue
		}
		p := filepath.Join(dir, e.Name())
		switch filepath.Ext(e.Name()) {
		case ".json":
			tr, err := readJSON(p)
			if err != nil {
				ix.logger.Warn("skipping malformed trace file", "path", p, "error", err)
				continue
			}
			traces = append(traces, tr...)
		case ".jsonl":
			tr, err := ix.readJSONL(p)
			if err != nil {
				ix.logger.Warn("failed to read trace file", "path", p, "error", err)
				continue
			}
			traces = append(traces, tr...)
		}
	}

	ix.Build(traces)
	ix.logger.Debug("attribution index built", "traces", len(traces), "spans", ix.Len())
	return len(traces), nil
}

// readJSON accepts either a single trace object or an array of traces.
func readJSON(p string) ([]Trace, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var out []Trace
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
	var tr Trace
	if err := json.Unmarshal(data, &tr); err != nil {
		return nil, err
	}
	return []Trace{tr}, nil
}

func (ix *Index) readJSONL(p string) ([]Trace, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Trace
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var tr Trace
		if err := json.Unmarshal(line, &tr); err != nil {
			ix.logger.Warn("skipping malformed trace line", "path", p, "line", lineNo, "error", err)
			continue
		}
		out = append(out, tr)
	}
	return out, sc.Err()
}

// Len returns the number of indexed spans.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.count
}

// Query returns every span in file overlapping [start, end].
func (ix *Index) Query(file string, start, end int) []storage.AttributionSpan {
	file = storage.Canonicalize(ix.root, file)
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var out []storage.AttributionSpan
	for _, s := range ix.byFile[file] {
		if s.StartLine <= end && s.EndLine >= start {
			out = append(out, s)
		}
	}
	return out
}

// FirstOverlap returns the first span overlapping [start, end], or nil.
func (ix *Index) FirstOverlap(file string, start, end int) *storage.AttributionSpan {
	spans := ix.Query(file, start, end)
	if len(spans) == 0 {
		return nil
	}
	s := spans[0]
	return &s
}

// SpansForConversation returns all spans authored by the conversation id.
func (ix *Index) SpansForConversation(id string) []storage.AttributionSpan {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return append([]storage.AttributionSpan(nil), ix.byConv[id]...)
}

// ConversationsForFiles returns the distinct conversation ids that touched any
// of files, in first-seen order.
func (ix *Index) ConversationsForFiles(files []string) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	seen := map[string]bool{}
	var out []string
	for _, f := range files {
		for _, s := range ix.byFile[storage.Canonicalize(ix.root, f)] {
			if s.ConversationID == "" || seen[s.ConversationID] {
				continue
			}
			seen[s.ConversationID] = true
			out = append(out, s.ConversationID)
		}
	}
	return out
}

// ConversationIDFromURL derives a conversation id from its URL: the last
// non-empty path segment without extension.
func ConversationIDFromURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	p := raw
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		p = u.Path
	}
	p = strings.TrimRight(p, "/")
	base := path.Base(p)
	if base == "." || base == "/" {
		return ""
	}
	return strings.TrimSuffix(base, path.Ext(base))
}
