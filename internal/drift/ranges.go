package drift

import (
	"log/slog"
	"sort"

	"github.com/kalambet/driftguard/internal/storage"
)

// GroupingPolicy decides how a file's intents are split into classifier calls.
type GroupingPolicy string

const (
	// GroupPerRange issues one call per distinct linked range.
	GroupPerRange GroupingPolicy = "per_range"
	// GroupPerFile issues a single call for the whole file.
	GroupPerFile GroupingPolicy = "per_file"
)

// codeRange is a 1-based inclusive slice of a file bound to the intents that
// govern it.
type codeRange struct {
	Start   int
	End     int
	Intents []storage.Intent
}

// groupRanges builds the classifier ranges for a file. intents are the
// applicable (active) intents; links are every link on the file.
func groupRanges(policy GroupingPolicy, lines []string, intents []storage.Intent, links []storage.IntentLink) []codeRange {
	n := len(lines)
	whole := codeRange{Start: 1, End: n, Intents: intents}
	if policy == GroupPerFile || n == 0 {
		return []codeRange{whole}
	}

	byID := make(map[string]storage.Intent, len(intents))
	for _, in := range intents {
		byID[in.ID] = in
	}

	merged := map[int]*codeRange{}
	scoped := map[string]bool{}
	wholeFile := map[string]bool{}
	for _, l := range links {
		in, ok := byID[l.IntentID]
		if !ok {
			continue
		}
		if l.WholeFile() {
			wholeFile[in.ID] = true
			continue
		}
		start, end := l.Bounds()
		if start < 1 {
			slog.Warn("skipping link with invalid line range", "link", l.ID, "file", l.FileURI, "start", start)
			continue
		}
		if start > n {
			continue
		}
		if end > n {
			end = n
		}
		scoped[in.ID] = true

		r, ok := merged[start]
		if !ok {
			merged[start] = &codeRange{Start: start, End: end, Intents: []storage.Intent{in}}
			continue
		}
		if end > r.End {
			r.End = end
		}
		if !containsIntent(r.Intents, in.ID) {
			r.Intents = append(r.Intents, in)
		}
	}

	if len(merged) == 0 {
		return []codeRange{whole}
	}

	out := make([]codeRange, 0, len(merged)+1)
	for _, r := range merged {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })

	// Intents with a whole-file link are checked against the whole file even
	// when they also govern a narrower range.
	var unscoped []storage.Intent
	for _, in := range intents {
		if !scoped[in.ID] || wholeFile[in.ID] {
			unscoped = append(unscoped, in)
		}
	}
	if len(unscoped) > 0 {
		out = append(out, codeRange{Start: 1, End: n, Intents: unscoped})
	}
	return out
}

func containsIntent(intents []storage.Intent, id string) bool {
	for _, in := range intents {
		if in.ID == id {
			return true
		}
	}
	return false
}
