// Package diffrange turns a unified diff for one file into an excerpt whose
// lines carry their absolute line numbers in the new version of the file.
package diffrange

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/kalambet/driftguard/internal/storage"
)

// hunkHeader matches "@@ -oldStart[,oldLen] +newStart[,newLen] @@".
var hunkHeader = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

var metaPrefixes = []string{
	"diff --git",
	"index ",
	"--- ",
	"+++ ",
	"new file mode",
	"deleted file mode",
	"old mode",
	"new mode",
	"similarity index",
	"dissimilarity index",
	"rename from",
	"rename to",
	"copy from",
	"copy to",
	"Binary files",
}

type lineKind int

const (
	kindAdded lineKind = iota
	kindContext
)

// walk calls fn for every line that exists in the new file, in diff order.
// Removed lines, meta lines and anything before the first hunk are skipped
// without moving the cursor. A malformed hunk header discards lines until the
// next valid header.
func walk(diff string, fn func(kind lineKind, n int, content string)) {
	diff = strings.TrimSuffix(diff, "\n")
	if strings.TrimSpace(diff) == "" {
		return
	}

	var (
		current   int
		seenHunk  bool
		oldRemain int
		newRemain int
	)

	for _, line := range strings.Split(diff, "\n") {
		line = strings.TrimSuffix(line, "\r")

		if strings.HasPrefix(line, "@@") {
			m := hunkHeader.FindStringSubmatch(line)
			if m == nil {
				slog.Warn("skipping malformed hunk header", "line", line)
				seenHunk = false
				oldRemain, newRemain = 0, 0
				continue
			}
			current, _ = strconv.Atoi(m[3])
			oldRemain = hunkLen(m[2])
			newRemain = hunkLen(m[4])
			seenHunk = true
			continue
		}

		if strings.HasPrefix(line, `\`) {
			continue
		}

		counted := oldRemain > 0 || newRemain > 0
		if !counted {
			if isMeta(line) {
				if strings.HasPrefix(line, "diff --git") {
					seenHunk = false
				}
				continue
			}
			if !seenHunk || line == "" {
				continue
			}
		}

		switch {
		case strings.HasPrefix(line, "-"):
			oldRemain--
		case strings.HasPrefix(line, "+"):
			fn(kindAdded, current, line[1:])
			current++
			newRemain--
		case strings.HasPrefix(line, " "):
			fn(kindContext, current, line[1:])
			current++
			oldRemain--
			newRemain--
		case line == "":
			// Context line whose leading space was stripped.
			fn(kindContext, current, "")
			current++
			oldRemain--
			newRemain--
		default:
			slog.Debug("skipping unrecognised diff line", "line", line)
		}
	}
}

func hunkLen(s string) int {
	if s == "" {
		return 1
	}
	n, _ := strconv.Atoi(s)
	return n
}

func isMeta(line string) bool {
	for _, p := range metaPrefixes {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}

// Extract returns every added and context line of diff as "<n>: <content>",
// newline-joined, where n is the absolute line number in the new file. An
// empty or header-only diff yields "".
func Extract(diff string) string {
	var sb strings.Builder
	walk(diff, func(_ lineKind, n int, content string) {
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "%d: %s", n, content)
	})
	return sb.String()
}

// ChangedRanges returns the absolute ranges of consecutive added lines.
func ChangedRanges(diff string) []storage.Range {
	var out []storage.Range
	walk(diff, func(kind lineKind, n int, _ string) {
		if kind != kindAdded {
			return
		}
		if k := len(out); k > 0 && out[k-1].EndLine == n-1 {
			out[k-1].EndLine = n
			return
		}
		out = append(out, storage.Range{StartLine: n, EndLine: n})
	})
	return out
}
