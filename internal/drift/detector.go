// Package drift checks changed code against the intents linked to it and
// records violations as drift events.
package drift

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kalambet/driftguard/internal/diffrange"
	"github.com/kalambet/driftguard/internal/linker"
	"github.com/kalambet/driftguard/internal/storage"
	"github.com/kalambet/driftguard/internal/vcs"
)

// Violation is one intent breach reported by a Classifier. Line numbers are
// relative to the submitted code unless the request had AbsoluteLines set.
type Violation struct {
	IntentID     string  `json:"intentId"`
	Severity     string  `json:"severity"`
	Summary      string  `json:"summary"`
	Explanation  string  `json:"explanation"`
	LineStart    int     `json:"lineStart"`
	LineEnd      int     `json:"lineEnd"`
	Confidence   float64 `json:"confidence"`
	SuggestedFix string  `json:"suggestedFix,omitempty"`
}

// ClassifyRequest is the input to a Classifier. When AbsoluteLines is set,
// Code lines are already prefixed with absolute file line numbers and the
// classifier must echo them back unchanged.
type ClassifyRequest struct {
	Intents       []storage.Intent
	Code          string
	FilePath      string
	Language      string
	AbsoluteLines bool
}

// ClassifyResult is a Classifier's output.
type ClassifyResult struct {
	Violations []Violation `json:"violations"`
}

// Classifier decides which of the given intents the code violates.
type Classifier interface {
	Classify(ctx context.Context, req ClassifyRequest) (ClassifyResult, error)
}

// Attributor finds who authored a line range.
type Attributor interface {
	FirstOverlap(file string, start, end int) *storage.AttributionSpan
}

// DiffSource produces the unified diff of one file.
type DiffSource interface {
	FileDiff(ctx context.Context, path string, opts vcs.DiffOptions) (string, error)
}

// Mode selects what code DetectDrift submits for each file.
type Mode string

const (
	ModeDiff Mode = "diff"
	ModeFile Mode = "file"
)

// Options tune detection. Zero values take defaults.
type Options struct {
	Mode          Mode
	Grouping      GroupingPolicy
	BatchSize     int
	MinConfidence float64
	DiffContext   int
}

const defaultBatchSize = 5

// FileResult is the outcome of checking one file.
type FileResult struct {
	FileURI        string               `json:"fileUri"`
	Drifts         []storage.DriftEvent `json:"drifts"`
	IntentsChecked int                  `json:"intentsChecked"`
	// ChangedRanges are the added line ranges of the diff (diff mode only).
	ChangedRanges []storage.Range `json:"changedRanges,omitempty"`
}

// Detector runs drift detection for files.
type Detector struct {
	store      *storage.Store
	linker     *linker.Linker
	classifier Classifier
	attrib     Attributor
	diffs      DiffSource
	opts       Options
	logger     *slog.Logger
}

// NewDetector creates a Detector. attrib and diffs may be nil; without a diff
// source every file is checked in file mode.
func NewDetector(store *storage.Store, lk *linker.Linker, classifier Classifier, attrib Attributor, diffs DiffSource, opts Options) *Detector {
	if opts.Mode == "" {
		opts.Mode = ModeDiff
	}
	if opts.Grouping == "" {
		opts.Grouping = GroupPerRange
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	return &Detector{
		store:      store,
		linker:     lk,
		classifier: classifier,
		attrib:     attrib,
		diffs:      diffs,
		opts:       opts,
		logger:     slog.Default(),
	}
}

// DetectInFile checks the whole current content of a file, one classifier
// call per range built by the grouping policy.
func (d *Detector) DetectInFile(ctx context.Context, fileURI string) (FileResult, error) {
	fileURI = d.store.Canonical(fileURI)
	res := FileResult{FileURI: fileURI, Drifts: []storage.DriftEvent{}}

	intents := d.linker.IntentsForFile(ctx, fileURI)
	res.IntentsChecked = len(intents)
	if len(intents) == 0 {
		return res, nil
	}

	content, err := d.readFile(fileURI)
	if err != nil {
		return res, err
	}
	lines := splitLines(content)
	ranges := groupRanges(d.opts.Grouping, lines, intents, d.linker.LinksForFile(ctx, fileURI))

	var pending []storage.DriftEvent
	for _, r := range ranges {
		code := numberLines(lines[r.Start-1 : r.End])
		if strings.TrimSpace(code) == "" {
			continue
		}
		req := ClassifyRequest{
			Intents:  r.Intents,
			Code:     code,
			FilePath: fileURI,
			Language: LanguageFor(fileURI),
		}
		violations := d.classify(ctx, req, r.Start, r.End)
		for _, v := range violations {
			start, end := remap(v.LineStart, v.LineEnd, r.Start)
			if ev, ok := d.event(fileURI, v, start, end, r.Intents); ok {
				pending = append(pending, ev)
			}
		}
	}

	return d.persist(ctx, res, pending)
}

// DetectInDiff checks only the lines of diff against every intent of the
// file in a single classifier call. An empty excerpt produces no events and
// no classifier call.
func (d *Detector) DetectInDiff(ctx context.Context, fileURI, diff string) (FileResult, error) {
	fileURI = d.store.Canonical(fileURI)
	res := FileResult{FileURI: fileURI, Drifts: []storage.DriftEvent{}}

	intents := d.linker.IntentsForFile(ctx, fileURI)
	res.IntentsChecked = len(intents)
	if len(intents) == 0 {
		return res, nil
	}

	excerpt := diffrange.Extract(diff)
	if strings.TrimSpace(excerpt) == "" {
		return res, nil
	}
	res.ChangedRanges = diffrange.ChangedRanges(diff)
	d.logger.Debug("diff excerpt built", "file", fileURI, "changed", res.ChangedRanges)

	req := ClassifyRequest{
		Intents:       intents,
		Code:          excerpt,
		FilePath:      fileURI,
		Language:      LanguageFor(fileURI),
		AbsoluteLines: true,
	}
	var pending []storage.DriftEvent
	for _, v := range d.classify(ctx, req, 0, 0) {
		start, end := clampLines(v.LineStart, v.LineEnd)
		if ev, ok := d.event(fileURI, v, start, end, intents); ok {
			pending = append(pending, ev)
		}
	}
	return d.persist(ctx, res, pending)
}

// classify calls the classifier, treating a failure as zero violations.
func (d *Detector) classify(ctx context.Context, req ClassifyRequest, start, end int) []Violation {
	began := time.Now()
	out, err := d.classifier.Classify(ctx, req)
	if err != nil {
		d.logger.Warn("classifier failed, treating range as clean",
			"file", req.FilePath, "start", start, "end", end, "error", err)
		return nil
	}
	d.logger.Debug("range classified",
		"file", req.FilePath, "start", start, "end", end,
		"intents", len(req.Intents), "violations", len(out.Violations), "duration", time.Since(began))
	return out.Violations
}

func (d *Detector) event(fileURI string, v Violation, start, end int, submitted []storage.Intent) (storage.DriftEvent, bool) {
	conf := clamp01(v.Confidence)
	if conf < d.opts.MinConfidence {
		return storage.DriftEvent{}, false
	}

	ids := []string{}
	for _, in := range submitted {
		if in.ID == v.IntentID {
			ids = append(ids, in.ID)
			break
		}
	}

	ev := storage.DriftEvent{
		FileURI:      fileURI,
		Range:        storage.Range{StartLine: start, EndLine: end},
		Type:         storage.DriftIntentViolation,
		Severity:     normalizeSeverity(v.Severity),
		Confidence:   conf,
		IntentIDs:    ids,
		Summary:      v.Summary,
		Explanation:  v.Explanation,
		SuggestedFix: v.SuggestedFix,
		Status:       storage.DriftOpen,
	}
	if d.attrib != nil {
		ev.Attribution = d.attrib.FirstOverlap(fileURI, start, end)
	}
	return ev, true
}

func (d *Detector) persist(ctx context.Context, res FileResult, pending []storage.DriftEvent) (FileResult, error) {
	if len(pending) == 0 {
		return res, nil
	}
	stored, err := d.store.AddDriftEvents(ctx, pending)
	if err != nil {
		return res, fmt.Errorf("storing drift events for %s: %w", res.FileURI, err)
	}
	res.Drifts = stored
	return res, nil
}

func (d *Detector) readFile(fileURI string) (string, error) {
	p := filepath.FromSlash(fileURI)
	if !filepath.IsAbs(p) {
		p = filepath.Join(d.store.Root(), p)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", fileURI, err)
	}
	return string(data), nil
}

// remap converts excerpt-relative lines to absolute file lines.
func remap(relStart, relEnd, rangeStart int) (int, int) {
	relStart, relEnd = clampLines(relStart, relEnd)
	return rangeStart + relStart - 1, rangeStart + relEnd - 1
}

func clampLines(start, end int) (int, int) {
	if start < 1 {
		start = 1
	}
	if end < start {
		end = start
	}
	return start, end
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func normalizeSeverity(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case storage.SeverityInfo:
		return storage.SeverityInfo
	case storage.SeverityError:
		return storage.SeverityError
	default:
		return storage.SeverityWarning
	}
}

func splitLines(content string) []string {
	content = strings.TrimSuffix(content, "\n")
	if content == "" {
		return nil
	}
	lines := strings.Split(content, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

// numberLines prefixes each line with its 1-based position in the slice.
func numberLines(lines []string) string {
	var sb strings.Builder
	for i, l := range lines {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "%d: %s", i+1, l)
	}
	return sb.String()
}
