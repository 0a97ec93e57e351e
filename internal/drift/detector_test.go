package drift

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/driftguard/internal/linker"
	"github.com/kalambet/driftguard/internal/storage"
	"github.com/kalambet/driftguard/internal/vcs"
)

// stubClassifier records requests and answers from a callback.
type stubClassifier struct {
	mu    sync.Mutex
	calls []ClassifyRequest
	fn    func(req ClassifyRequest) (ClassifyResult, error)
}

func (s *stubClassifier) Classify(_ context.Context, req ClassifyRequest) (ClassifyResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()
	if s.fn == nil {
		return ClassifyResult{}, nil
	}
	return s.fn(req)
}

func (s *stubClassifier) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type stubAttributor struct{ span *storage.AttributionSpan }

func (a stubAttributor) FirstOverlap(_ string, start, end int) *storage.AttributionSpan {
	if a.span == nil || a.span.StartLine > end || a.span.EndLine < start {
		return nil
	}
	s := *a.span
	return &s
}

type fixture struct {
	root  string
	store *storage.Store
	lk    *linker.Linker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	docs, err := storage.OpenFile(filepath.Join(root, ".driftguard"))
	require.NoError(t, err)
	s, err := storage.Open(context.Background(), docs, root)
	require.NoError(t, err)
	return &fixture{root: root, store: s, lk: linker.New(s, nil)}
}

func (f *fixture) writeFile(t *testing.T, name string, lines int) {
	t.Helper()
	var sb strings.Builder
	for i := 1; i <= lines; i++ {
		sb.WriteString("line ")
		sb.WriteString(strings.Repeat("x", i%3))
		sb.WriteString("\n")
	}
	p := filepath.Join(f.root, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(sb.String()), 0o644))
}

func (f *fixture) intent(t *testing.T, id, statement string) storage.Intent {
	t.Helper()
	in, err := f.store.CreateIntent(context.Background(), storage.Intent{ID: id, Statement: statement})
	require.NoError(t, err)
	return in
}

func (f *fixture) link(t *testing.T, intentID, file string, start, end *int) {
	t.Helper()
	_, err := f.lk.CreateLink(context.Background(), intentID, file, start, end, "")
	require.NoError(t, err)
}

func TestDetectInFileRemapsRelativeLines(t *testing.T) {
	f := newFixture(t)
	f.writeFile(t, "src/pay.go", 30)
	f.intent(t, "cents", "Money is integer cents")
	f.link(t, "cents", "src/pay.go", storage.IntPtr(10), storage.IntPtr(20))

	cls := &stubClassifier{fn: func(req ClassifyRequest) (ClassifyResult, error) {
		return ClassifyResult{Violations: []Violation{{
			IntentID: "cents", Severity: "error", LineStart: 3, LineEnd: 3, Confidence: 0.9, Summary: "float",
		}}}, nil
	}}
	d := NewDetector(f.store, f.lk, cls, nil, nil, Options{Mode: ModeFile})

	res, err := d.DetectInFile(context.Background(), "src/pay.go")
	require.NoError(t, err)
	require.Len(t, res.Drifts, 1)
	assert.Equal(t, storage.Range{StartLine: 12, EndLine: 12}, res.Drifts[0].Range)
	assert.Equal(t, []string{"cents"}, res.Drifts[0].IntentIDs)
	assert.Equal(t, storage.DriftOpen, res.Drifts[0].Status)
	assert.NotEmpty(t, res.Drifts[0].ID)

	require.Equal(t, 1, cls.count())
	req := cls.calls[0]
	assert.False(t, req.AbsoluteLines)
	assert.Equal(t, "go", req.Language)
	codeLines := strings.Split(req.Code, "\n")
	assert.Len(t, codeLines, 11)
	assert.True(t, strings.HasPrefix(codeLines[0], "1: "))
}

func TestDetectInFileRangeGrouping(t *testing.T) {
	f := newFixture(t)
	f.writeFile(t, "a.ts", 50)
	f.intent(t, "i1", "one")
	f.intent(t, "i2", "two")
	f.intent(t, "i3", "three")
	f.intent(t, "i4", "whole only")
	f.link(t, "i1", "a.ts", storage.IntPtr(5), storage.IntPtr(10))
	f.link(t, "i2", "a.ts", storage.IntPtr(5), storage.IntPtr(12))
	f.link(t, "i3", "a.ts", storage.IntPtr(30), storage.IntPtr(35))
	f.link(t, "i4", "a.ts", nil, nil)

	cls := &stubClassifier{}
	d := NewDetector(f.store, f.lk, cls, nil, nil, Options{Mode: ModeFile})
	res, err := d.DetectInFile(context.Background(), "a.ts")
	require.NoError(t, err)
	assert.Equal(t, 4, res.IntentsChecked)

	require.Equal(t, 3, cls.count())
	ids := func(req ClassifyRequest) []string {
		var out []string
		for _, in := range req.Intents {
			out = append(out, in.ID)
		}
		return out
	}
	assert.Equal(t, []string{"i1", "i2"}, ids(cls.calls[0]))
	assert.Len(t, strings.Split(cls.calls[0].Code, "\n"), 8, "merged range keeps the widest end")
	assert.Equal(t, []string{"i3"}, ids(cls.calls[1]))
	assert.Equal(t, []string{"i4"}, ids(cls.calls[2]))
	assert.Len(t, strings.Split(cls.calls[2].Code, "\n"), 50)
}

func TestDetectInFileWholeFileAndRangedLinks(t *testing.T) {
	f := newFixture(t)
	f.writeFile(t, "a.ts", 30)
	f.intent(t, "both", "ranged and whole")
	f.intent(t, "ranged", "ranged only")
	f.link(t, "both", "a.ts", storage.IntPtr(5), storage.IntPtr(10))
	f.link(t, "both", "a.ts", nil, nil)
	f.link(t, "ranged", "a.ts", storage.IntPtr(5), storage.IntPtr(8))

	cls := &stubClassifier{}
	d := NewDetector(f.store, f.lk, cls, nil, nil, Options{Mode: ModeFile})
	_, err := d.DetectInFile(context.Background(), "a.ts")
	require.NoError(t, err)

	require.Equal(t, 2, cls.count())
	assert.Len(t, cls.calls[0].Intents, 2)
	assert.Len(t, strings.Split(cls.calls[0].Code, "\n"), 6)
	require.Len(t, cls.calls[1].Intents, 1)
	assert.Equal(t, "both", cls.calls[1].Intents[0].ID)
	assert.Len(t, strings.Split(cls.calls[1].Code, "\n"), 30)
}

func TestGroupRangesSkipsInvalidStartLine(t *testing.T) {
	lines := make([]string, 10)
	intents := []storage.Intent{{ID: "a"}, {ID: "b"}}
	links := []storage.IntentLink{
		{ID: "l1", IntentID: "a", FileURI: "x.go", StartLine: storage.IntPtr(0), EndLine: storage.IntPtr(4)},
		{ID: "l2", IntentID: "b", FileURI: "x.go", StartLine: storage.IntPtr(-3)},
	}

	var ranges []codeRange
	require.NotPanics(t, func() {
		ranges = groupRanges(GroupPerRange, lines, intents, links)
	})
	require.Len(t, ranges, 1)
	assert.Equal(t, 1, ranges[0].Start)
	assert.Equal(t, 10, ranges[0].End)
	assert.Len(t, ranges[0].Intents, 2)
}

func TestGroupRangesMixedInvalidAndValid(t *testing.T) {
	lines := make([]string, 20)
	intents := []storage.Intent{{ID: "a"}, {ID: "b"}}
	links := []storage.IntentLink{
		{ID: "l1", IntentID: "a", StartLine: storage.IntPtr(0), EndLine: storage.IntPtr(2)},
		{ID: "l2", IntentID: "b", StartLine: storage.IntPtr(3), EndLine: storage.IntPtr(6)},
	}

	ranges := groupRanges(GroupPerRange, lines, intents, links)
	require.Len(t, ranges, 2)
	assert.Equal(t, codeRange{Start: 3, End: 6, Intents: []storage.Intent{{ID: "b"}}}, ranges[0])
	assert.Equal(t, codeRange{Start: 1, End: 20, Intents: []storage.Intent{{ID: "a"}}}, ranges[1])
}

func TestDetectInFilePerFilePolicy(t *testing.T) {
	f := newFixture(t)
	f.writeFile(t, "a.ts", 20)
	f.intent(t, "i1", "one")
	f.intent(t, "i2", "two")
	f.link(t, "i1", "a.ts", storage.IntPtr(5), storage.IntPtr(10))
	f.link(t, "i2", "a.ts", storage.IntPtr(12), storage.IntPtr(14))

	cls := &stubClassifier{}
	d := NewDetector(f.store, f.lk, cls, nil, nil, Options{Mode: ModeFile, Grouping: GroupPerFile})
	_, err := d.DetectInFile(context.Background(), "a.ts")
	require.NoError(t, err)
	require.Equal(t, 1, cls.count())
	assert.Len(t, cls.calls[0].Intents, 2)
}

func TestDetectInFileClassifierFailureIsolated(t *testing.T) {
	f := newFixture(t)
	f.writeFile(t, "a.ts", 40)
	f.intent(t, "i1", "one")
	f.intent(t, "i2", "two")
	f.link(t, "i1", "a.ts", storage.IntPtr(1), storage.IntPtr(5))
	f.link(t, "i2", "a.ts", storage.IntPtr(20), storage.IntPtr(25))

	cls := &stubClassifier{fn: func(req ClassifyRequest) (ClassifyResult, error) {
		if req.Intents[0].ID == "i1" {
			return ClassifyResult{}, errors.New("model unavailable")
		}
		return ClassifyResult{Violations: []Violation{{IntentID: "i2", LineStart: 2, LineEnd: 1, Confidence: 0.7}}}, nil
	}}
	d := NewDetector(f.store, f.lk, cls, nil, nil, Options{Mode: ModeFile})
	res, err := d.DetectInFile(context.Background(), "a.ts")
	require.NoError(t, err)
	require.Len(t, res.Drifts, 1)
	assert.Equal(t, storage.Range{StartLine: 21, EndLine: 21}, res.Drifts[0].Range)
	assert.Equal(t, storage.SeverityWarning, res.Drifts[0].Severity)
}

func TestDetectInFileNoIntents(t *testing.T) {
	f := newFixture(t)
	cls := &stubClassifier{}
	d := NewDetector(f.store, f.lk, cls, nil, nil, Options{Mode: ModeFile})
	res, err := d.DetectInFile(context.Background(), "missing.go")
	require.NoError(t, err)
	assert.Empty(t, res.Drifts)
	assert.Zero(t, res.IntentsChecked)
	assert.Zero(t, cls.count())
}

func TestDetectInDiffEmptySkipsClassifier(t *testing.T) {
	f := newFixture(t)
	f.intent(t, "a", "one")
	f.intent(t, "b", "two")
	f.link(t, "a", "x.go", nil, nil)
	f.link(t, "b", "x.go", nil, nil)

	cls := &stubClassifier{fn: func(ClassifyRequest) (ClassifyResult, error) {
		t.Fatal("classifier must not be called for an empty diff")
		return ClassifyResult{}, nil
	}}
	d := NewDetector(f.store, f.lk, cls, nil, nil, Options{})

	for _, diff := range []string{"", "  \n", "diff --git a/x.go b/x.go\nindex 1..2\n--- a/x.go\n+++ b/x.go\n"} {
		res, err := d.DetectInDiff(context.Background(), "x.go", diff)
		require.NoError(t, err)
		assert.Empty(t, res.Drifts)
		assert.Equal(t, 2, res.IntentsChecked)
	}
	assert.Zero(t, cls.count())
}

func TestDetectInDiffRefundScenario(t *testing.T) {
	f := newFixture(t)
	f.intent(t, "admin-only", "Only admins may issue refunds")
	f.link(t, "admin-only", "src/refund.ts", nil, nil)

	diff := `diff --git a/src/refund.ts b/src/refund.ts
--- a/src/refund.ts
+++ b/src/refund.ts
@@ -43,3 +43,3 @@ export function refund(role: string) {
 // guard
-if (role==='admin') {
+if (role==='admin'||role==='support') {
   issueRefund();
`
	cls := &stubClassifier{fn: func(req ClassifyRequest) (ClassifyResult, error) {
		return ClassifyResult{Violations: []Violation{{
			IntentID: "admin-only", LineStart: 44, LineEnd: 44, Severity: "error", Confidence: 0.95,
			Summary: "support role can refund",
		}}}, nil
	}}
	span := &storage.AttributionSpan{FileURI: "src/refund.ts", StartLine: 40, EndLine: 50, Contributor: "ai", ConversationID: "c1"}
	d := NewDetector(f.store, f.lk, cls, stubAttributor{span: span}, nil, Options{})

	res, err := d.DetectInDiff(context.Background(), filepath.Join(f.root, "src/refund.ts"), diff)
	require.NoError(t, err)
	require.Len(t, res.Drifts, 1)
	ev := res.Drifts[0]
	assert.Equal(t, "src/refund.ts", ev.FileURI)
	assert.Equal(t, 44, ev.Range.StartLine)
	assert.Equal(t, 44, ev.Range.EndLine)
	assert.Equal(t, storage.DriftOpen, ev.Status)
	assert.Equal(t, storage.SeverityError, ev.Severity)
	assert.Equal(t, []string{"admin-only"}, ev.IntentIDs)
	require.NotNil(t, ev.Attribution)
	assert.Equal(t, "c1", ev.Attribution.ConversationID)
	assert.Equal(t, []storage.Range{{StartLine: 44, EndLine: 44}}, res.ChangedRanges)

	require.Equal(t, 1, cls.count())
	assert.True(t, cls.calls[0].AbsoluteLines)
	assert.Contains(t, cls.calls[0].Code, "44: if (role==='admin'||role==='support') {")
	assert.Equal(t, "typescript", cls.calls[0].Language)

	assert.Equal(t, 1, f.store.OpenDriftCount())
}

func TestDetectInDiffUnknownIntentAndConfidence(t *testing.T) {
	f := newFixture(t)
	f.intent(t, "i1", "one")
	f.link(t, "i1", "x.go", nil, nil)

	cls := &stubClassifier{fn: func(ClassifyRequest) (ClassifyResult, error) {
		return ClassifyResult{Violations: []Violation{
			{IntentID: "hallucinated", LineStart: 1, LineEnd: 1, Confidence: 3, Severity: "critical", Summary: "a"},
			{IntentID: "i1", LineStart: 1, LineEnd: 1, Confidence: 0.2, Summary: "b"},
		}}, nil
	}}
	d := NewDetector(f.store, f.lk, cls, nil, nil, Options{MinConfidence: 0.5})
	res, err := d.DetectInDiff(context.Background(), "x.go", "@@ -0,0 +1 @@\n+package x\n")
	require.NoError(t, err)
	require.Len(t, res.Drifts, 1)
	assert.Equal(t, []string{}, res.Drifts[0].IntentIDs)
	assert.Equal(t, 1.0, res.Drifts[0].Confidence)
	assert.Equal(t, storage.SeverityWarning, res.Drifts[0].Severity)
}

// fakeDiffs serves per-file diffs and counts in-flight calls.
type fakeDiffs struct {
	diffs    map[string]string
	inFlight atomic.Int32
	peak     atomic.Int32
	release  chan struct{}
}

func (f *fakeDiffs) FileDiff(_ context.Context, path string, _ vcs.DiffOptions) (string, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.release != nil {
		<-f.release
	}
	d, ok := f.diffs[path]
	if !ok {
		return "", errors.New("no diff")
	}
	return d, nil
}

func TestDetectDriftBatchesInOrder(t *testing.T) {
	f := newFixture(t)
	f.intent(t, "i", "rule")
	var files []string
	diffs := map[string]string{}
	for _, name := range []string{"a.go", "b.go", "c.go", "d.go", "e.go"} {
		f.link(t, "i", name, nil, nil)
		files = append(files, name)
		diffs[name] = "@@ -0,0 +1 @@\n+// " + name + "\n"
	}
	files = append(files, "broken.go")
	f.link(t, "i", "broken.go", nil, nil)

	cls := &stubClassifier{fn: func(req ClassifyRequest) (ClassifyResult, error) {
		return ClassifyResult{Violations: []Violation{{IntentID: "i", LineStart: 1, LineEnd: 1, Confidence: 1, Summary: req.FilePath}}}, nil
	}}
	src := &fakeDiffs{diffs: diffs}
	d := NewDetector(f.store, f.lk, cls, nil, src, Options{BatchSize: 2})

	res, err := d.DetectDrift(context.Background(), files, "")
	require.NoError(t, err)
	assert.Equal(t, 6, res.FilesAnalyzed)
	assert.Equal(t, 5, res.IntentsChecked)
	var order []string
	for _, ev := range res.Drifts {
		order = append(order, ev.FileURI)
	}
	assert.Equal(t, []string{"a.go", "b.go", "c.go", "d.go", "e.go"}, order)
	assert.LessOrEqual(t, src.peak.Load(), int32(2))
}

func TestDetectDriftCancelledBetweenBatches(t *testing.T) {
	f := newFixture(t)
	f.intent(t, "i", "rule")
	f.link(t, "i", "a.go", nil, nil)
	f.link(t, "i", "b.go", nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cls := &stubClassifier{fn: func(ClassifyRequest) (ClassifyResult, error) {
		cancel()
		return ClassifyResult{}, nil
	}}
	src := &fakeDiffs{diffs: map[string]string{"a.go": "@@ -0,0 +1 @@\n+x\n", "b.go": "@@ -0,0 +1 @@\n+y\n"}}
	d := NewDetector(f.store, f.lk, cls, nil, src, Options{BatchSize: 1})

	res, err := d.DetectDrift(ctx, []string{"a.go", "b.go"}, "")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, res.FilesAnalyzed)
	assert.Equal(t, 1, cls.count())
}

func TestLanguageFor(t *testing.T) {
	assert.Equal(t, "typescript", LanguageFor("src/refund.ts"))
	assert.Equal(t, "go", LanguageFor("MAIN.GO"))
	assert.Equal(t, "plaintext", LanguageFor("Makefile"))
}
