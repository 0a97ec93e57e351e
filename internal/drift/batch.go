package drift

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/driftguard/internal/storage"
	"github.com/kalambet/driftguard/internal/vcs"
)

// Result aggregates detection across files.
type Result struct {
	Drifts         []storage.DriftEvent `json:"drifts"`
	FilesAnalyzed  int                  `json:"filesAnalyzed"`
	IntentsChecked int                  `json:"intentsChecked"`
}

// DetectDrift checks files in batches of Options.BatchSize: files within a
// batch run concurrently, batches run one after another. Cancellation is
// observed between batches; the partial result gathered so far is returned
// together with the context error. Per-file failures are logged and the file
// contributes no events.
func (d *Detector) DetectDrift(ctx context.Context, files []string, since string) (Result, error) {
	res := Result{Drifts: []storage.DriftEvent{}}

	for start := 0; start < len(files); start += d.opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		end := min(start+d.opts.BatchSize, len(files))
		batch := files[start:end]
		results := make([]FileResult, len(batch))

		var g errgroup.Group
		for i, f := range batch {
			g.Go(func() error {
				results[i] = d.detectOne(ctx, f, since)
				return nil
			})
		}
		_ = g.Wait()

		for _, r := range results {
			res.FilesAnalyzed++
			res.IntentsChecked += r.IntentsChecked
			res.Drifts = append(res.Drifts, r.Drifts...)
		}
	}
	return res, nil
}

func (d *Detector) detectOne(ctx context.Context, file, since string) FileResult {
	var (
		r   FileResult
		err error
	)
	if d.opts.Mode == ModeDiff && d.diffs != nil {
		if len(d.linker.IntentsForFile(ctx, file)) == 0 {
			return FileResult{FileURI: d.store.Canonical(file), Drifts: []storage.DriftEvent{}}
		}
		var diff string
		diff, err = d.diffs.FileDiff(ctx, file, vcs.DiffOptions{Since: since, Context: d.opts.DiffContext})
		if err == nil {
			r, err = d.DetectInDiff(ctx, file, diff)
		}
	} else {
		r, err = d.DetectInFile(ctx, file)
	}
	if err != nil {
		d.logger.Warn("drift detection failed for file", "file", file, "error", err)
		r.Drifts = nil
	}
	if r.FileURI == "" {
		r.FileURI = d.store.Canonical(file)
	}
	return r
}
