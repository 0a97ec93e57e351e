package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// EnsureReady checks that the Engine is reachable and required models are
// available. Missing models are pulled with progress output written to w,
// then each model is warmed with a one-token request so the first
// classification does not pay the load time.
func EnsureReady(ctx context.Context, e Engine, models []string, w io.Writer) error {
	if !e.IsRunning(ctx) {
		return fmt.Errorf("inference engine is not reachable; please ensure the backend is started")
	}

	seen := map[string]bool{}
	for _, model := range models {
		if model == "" || seen[model] {
			continue
		}
		seen[model] = true

		if !e.HasModel(ctx, model) {
			fmt.Fprintf(w, "model %s: pulling...\n", model)
			err := e.PullModel(ctx, model, func(p PullProgress) {
				if p.Total > 0 {
					pct := float64(p.Completed) / float64(p.Total) * 100
					fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, pct)
				} else {
					fmt.Fprintf(w, "  %s\n", p.Status)
				}
			})
			if err != nil {
				return fmt.Errorf("pulling model %s: %w", model, err)
			}
		}

		warmUp(ctx, e, model)
		fmt.Fprintf(w, "model %s: ready\n", model)
	}
	return nil
}

// warmUp failures are logged only; the model may still serve requests.
func warmUp(ctx context.Context, e Engine, model string) {
	start := time.Now()
	_, err := e.Chat(ctx, model, []Message{{Role: RoleUser, Content: "ping"}}, nil)
	if err != nil {
		slog.Warn("model warm-up failed", "model", model, "error", err)
		return
	}
	slog.Debug("model warmed up", "model", model, "duration", time.Since(start))
}
