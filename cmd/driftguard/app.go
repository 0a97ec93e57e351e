package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/kalambet/driftguard/internal/attribution"
	"github.com/kalambet/driftguard/internal/classifier"
	"github.com/kalambet/driftguard/internal/config"
	"github.com/kalambet/driftguard/internal/conversation"
	"github.com/kalambet/driftguard/internal/drift"
	"github.com/kalambet/driftguard/internal/engine"
	"github.com/kalambet/driftguard/internal/intent"
	"github.com/kalambet/driftguard/internal/linker"
	"github.com/kalambet/driftguard/internal/orchestrator"
	"github.com/kalambet/driftguard/internal/storage"
	"github.com/kalambet/driftguard/internal/vcs"
)

// app is the fully wired engine shared by the HTTP and MCP servers.
type app struct {
	cfg    config.Config
	store  *storage.Store
	index  *attribution.Index
	convs  *conversation.Loader
	linker *linker.Linker
	orch   *orchestrator.Orchestrator
}

func openDocuments(cfg config.Config) (storage.Documents, error) {
	switch cfg.Storage.Backend {
	case "", "file":
		return storage.OpenFile(cfg.Storage.DataDir)
	case "sqlite":
		return storage.OpenSQLite(cfg.Storage.DataDir)
	case "postgres":
		return storage.OpenPostgres(cfg.Storage.PostgresDSN)
	case "s3":
		return storage.OpenS3(storage.S3Config{
			Endpoint:  cfg.Storage.S3Endpoint,
			AccessKey: cfg.Storage.S3AccessKey,
			SecretKey: cfg.Storage.S3SecretKey,
			Bucket:    cfg.Storage.S3Bucket,
			UseSSL:    cfg.Storage.S3UseSSL,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// newApp opens storage, loads attribution traces and makes sure the
// configured model is available. Model pull progress goes to progress.
func newApp(ctx context.Context, cfg config.Config, progress io.Writer) (*app, error) {
	eng, err := engine.Detect(ctx, engine.DetectConfig{
		Backend:          cfg.Engine.Backend,
		OllamaBaseURL:    cfg.Ollama.BaseURL,
		OllamaNumCtx:     cfg.Ollama.NumCtx,
		OpenRouterAPIKey: cfg.OpenRouter.APIKey,
		GeminiAPIKey:     cfg.Gemini.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("detecting inference engine: %w", err)
	}
	model := cfg.Model()
	if err := engine.EnsureReady(ctx, eng, []string{model}, progress); err != nil {
		return nil, err
	}

	docs, err := openDocuments(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening %s storage: %w", cfg.Storage.Backend, err)
	}
	store, err := storage.Open(ctx, docs, cfg.Workspace.Root)
	if err != nil {
		docs.Close()
		return nil, fmt.Errorf("loading intent store: %w", err)
	}

	index := attribution.New(cfg.Workspace.Root)
	n, err := index.LoadDir(ctx, cfg.Trace.Dir)
	if err != nil {
		slog.Warn("failed to load attribution traces", "dir", cfg.Trace.Dir, "error", err)
	}
	slog.Info("attribution traces loaded", "traces", n, "spans", index.Len())

	convs, err := conversation.NewLoader(cfg.Conversation.Dir, index, cfg.Conversation.CacheSize)
	if err != nil {
		store.Close()
		return nil, err
	}

	git := vcs.New(cfg.Workspace.Root)
	lk := linker.New(store, convs)
	detector := drift.NewDetector(store, lk, classifier.New(eng, model), index, git, drift.Options{
		Mode:          drift.Mode(cfg.Drift.Mode),
		Grouping:      drift.GroupingPolicy(cfg.Drift.Grouping),
		BatchSize:     cfg.Drift.BatchSize,
		MinConfidence: cfg.Drift.MinConfidence,
		DiffContext:   cfg.Drift.DiffContext,
	})
	orch := orchestrator.New(orchestrator.Deps{
		Store:         store,
		Detector:      detector,
		Changes:       git,
		Conversations: convs,
		Extractor:     intent.NewExtractor(eng, model),
	})

	return &app{cfg: cfg, store: store, index: index, convs: convs, linker: lk, orch: orch}, nil
}

// refreshAttribution reloads the trace directory and drops cached
// conversations whose file ranges may have changed.
func (a *app) refreshAttribution(ctx context.Context) (int, error) {
	n, err := a.index.LoadDir(ctx, a.cfg.Trace.Dir)
	if err != nil {
		return 0, err
	}
	a.convs.Invalidate()
	slog.Info("attribution traces reloaded", "traces", n, "spans", a.index.Len())
	return n, nil
}

func (a *app) Close() error {
	return a.store.Close()
}
