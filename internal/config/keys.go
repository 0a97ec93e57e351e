package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "DRIFTGUARD_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.token", typ: kString, env: "DRIFTGUARD_SERVER_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "workspace.root", typ: kString, env: "DRIFTGUARD_WORKSPACE_ROOT",
		apply:   func(cfg *Config, v any) { cfg.Workspace.Root = v.(string) },
		extract: func(cfg Config) any { return cfg.Workspace.Root },
	},
	{
		key: "storage.backend", typ: kString, env: "DRIFTGUARD_STORAGE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Storage.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Backend },
	},
	{
		key: "storage.data_dir", typ: kString, env: "DRIFTGUARD_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.postgres_dsn", typ: kString, env: "DRIFTGUARD_STORAGE_POSTGRES_DSN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Storage.PostgresDSN = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.PostgresDSN },
	},
	{
		key: "storage.s3_endpoint", typ: kString, env: "DRIFTGUARD_STORAGE_S3_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Storage.S3Endpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.S3Endpoint },
	},
	{
		key: "storage.s3_bucket", typ: kString, env: "DRIFTGUARD_STORAGE_S3_BUCKET",
		apply:   func(cfg *Config, v any) { cfg.Storage.S3Bucket = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.S3Bucket },
	},
	{
		key: "storage.s3_access_key", typ: kString, env: "DRIFTGUARD_STORAGE_S3_ACCESS_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Storage.S3AccessKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.S3AccessKey },
	},
	{
		key: "storage.s3_secret_key", typ: kString, env: "DRIFTGUARD_STORAGE_S3_SECRET_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Storage.S3SecretKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.S3SecretKey },
	},
	{
		key: "storage.s3_use_ssl", typ: kBool, env: "DRIFTGUARD_STORAGE_S3_USE_SSL",
		apply:   func(cfg *Config, v any) { cfg.Storage.S3UseSSL = v.(bool) },
		extract: func(cfg Config) any { return cfg.Storage.S3UseSSL },
	},
	{
		key: "engine.backend", typ: kString, env: "DRIFTGUARD_ENGINE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Engine.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.Backend },
	},
	{
		key: "ollama.base_url", typ: kString, env: "DRIFTGUARD_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.model", typ: kString, env: "DRIFTGUARD_OLLAMA_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.Model },
	},
	{
		key: "ollama.num_ctx", typ: kInt, env: "DRIFTGUARD_OLLAMA_NUM_CTX",
		apply:   func(cfg *Config, v any) { cfg.Ollama.NumCtx = v.(int) },
		extract: func(cfg Config) any { return cfg.Ollama.NumCtx },
	},
	{
		key: "openrouter.api_key", typ: kString, env: "DRIFTGUARD_OPENROUTER_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.OpenRouter.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenRouter.APIKey },
	},
	{
		key: "openrouter.model", typ: kString, env: "DRIFTGUARD_OPENROUTER_MODEL",
		apply:   func(cfg *Config, v any) { cfg.OpenRouter.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenRouter.Model },
	},
	{
		key: "gemini.api_key", typ: kString, env: "DRIFTGUARD_GEMINI_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Gemini.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.APIKey },
	},
	{
		key: "gemini.model", typ: kString, env: "DRIFTGUARD_GEMINI_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Gemini.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.Model },
	},
	{
		key: "drift.mode", typ: kString, env: "DRIFTGUARD_DRIFT_MODE",
		apply:   func(cfg *Config, v any) { cfg.Drift.Mode = v.(string) },
		extract: func(cfg Config) any { return cfg.Drift.Mode },
	},
	{
		key: "drift.grouping", typ: kString, env: "DRIFTGUARD_DRIFT_GROUPING",
		apply:   func(cfg *Config, v any) { cfg.Drift.Grouping = v.(string) },
		extract: func(cfg Config) any { return cfg.Drift.Grouping },
	},
	{
		key: "drift.batch_size", typ: kInt, env: "DRIFTGUARD_DRIFT_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Drift.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Drift.BatchSize },
	},
	{
		key: "drift.min_confidence", typ: kFloat, env: "DRIFTGUARD_DRIFT_MIN_CONFIDENCE",
		apply:   func(cfg *Config, v any) { cfg.Drift.MinConfidence = v.(float64) },
		extract: func(cfg Config) any { return cfg.Drift.MinConfidence },
	},
	{
		key: "drift.diff_context", typ: kInt, env: "DRIFTGUARD_DRIFT_DIFF_CONTEXT",
		apply:   func(cfg *Config, v any) { cfg.Drift.DiffContext = v.(int) },
		extract: func(cfg Config) any { return cfg.Drift.DiffContext },
	},
	{
		key: "trace.dir", typ: kString, env: "DRIFTGUARD_TRACE_DIR",
		apply:   func(cfg *Config, v any) { cfg.Trace.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Trace.Dir },
	},
	{
		key: "conversation.dir", typ: kString, env: "DRIFTGUARD_CONVERSATION_DIR",
		apply:   func(cfg *Config, v any) { cfg.Conversation.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Conversation.Dir },
	},
	{
		key: "conversation.cache_size", typ: kInt, env: "DRIFTGUARD_CONVERSATION_CACHE_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Conversation.CacheSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Conversation.CacheSize },
	},
	{
		key: "log.level", typ: kString, env: "DRIFTGUARD_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func envFor(key string) string {
	for _, s := range specs {
		if s.key == key {
			return s.env
		}
	}
	return ""
}

// parseValue converts raw text to the Go type of t.
func parseValue(t keyType, raw string) (any, error) {
	switch t {
	case kInt:
		return strconv.Atoi(strings.TrimSpace(raw))
	case kBool:
		return strconv.ParseBool(strings.TrimSpace(raw))
	case kFloat:
		return strconv.ParseFloat(strings.TrimSpace(raw), 64)
	default:
		return raw, nil
	}
}

// applyBackend copies non-secret keys from b. Secrets are only read from the
// environment.
func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (s.typ != kString && raw == "") {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			slog.Warn("could not parse config key, using default value", "key", s.key, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			slog.Warn("could not parse env var, using default value", "env", s.env, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
}
