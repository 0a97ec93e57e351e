// Package config loads driftguard settings from defaults, a TOML file and
// DRIFTGUARD_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type Config struct {
	Server       ServerConfig
	Workspace    WorkspaceConfig
	Storage      StorageConfig
	Engine       EngineConfig
	Ollama       OllamaConfig
	OpenRouter   OpenRouterConfig
	Gemini       GeminiConfig
	Drift        DriftConfig
	Trace        TraceConfig
	Conversation ConversationConfig
	Log          LogConfig
}

type ServerConfig struct {
	Port  int
	Token string
}

type WorkspaceConfig struct {
	Root string
}

type StorageConfig struct {
	Backend     string
	DataDir     string
	PostgresDSN string
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3UseSSL    bool
}

type EngineConfig struct {
	Backend string
}

type OllamaConfig struct {
	BaseURL string
	Model   string
	NumCtx  int
}

type OpenRouterConfig struct {
	APIKey string
	Model  string
}

type GeminiConfig struct {
	APIKey string
	Model  string
}

type DriftConfig struct {
	Mode          string
	Grouping      string
	BatchSize     int
	MinConfidence float64
	DiffContext   int
}

type TraceConfig struct {
	Dir string
}

type ConversationConfig struct {
	Dir       string
	CacheSize int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server:  ServerConfig{Port: 4100},
		Storage: StorageConfig{Backend: "file", DataDir: ".driftguard"},
		Engine:  EngineConfig{Backend: "ollama"},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
			Model:   "qwen2.5-coder:7b",
			NumCtx:  8192,
		},
		OpenRouter: OpenRouterConfig{Model: "anthropic/claude-sonnet-4"},
		Gemini:     GeminiConfig{Model: "gemini-2.5-flash"},
		Drift: DriftConfig{
			Mode:          "diff",
			Grouping:      "per_range",
			BatchSize:     5,
			MinConfidence: 0,
			DiffContext:   3,
		},
		Trace:        TraceConfig{Dir: ".agent-trace"},
		Conversation: ConversationConfig{Dir: ".driftguard/conversations", CacheSize: 128},
		Log:          LogConfig{Level: "info"},
	}
}

// Load reads the config file at FilePath, applies environment overrides,
// resolves relative directories against the workspace root and validates
// the result.
func Load() (Config, error) {
	return loadWith(newFileBackend(FilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	if err := cfg.resolvePaths(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) resolvePaths() error {
	root := c.Workspace.Root
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolving workspace root: %w", err)
		}
		root = wd
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolving workspace root: %w", err)
	}
	c.Workspace.Root = root

	for _, p := range []*string{&c.Storage.DataDir, &c.Trace.Dir, &c.Conversation.Dir} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(root, *p)
		}
	}
	return nil
}

// Validate reports every invalid or missing setting at once.
func (c Config) Validate() error {
	var errs []error
	check := func(key, val string, allowed ...string) {
		for _, a := range allowed {
			if val == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, "|"), val))
	}

	check("storage.backend", c.Storage.Backend, "file", "sqlite", "postgres", "s3")
	check("engine.backend", c.Engine.Backend, "ollama", "openrouter", "gemini")
	check("drift.mode", c.Drift.Mode, "diff", "file")
	check("drift.grouping", c.Drift.Grouping, "per_range", "per_file")
	check("log.level", c.Log.Level, "debug", "info", "warn", "error")

	if c.Drift.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("drift.batch_size must be at least 1"))
	}
	if c.Drift.MinConfidence < 0 || c.Drift.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("drift.min_confidence must be within [0,1]"))
	}

	switch c.Storage.Backend {
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, missing("storage.postgres_dsn"))
		}
	case "s3":
		for key, val := range map[string]string{
			"storage.s3_endpoint":   c.Storage.S3Endpoint,
			"storage.s3_bucket":     c.Storage.S3Bucket,
			"storage.s3_access_key": c.Storage.S3AccessKey,
			"storage.s3_secret_key": c.Storage.S3SecretKey,
		} {
			if val == "" {
				errs = append(errs, missing(key))
			}
		}
	}
	switch c.Engine.Backend {
	case "openrouter":
		if c.OpenRouter.APIKey == "" {
			errs = append(errs, missing("openrouter.api_key"))
		}
	case "gemini":
		if c.Gemini.APIKey == "" {
			errs = append(errs, missing("gemini.api_key"))
		}
	}
	return errors.Join(errs...)
}

func missing(key string) error {
	return fmt.Errorf("missing required config: %s. Set it via environment variable %s", key, envFor(key))
}

// Model returns the model name configured for the selected engine.
func (c Config) Model() string {
	switch c.Engine.Backend {
	case "openrouter":
		return c.OpenRouter.Model
	case "gemini":
		return c.Gemini.Model
	default:
		return c.Ollama.Model
	}
}
