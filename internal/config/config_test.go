package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// clearEnv blanks every DRIFTGUARD_* variable for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

// TestDefaults verifies all default values are applied when loading an empty config file.
func TestDefaults(t *testing.T) {
	clearEnv(t)
	root := t.TempDir()
	t.Setenv("DRIFTGUARD_WORKSPACE_ROOT", root)

	cfg, err := loadWith(newFileBackend(writeTempConfig(t, `# empty`)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Storage.Backend != "file" {
		t.Errorf("Storage.Backend = %q, want file", cfg.Storage.Backend)
	}
	if cfg.Storage.DataDir != filepath.Join(root, ".driftguard") {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
	if cfg.Conversation.Dir != filepath.Join(root, ".driftguard", "conversations") {
		t.Errorf("Conversation.Dir = %q", cfg.Conversation.Dir)
	}
	if cfg.Engine.Backend != "ollama" || cfg.Model() != "qwen2.5-coder:7b" {
		t.Errorf("engine = %q model = %q", cfg.Engine.Backend, cfg.Model())
	}
	if cfg.Drift.Mode != "diff" || cfg.Drift.Grouping != "per_range" || cfg.Drift.BatchSize != 5 {
		t.Errorf("Drift = %+v", cfg.Drift)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
}

// TestTOMLParsing verifies that fields are correctly read from a TOML file.
func TestTOMLParsing(t *testing.T) {
	clearEnv(t)
	content := `
[server]
port = 5000

[workspace]
root = "/srv/checkout"

[storage]
backend = "sqlite"
data_dir = "/var/lib/driftguard"
s3_use_ssl = true

[ollama]
base_url = "http://custom:11434"
model = "llama3.1"
num_ctx = 4096

[drift]
mode = "file"
grouping = "per_file"
batch_size = 8
min_confidence = 0.6
diff_context = 5

[trace]
dir = "traces"

[conversation]
cache_size = 16
`
	cfg, err := loadWith(newFileBackend(writeTempConfig(t, content)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Workspace.Root != "/srv/checkout" {
		t.Errorf("Workspace.Root = %q", cfg.Workspace.Root)
	}
	if cfg.Storage.Backend != "sqlite" || cfg.Storage.DataDir != "/var/lib/driftguard" || !cfg.Storage.S3UseSSL {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.Ollama.BaseURL != "http://custom:11434" || cfg.Ollama.Model != "llama3.1" || cfg.Ollama.NumCtx != 4096 {
		t.Errorf("Ollama = %+v", cfg.Ollama)
	}
	want := DriftConfig{Mode: "file", Grouping: "per_file", BatchSize: 8, MinConfidence: 0.6, DiffContext: 5}
	if cfg.Drift != want {
		t.Errorf("Drift = %+v, want %+v", cfg.Drift, want)
	}
	if cfg.Trace.Dir != "/srv/checkout/traces" {
		t.Errorf("Trace.Dir = %q", cfg.Trace.Dir)
	}
	if cfg.Conversation.CacheSize != 16 {
		t.Errorf("Conversation.CacheSize = %d", cfg.Conversation.CacheSize)
	}
}

// TestEnvOverride verifies that environment variables override config file values.
func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, "[drift]\nbatch_size = 3\n[engine]\nbackend = \"ollama\"\n")

	t.Setenv("DRIFTGUARD_DRIFT_BATCH_SIZE", "9")
	t.Setenv("DRIFTGUARD_ENGINE_BACKEND", "openrouter")
	t.Setenv("DRIFTGUARD_OPENROUTER_API_KEY", "env-key")
	t.Setenv("DRIFTGUARD_DRIFT_MIN_CONFIDENCE", "not-a-number")

	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Drift.BatchSize != 9 {
		t.Errorf("BatchSize = %d, want 9", cfg.Drift.BatchSize)
	}
	if cfg.OpenRouter.APIKey != "env-key" {
		t.Errorf("OpenRouter.APIKey = %q", cfg.OpenRouter.APIKey)
	}
	if cfg.Model() != "anthropic/claude-sonnet-4" {
		t.Errorf("Model() = %q", cfg.Model())
	}
	if cfg.Drift.MinConfidence != 0 {
		t.Errorf("unparseable env value should keep default, got %v", cfg.Drift.MinConfidence)
	}
}

// TestSecretsIgnoredInFile verifies secrets are only read from the environment.
func TestSecretsIgnoredInFile(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, "[engine]\nbackend = \"gemini\"\n[gemini]\napi_key = \"file-key\"\n")

	_, err := loadWith(newFileBackend(path))
	if err == nil {
		t.Fatal("expected error for missing gemini api key")
	}
	if !strings.Contains(err.Error(), "missing required config: gemini.api_key") {
		t.Errorf("error = %q", err)
	}
	if !strings.Contains(err.Error(), "DRIFTGUARD_GEMINI_API_KEY") {
		t.Errorf("error should name the env var: %q", err)
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := defaults()
	cfg.Storage.Backend = "s3"
	cfg.Drift.Mode = "lines"
	cfg.Drift.BatchSize = 0
	cfg.Drift.MinConfidence = 2

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{"drift.mode", "drift.batch_size", "drift.min_confidence", "storage.s3_bucket", "storage.s3_secret_key"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error missing %q: %s", want, msg)
		}
	}
}

func TestSetKeyRoundTrip(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	b := newFileBackend(path)

	if err := setKey(b, "drift.batch_size", "7"); err != nil {
		t.Fatalf("setKey: %v", err)
	}
	if err := setKey(b, "drift.min_confidence", "0.25"); err != nil {
		t.Fatalf("setKey: %v", err)
	}
	if err := setKey(b, "storage.s3_use_ssl", "true"); err != nil {
		t.Fatalf("setKey: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "[drift]") {
		t.Errorf("expected [drift] table, got:\n%s", data)
	}

	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Drift.BatchSize != 7 || cfg.Drift.MinConfidence != 0.25 || !cfg.Storage.S3UseSSL {
		t.Errorf("round trip lost values: %+v %+v", cfg.Drift, cfg.Storage)
	}

	if err := b.Delete("drift.batch_size"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := newFileBackend(path).GetInt("drift.batch_size"); ok {
		t.Error("deleted key still present")
	}
}

func TestSetKeyRejects(t *testing.T) {
	b := newFileBackend(filepath.Join(t.TempDir(), "config.toml"))

	if err := setKey(b, "openrouter.api_key", "x"); err == nil || !strings.Contains(err.Error(), "DRIFTGUARD_OPENROUTER_API_KEY") {
		t.Errorf("secret key: err = %v", err)
	}
	if err := setKey(b, "drift.batch_size", "many"); err == nil {
		t.Error("expected error for non-integer value")
	}
	if err := setKey(b, "no.such_key", "1"); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.OpenRouter.APIKey = "sk-secret"
	cfg.Server.Token = "tok"

	for _, k := range ShowAll(cfg) {
		if strings.Contains(k.Value, "secret") || k.Value == "tok" {
			t.Errorf("secret leaked via %s", k.Key)
		}
		if !strings.HasPrefix(k.EnvVar, "DRIFTGUARD_") {
			t.Errorf("%s env var = %q", k.Key, k.EnvVar)
		}
	}
	if len(ShowAll(cfg)) != len(ValidKeys()) {
		t.Error("ShowAll and ValidKeys disagree")
	}
}

func TestFilePath(t *testing.T) {
	t.Setenv("DRIFTGUARD_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := FilePath(); got != "/xdg/driftguard/config.toml" {
		t.Errorf("FilePath() = %q", got)
	}
	t.Setenv("DRIFTGUARD_CONFIG", "/etc/driftguard.toml")
	if got := FilePath(); got != "/etc/driftguard.toml" {
		t.Errorf("FilePath() = %q", got)
	}
}
