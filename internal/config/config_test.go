package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func tempConfigPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "config.json")
}

func writeTestConfig(t *testing.T, path string, cfg *Config) {
	t.Helper()
	if err := Save(path, cfg); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"TELEGRAM_BOT_TOKEN", "TELEGRAM_STREAMING_MODE", "GITHUB_TOKEN", "WEBHOOK_SECRET",
		"WORKSPACE_PATH", "WORKTREE_BASE", "DEFAULT_AI_ASSISTANT", "MAX_CONCURRENT",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_WritesDefaults(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Workspace.Root != "/workspace" {
		t.Errorf("expected default workspace.root=/workspace, got %q", cfg.Workspace.Root)
	}
	if cfg.Assistant.Default != "claude" {
		t.Errorf("expected default assistant claude, got %q", cfg.Assistant.Default)
	}
	if cfg.GitTimeout() != 30*time.Second {
		t.Errorf("expected 30s git timeout, got %v", cfg.GitTimeout())
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("defaults not written: %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)

	cfg := Defaults()
	cfg.GitHub.Token = "from-file"
	writeTestConfig(t, path, cfg)

	t.Setenv("GITHUB_TOKEN", "from-env")
	t.Setenv("WORKSPACE_PATH", "/srv/ws")
	t.Setenv("TELEGRAM_STREAMING_MODE", "batch")
	t.Setenv("DEFAULT_AI_ASSISTANT", "codex")

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.GitHub.Token != "from-env" {
		t.Errorf("expected env token to win, got %q", loaded.GitHub.Token)
	}
	if loaded.Workspace.Root != "/srv/ws" {
		t.Errorf("expected workspace root from env, got %q", loaded.Workspace.Root)
	}
	if loaded.Telegram.StreamingMode != "batch" {
		t.Errorf("expected batch mode from env, got %q", loaded.Telegram.StreamingMode)
	}
	if loaded.Assistant.Default != "codex" {
		t.Errorf("expected codex from env, got %q", loaded.Assistant.Default)
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := tempConfigPath(t)
	if err := os.WriteFile(path, []byte("{nope"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSave_ReloadRoundTrip(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)

	original := Defaults()
	original.DataDir = "/tmp/test-data"
	original.LogLevel = "debug"
	original.MaxConcurrent = 4
	original.Workspace.WorktreeBase = "/tmp/worktrees"
	original.Telegram.Token = "bot-token-456"
	original.GitHub.WebhookSecret = "whsec"
	original.HTTP.Enabled = true

	writeTestConfig(t, path, original)

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.DataDir != original.DataDir {
		t.Errorf("DataDir mismatch: %v != %v", loaded.DataDir, original.DataDir)
	}
	if loaded.LogLevel != original.LogLevel {
		t.Errorf("LogLevel mismatch: %v != %v", loaded.LogLevel, original.LogLevel)
	}
	if loaded.MaxConcurrent != original.MaxConcurrent {
		t.Errorf("MaxConcurrent mismatch: %v != %v", loaded.MaxConcurrent, original.MaxConcurrent)
	}
	if loaded.Workspace.WorktreeBase != original.Workspace.WorktreeBase {
		t.Errorf("WorktreeBase mismatch: %v != %v", loaded.Workspace.WorktreeBase, original.Workspace.WorktreeBase)
	}
	if loaded.Telegram.Token != original.Telegram.Token {
		t.Errorf("Telegram.Token mismatch: %v != %v", loaded.Telegram.Token, original.Telegram.Token)
	}
	if loaded.GitHub.WebhookSecret != original.GitHub.WebhookSecret {
		t.Errorf("GitHub.WebhookSecret mismatch: %v != %v", loaded.GitHub.WebhookSecret, original.GitHub.WebhookSecret)
	}
	if !loaded.HTTP.Enabled {
		t.Error("HTTP.Enabled not preserved")
	}
}

func TestSave_AtomicWrite(t *testing.T) {
	path := tempConfigPath(t)

	if err := Save(path, &Config{LogLevel: "info"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file should not exist after successful save")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read saved config: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Errorf("saved file is not valid JSON: %v", err)
	}
}

func TestToMap(t *testing.T) {
	cfg := &Config{DataDir: "/tmp/test", LogLevel: "debug"}
	cfg.Git.TimeoutSeconds = 45
	cfg.Assistant.Default = "codex"

	m, err := ToMap(cfg)
	if err != nil {
		t.Fatalf("ToMap failed: %v", err)
	}
	if m["data_dir"] != "/tmp/test" {
		t.Errorf("expected data_dir=/tmp/test, got %v", m["data_dir"])
	}
	git, ok := m["git"].(map[string]any)
	if !ok {
		t.Fatalf("expected git to be map, got %T", m["git"])
	}
	// JSON numbers are float64
	if git["timeout_seconds"] != float64(45) {
		t.Errorf("expected git.timeout_seconds=45, got %v", git["timeout_seconds"])
	}
	asst := m["assistant"].(map[string]any)
	if asst["default"] != "codex" {
		t.Errorf("expected assistant.default=codex, got %v", asst["default"])
	}
}

func TestListValues(t *testing.T) {
	cfg := &Config{LogLevel: "info"}
	cfg.GitHub.Token = "ghp-secret-1234"
	cfg.GitHub.WebhookSecret = "hook-5678"
	cfg.Telegram.Token = "bot-token-abcd"

	plain, err := ListValues(cfg, false)
	if err != nil {
		t.Fatalf("ListValues failed: %v", err)
	}
	if plain["github.token"] != "ghp-secret-1234" {
		t.Errorf("expected unmasked github.token, got %v", plain["github.token"])
	}

	masked, err := ListValues(cfg, true)
	if err != nil {
		t.Fatalf("ListValues failed: %v", err)
	}
	if masked["github.token"] != "***1234" {
		t.Errorf("expected masked github.token=***1234, got %v", masked["github.token"])
	}
	if masked["github.webhook_secret"] != "***5678" {
		t.Errorf("expected masked github.webhook_secret=***5678, got %v", masked["github.webhook_secret"])
	}
	if masked["telegram.token"] != "***abcd" {
		t.Errorf("expected masked telegram.token=***abcd, got %v", masked["telegram.token"])
	}
	if masked["log_level"] != "info" {
		t.Errorf("expected log_level=info, got %v", masked["log_level"])
	}
}

func TestGetValue(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{LogLevel: "debug", MaxConcurrent: 8}
	cfg.Workspace.Root = "/srv/ws"
	writeTestConfig(t, path, cfg)

	v, err := GetValue(path, "workspace.root")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "/srv/ws" {
		t.Errorf("expected workspace.root=/srv/ws, got %v", v)
	}

	v, err = GetValue(path, "max_concurrent")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != float64(8) {
		t.Errorf("expected max_concurrent=8, got %v (%T)", v, v)
	}

	_, err = GetValue(path, "nonexistent.key")
	if err == nil || err.Error() != "unknown config key: nonexistent.key" {
		t.Errorf("expected unknown key error, got %v", err)
	}
}

func TestSetValue(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{LogLevel: "info", MaxConcurrent: 2}
	cfg.Assistant.Default = "claude"
	writeTestConfig(t, path, cfg)

	cases := []struct {
		key, raw string
		want     any
	}{
		{"log_level", "debug", "debug"},
		{"max_concurrent", "16", float64(16)},
		{"http.enabled", "true", true},
		{"github.bot_mention", "@helper", "@helper"},
		{"custom.setting", "value", "value"},
	}
	for _, tc := range cases {
		if err := SetValue(path, tc.key, tc.raw); err != nil {
			t.Fatalf("SetValue(%s) failed: %v", tc.key, err)
		}
		v, err := GetValue(path, tc.key)
		if err != nil {
			t.Fatalf("GetValue(%s) failed: %v", tc.key, err)
		}
		if v != tc.want {
			t.Errorf("%s: expected %v (%T), got %v (%T)", tc.key, tc.want, tc.want, v, v)
		}
	}

	// Other values are preserved
	v, err := GetValue(path, "assistant.default")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "claude" {
		t.Errorf("expected assistant.default=claude (preserved), got %v", v)
	}
}

func TestSetValue_NonexistentFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist", "config.json")
	if err := SetValue(path, "log_level", "debug"); err == nil {
		t.Fatal("expected error for nonexistent file, got nil")
	}
}
