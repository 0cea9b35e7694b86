package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type Config struct {
	DataDir       string `json:"data_dir"`
	LogLevel      string `json:"log_level"`
	MaxConcurrent int    `json:"max_concurrent"`
	Workspace     struct {
		Root         string `json:"root"`
		WorktreeBase string `json:"worktree_base"`
	} `json:"workspace"`
	Git struct {
		TimeoutSeconds int `json:"timeout_seconds"`
	} `json:"git"`
	Assistant struct {
		Default    string `json:"default"`
		ClaudePath string `json:"claude_path"`
		CodexPath  string `json:"codex_path"`
	} `json:"assistant"`
	Telegram struct {
		Token         string `json:"token"`
		StreamingMode string `json:"streaming_mode"`
	} `json:"telegram"`
	GitHub struct {
		Token         string `json:"token"`
		WebhookSecret string `json:"webhook_secret"`
		BotMention    string `json:"bot_mention"`
	} `json:"github"`
	HTTP struct {
		Enabled bool   `json:"enabled"`
		Listen  string `json:"listen"`
	} `json:"http"`
}

// Defaults returns the configuration used when no file exists yet.
func Defaults() *Config {
	cfg := &Config{
		DataDir:       filepath.Join(os.Getenv("HOME"), ".remoteagent"),
		LogLevel:      "info",
		MaxConcurrent: 2,
	}
	cfg.Workspace.Root = "/workspace"
	cfg.Git.TimeoutSeconds = 30
	cfg.Assistant.Default = "claude"
	cfg.Assistant.ClaudePath = "claude"
	cfg.Assistant.CodexPath = "codex"
	cfg.Telegram.StreamingMode = "stream"
	cfg.GitHub.BotMention = "@remote-agent"
	cfg.HTTP.Listen = "127.0.0.1:8080"
	return cfg
}

// GitTimeout returns the per-invocation git timeout.
func (c *Config) GitTimeout() time.Duration {
	if c.Git.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Git.TimeoutSeconds) * time.Second
}

func Load(path string) (*Config, error) {
	cfg := Defaults()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overrides file values from the environment (highest precedence).
func applyEnv(cfg *Config) {
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("TELEGRAM_STREAMING_MODE"); v != "" {
		cfg.Telegram.StreamingMode = v
	}
	if v := os.Getenv("GITHUB_TOKEN"); v != "" {
		cfg.GitHub.Token = v
	}
	if v := os.Getenv("WEBHOOK_SECRET"); v != "" {
		cfg.GitHub.WebhookSecret = v
	}
	if v := os.Getenv("WORKSPACE_PATH"); v != "" {
		cfg.Workspace.Root = v
	}
	if v := os.Getenv("WORKTREE_BASE"); v != "" {
		cfg.Workspace.WorktreeBase = v
	}
	if v := os.Getenv("DEFAULT_AI_ASSISTANT"); v != "" {
		cfg.Assistant.Default = v
	}
	if v := os.Getenv("MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConcurrent = n
		}
	}
}

// Save writes cfg to path atomically.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(path, data)
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg to its generic JSON shape.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListValues returns cfg as dot-separated keys, optionally masking secrets.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

func readFileMap(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m := map[string]any{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return m, nil
}

// GetValue reads a single dot-separated key from the file at path.
func GetValue(path, key string) (any, error) {
	m, err := readFileMap(path)
	if err != nil {
		return nil, err
	}
	v, ok := Flatten(m)[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue sets a dot-separated key in the file at path. Values that parse
// as JSON (numbers, booleans) are stored typed; anything else as a string.
func SetValue(path, key, raw string) error {
	m, err := readFileMap(path)
	if err != nil {
		return err
	}

	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		value = raw
	}

	flat := Flatten(m)
	flat[key] = value

	data, err := json.MarshalIndent(Unflatten(flat), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(path, data)
}
