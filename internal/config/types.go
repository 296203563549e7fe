package config

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/chatopsd/internal/logging"
)

// Duration wraps time.Duration with text (un)marshalling for YAML/env values
// like "5s" or "2m".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	if parsed < 0 {
		return fmt.Errorf("duration cannot be negative: %s", text)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

// Duration returns the wrapped time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Config is the root configuration for chatopsd.
type Config struct {
	Storage  StorageConfig  `koanf:"storage"`
	Repo     RepoConfig     `koanf:"repo"`
	Policy   PolicyConfig   `koanf:"policy"`
	Telegram TelegramConfig `koanf:"telegram"`
	Model    ModelConfig    `koanf:"model"`
	Loop     LoopConfig     `koanf:"loop"`
	Server   ServerConfig   `koanf:"server"`
	Session  SessionConfig  `koanf:"session"`
	Logging  logging.Config `koanf:"logging"`
}

// StorageConfig locates the durable state directory and workspace root.
type StorageConfig struct {
	// DataDir holds the task queue, event log, sessions, counter, control
	// flags and status projection.
	DataDir string `koanf:"data_dir"`

	// WorkspaceRoot is where per-task checkouts are materialized.
	WorkspaceRoot string `koanf:"workspace_root"`
}

// RepoConfig identifies the target repository for automated changes.
type RepoConfig struct {
	URL    string `koanf:"url"`
	Branch string `koanf:"branch"`

	// Token authenticates pushes. Usually provided via GITHUB_TOKEN.
	Token string `koanf:"token"`
}

// PolicyConfig is the persisted base of the path policy. Environment
// overrides are applied per evaluation by the policy package.
type PolicyConfig struct {
	Allowlist []string `koanf:"allowlist"`
	Denylist  []string `koanf:"denylist"`
}

// TelegramConfig configures the chat channel adapter and notifier.
type TelegramConfig struct {
	BotToken       string   `koanf:"bot_token"`
	NotifyChatID   string   `koanf:"notify_chat_id"`
	PrivilegedIDs  []string `koanf:"privileged_ids"`
	PollTimeout    int      `koanf:"poll_timeout"`
	PollInterval   Duration `koanf:"poll_interval"`
	APIRoot        string   `koanf:"api_root"`
	RequestTimeout Duration `koanf:"request_timeout"`
}

// ModelConfig configures the language-model collaborator.
type ModelConfig struct {
	APIKey  string   `koanf:"api_key"`
	Model   string   `koanf:"model"`
	BaseURL string   `koanf:"base_url"`
	Timeout Duration `koanf:"timeout"`
}

// LoopConfig controls the resolver control loop.
type LoopConfig struct {
	// IdleDelay is the fixed sleep between resolver steps when the queue
	// file shows no activity.
	IdleDelay Duration `koanf:"idle_delay"`
}

// ServerConfig configures the HTTP status/metrics server.
type ServerConfig struct {
	Port int `koanf:"port"`
}

// SessionConfig bounds the per-chat conversation window.
type SessionConfig struct {
	HistoryWindow int `koanf:"history_window"`
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	if c.Storage.WorkspaceRoot == "" {
		return fmt.Errorf("storage.workspace_root is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Loop.IdleDelay.Duration() <= 0 {
		return fmt.Errorf("loop.idle_delay must be positive")
	}
	if c.Session.HistoryWindow < 1 {
		return fmt.Errorf("session.history_window must be at least 1")
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	return nil
}
