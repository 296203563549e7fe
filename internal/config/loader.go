// Package config provides configuration loading for chatopsd.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// envPrefix namespaces environment overrides: CHATOPS_SERVER_PORT,
// CHATOPS_REPO_URL, CHATOPS_STORAGE_DATA_DIR, and so on.
const envPrefix = "CHATOPS_"

// defaultYAML carries the hardcoded defaults, loaded before any file so
// every key has a value.
var defaultYAML = []byte(`
storage:
  data_dir: ./data
  workspace_root: ./workspaces
repo:
  branch: main
telegram:
  poll_timeout: 50
  poll_interval: 2s
  request_timeout: 30s
model:
  model: gpt-4o-mini
  timeout: 120s
loop:
  idle_delay: 5s
server:
  port: 9090
session:
  history_window: 20
logging:
  level: info
  format: json
  fields:
    service: chatopsd
`)

// Load loads configuration with the following precedence (highest first):
//
//  1. Environment variables (CHATOPS_SERVER_PORT, CHATOPS_REPO_URL, ...)
//  2. YAML config file (configPath, skipped when empty or missing)
//  3. Hardcoded defaults
//
// Environment variables map to config keys by stripping the CHATOPS_ prefix,
// lowercasing, and splitting section from field on the first underscore:
//
//	CHATOPS_SERVER_PORT        -> server.port
//	CHATOPS_STORAGE_DATA_DIR   -> storage.data_dir
//	CHATOPS_TELEGRAM_BOT_TOKEN -> telegram.bot_token
//
// The repo push token additionally honors the conventional GITHUB_TOKEN
// variable when repo.token is otherwise unset.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider(defaultYAML), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath != "" {
		content, err := os.ReadFile(configPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else {
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
			}
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		// CHATOPS_SECTION_FIELD_NAME -> section.field_name.
		// The section never contains an underscore, so split on the first.
		lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Repo.Token == "" {
		cfg.Repo.Token = os.Getenv("GITHUB_TOKEN")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}
