package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "./data", cfg.Storage.DataDir)
	assert.Equal(t, "main", cfg.Repo.Branch)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Loop.IdleDelay.Duration())
	assert.Equal(t, 20, cfg.Session.HistoryWindow)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
storage:
  data_dir: /var/lib/chatopsd
repo:
  url: https://example.com/org/repo.git
  branch: develop
loop:
  idle_delay: 250ms
`)
	require.NoError(t, os.WriteFile(path, content, 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/chatopsd", cfg.Storage.DataDir)
	assert.Equal(t, "https://example.com/org/repo.git", cfg.Repo.URL)
	assert.Equal(t, "develop", cfg.Repo.Branch)
	assert.Equal(t, 250*time.Millisecond, cfg.Loop.IdleDelay.Duration())
	// Untouched sections keep defaults.
	assert.Equal(t, 9090, cfg.Server.Port)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CHATOPS_SERVER_PORT", "8088")
	t.Setenv("CHATOPS_REPO_BRANCH", "release")
	t.Setenv("CHATOPS_TELEGRAM_BOT_TOKEN", "tg-token")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8088, cfg.Server.Port)
	assert.Equal(t, "release", cfg.Repo.Branch)
	assert.Equal(t, "tg-token", cfg.Telegram.BotToken)
}

func TestLoadGithubTokenFallback(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "ghp_fallback")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "ghp_fallback", cfg.Repo.Token)

	t.Setenv("CHATOPS_REPO_TOKEN", "ghp_explicit")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, "ghp_explicit", cfg.Repo.Token)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("CHATOPS_SERVER_PORT", "0")

	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadMissingFileIgnored(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "./data", cfg.Storage.DataDir)
}
