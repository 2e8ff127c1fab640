package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSupervisorConfigDefaults(t *testing.T) {
	cfg, err := LoadSupervisorConfig()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Proxy.ListenHost)
	assert.Equal(t, 8091, cfg.Proxy.ListenPort)
	assert.Equal(t, 9998, cfg.Proxy.EmbeddingPort)
	assert.Equal(t, 9999, cfg.Proxy.ChatPort)
	assert.Equal(t, 120*time.Second, cfg.Proxy.StuckThreshold)
	assert.Equal(t, 30*time.Minute, cfg.Watchdog.GracePeriod)
	assert.Equal(t, 60*time.Second, cfg.Watchdog.StartupDelay)
	assert.Equal(t, 3, cfg.Watchdog.RetryAttempts)

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".clara", "settings"), cfg.Paths.SettingsDir)
	assert.Equal(t, filepath.Join(home, ".clara", "llama-models"), cfg.Paths.UserModelsDir)
}

func TestLoadSupervisorConfigOverrides(t *testing.T) {
	t.Setenv("CLARA_PROXY_PORT", "18091")
	t.Setenv("CLARA_MODELS_DIR", "/srv/models")
	t.Setenv("CLARA_WATCHDOG_INTERVAL", "5s")

	cfg, err := LoadSupervisorConfig()
	require.NoError(t, err)
	assert.Equal(t, 18091, cfg.Proxy.ListenPort)
	assert.Equal(t, "/srv/models", cfg.Paths.UserModelsDir)
	assert.Equal(t, 5*time.Second, cfg.Watchdog.CheckInterval)
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".clara"), ExpandHome("~/.clara"))
	assert.Equal(t, "/opt/models", ExpandHome("/opt/models"))
	assert.Equal(t, "", ExpandHome(""))
}
