package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "http://localhost:8080", cfg.Client.BaseURL)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 3*time.Second, cfg.Client.CancelResetDelay)
	assert.True(t, cfg.Metrics.Enabled)
	assert.False(t, cfg.Server.TLS.Enable)
	assert.Equal(t, []string{"localhost", "127.0.0.1"}, cfg.Server.TLS.Hostnames)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "studio.yaml")
	err := os.WriteFile(path, []byte(`
client:
  base_url: "http://studio.internal:9000/"
  timeout: 5s
store:
  driver: SQLite
  path: /tmp/studio.db
log:
  level: debug
`), 0o600)
	require.NoError(t, err)

	t.Setenv("FLOWSTUDIO_LOG_FORMAT", "json")
	t.Setenv("FLOWSTUDIO_SERVER_ADDR", ":9999")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "http://studio.internal:9000", cfg.Client.BaseURL)
	assert.Equal(t, 5*time.Second, cfg.Client.Timeout)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, ":9999", cfg.Server.Addr)
}

func TestLoadConfigMissingExplicitFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
