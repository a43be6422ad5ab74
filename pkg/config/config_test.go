package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerDefaults(t *testing.T) {
	cfg, err := LoadServer("")
	require.NoError(t, err)

	assert.Equal(t, ":8000", cfg.ListenAddr)
	assert.Equal(t, 2*time.Second, cfg.ReconcileInterval)
	assert.Equal(t, 30*time.Second, cfg.StreamQueuedTimeout)
	assert.Equal(t, "docker.io/library/python:3.12-slim", cfg.Image)
	assert.Contains(t, cfg.TestCommand, "pytest")
}

func TestLoadServerFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kiln.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":9100"
db_path: /tmp/kiln-test.db
reconcile_interval: 5s
image: docker.io/library/python:3.11-slim
`), 0644))

	cfg, err := LoadServer(path)
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.ListenAddr)
	assert.Equal(t, "/tmp/kiln-test.db", cfg.DBPath)
	assert.Equal(t, 5*time.Second, cfg.ReconcileInterval)
	assert.Equal(t, "docker.io/library/python:3.11-slim", cfg.Image)
	// Untouched fields keep their defaults.
	assert.Equal(t, "kiln", cfg.ContainerdNamespace)
}

func TestLoadServerMissingFile(t *testing.T) {
	_, err := LoadServer(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadServerEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kiln.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: \":9100\"\n"), 0644))

	t.Setenv("KILN_LISTEN_ADDR", ":9200")
	t.Setenv("KILN_RECONCILE_INTERVAL", "250ms")
	t.Setenv("KILN_LOG_JSON", "false")

	cfg, err := LoadServer(path)
	require.NoError(t, err)
	assert.Equal(t, ":9200", cfg.ListenAddr)
	assert.Equal(t, 250*time.Millisecond, cfg.ReconcileInterval)
	assert.False(t, cfg.LogJSON)
}

func TestLoadServerRejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kiln.yaml")
	require.NoError(t, os.WriteFile(path, []byte("reconcile_interval: -1s\n"), 0644))

	_, err := LoadServer(path)
	assert.Error(t, err)
}

func TestResolveClientPrecedence(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("KILN_SERVER_URL", "http://env:8000")
	t.Setenv("KILN_API_KEY", "ci_envkey")

	// Env values apply when no flags are given.
	cfg, err := ResolveClient("", "")
	require.NoError(t, err)
	assert.Equal(t, "http://env:8000", cfg.ServerURL)
	assert.Equal(t, "ci_envkey", cfg.APIKey)

	// Flags beat env.
	cfg, err = ResolveClient("http://flag:8000", "ci_flagkey")
	require.NoError(t, err)
	assert.Equal(t, "http://flag:8000", cfg.ServerURL)
	assert.Equal(t, "ci_flagkey", cfg.APIKey)
}

func TestResolveClientRequiresKey(t *testing.T) {
	t.Setenv("KILN_API_KEY", "")
	t.Setenv("HOME", t.TempDir())

	_, err := ResolveClient("", "")
	assert.Error(t, err)
}
