package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsWithoutFile(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 6420, cfg.Server.Port)
	assert.Equal(t, "bolt", cfg.Storage.Driver)
	assert.Equal(t, "rivetkit.db", cfg.Storage.Path)
	assert.Equal(t, 15*time.Second, cfg.Runtime.ActionTimeout)
	assert.Equal(t, 128, cfg.Runtime.MaxHibernatableConns)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "http://localhost:6420", cfg.Client.Endpoint)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("RIVET_SERVER_PORT", "7100")
	t.Setenv("RIVET_STORAGE_PATH", "/tmp/override.db")
	t.Setenv("RIVET_RUNTIME_TRACE_ENABLED", "true")
	t.Setenv("RIVET_CLIENT_TOKEN", "secret-token")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 7100, cfg.Server.Port)
	assert.Equal(t, "/tmp/override.db", cfg.Storage.Path)
	assert.True(t, cfg.Runtime.TraceEnabled)
	assert.Equal(t, "secret-token", cfg.Client.Token)
}

func TestShortClientEnvAliases(t *testing.T) {
	t.Setenv("RIVET_ENDPOINT", "http://actors.internal:6420")
	t.Setenv("RIVET_NAMESPACE", "staging")
	t.Setenv("RIVET_TOKEN", "tok")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "http://actors.internal:6420", cfg.Client.Endpoint)
	assert.Equal(t, "staging", cfg.Client.Namespace)
	assert.Equal(t, "tok", cfg.Client.Token)
}

func TestConfigFileLoads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
storage:
  driver: memory
runtime:
  action_timeout: 5s
  hibernation_idle: 2s
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, 5*time.Second, cfg.Runtime.ActionTimeout)
	assert.Equal(t, 2*time.Second, cfg.Runtime.HibernationIdle)
	// Untouched sections keep their defaults.
	assert.Equal(t, 256, cfg.Runtime.SendQueueCap)
}

func TestNodeEnvFallback(t *testing.T) {
	t.Setenv("NODE_ENV", "development")
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "development", cfg.Service.Environment)
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	cfg.Storage.Driver = "cassandra"
	assert.Error(t, Validate(cfg))
}

func TestValidateRejectsBadPort(t *testing.T) {
	t.Setenv("RIVET_SERVER_PORT", "99999")
	_, err := LoadConfig("")
	assert.Error(t, err)
}

func TestRuntimeOptionsMapping(t *testing.T) {
	r := RuntimeConfig{
		ActionTimeout:   3 * time.Second,
		SendQueueCap:    16,
		TraceEnabled:    true,
		HibernationIdle: time.Minute,
	}
	opts := r.Options()
	assert.Equal(t, 3*time.Second, opts.ActionTimeout)
	assert.Equal(t, 16, opts.SendQueueCap)
	assert.Equal(t, time.Minute, opts.HibernationIdle)
	assert.True(t, opts.TraceEnabled)
	// Unset fields fall back to the defaults.
	assert.Equal(t, 128, opts.MaxHibernatableConns)
	assert.Equal(t, 1<<20, opts.MaxIncomingBytes)
}
