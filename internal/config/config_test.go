package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// minimalOverrides satisfies Validate without touching any tuning knobs.
func minimalOverrides() map[string]any {
	return map[string]any{
		"vault": map[string]any{"passphrase": "test-passphrase"},
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", minimalOverrides())
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)
	assert.True(t, cfg.Metrics.Enabled)

	assert.Equal(t, "driftbox.db", cfg.Database.Path)
	assert.Equal(t, "driftbox.salt", cfg.Vault.SaltFile)

	assert.Equal(t, "spool", cfg.Transfer.SpoolDir)
	assert.Equal(t, 30*time.Minute, cfg.Transfer.IdleTimeout)
	assert.Zero(t, cfg.Transfer.RelayBytesPerSec)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "driftbox.yaml")
	content := `
server:
  host: 0.0.0.0
  port: 9090
  read_timeout: 45s
logging:
  level: debug
  profile: CONSOLE
vault:
  passphrase: file-passphrase
transfer:
  spool_dir: /var/spool/driftbox
  idle_timeout: 5m
  relay_bytes_per_sec: 1048576
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
	// Unset keys keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "CONSOLE", cfg.Logging.Profile)

	assert.Equal(t, "/var/spool/driftbox", cfg.Transfer.SpoolDir)
	assert.Equal(t, 5*time.Minute, cfg.Transfer.IdleTimeout)
	assert.Equal(t, int64(1048576), cfg.Transfer.RelayBytesPerSec)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "driftbox.yaml")
	content := `
server:
  port: 9090
vault:
  passphrase: file-passphrase
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	t.Setenv("DRIFTBOX_SERVER_PORT", "7070")
	t.Setenv("DRIFTBOX_LOGGING_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestRuntimeOverridesWinOverEnv(t *testing.T) {
	t.Setenv("DRIFTBOX_SERVER_PORT", "7070")

	cfg, err := Load("", map[string]any{
		"server": map[string]any{"port": 6060},
		"vault":  map[string]any{"passphrase": "test-passphrase"},
	})
	require.NoError(t, err)
	assert.Equal(t, 6060, cfg.Server.Port)
}

func TestGetConfigReturnsLastLoaded(t *testing.T) {
	cfg, err := Load("", map[string]any{
		"server": map[string]any{"port": 5050},
		"vault":  map[string]any{"passphrase": "test-passphrase"},
	})
	require.NoError(t, err)
	assert.Same(t, cfg, GetConfig())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		override map[string]any
		wantErr  string
	}{
		{
			name:     "port out of range",
			override: map[string]any{"server": map[string]any{"port": 70000}},
			wantErr:  "out of range",
		},
		{
			name:     "missing database path",
			override: map[string]any{"database": map[string]any{"path": ""}},
			wantErr:  "database path",
		},
		{
			name:     "missing spool dir",
			override: map[string]any{"transfer": map[string]any{"spool_dir": ""}},
			wantErr:  "spool dir",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load("", minimalOverrides(), tt.override)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateRequiresKeyMaterial(t *testing.T) {
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vault key material")
}

func TestWriteExample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "example.yaml")
	require.NoError(t, WriteExample(path))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "driftbox.key", cfg.Vault.KeyFile)
}
