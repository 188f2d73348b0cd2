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
	cfg, err := NewLoader(WithEnvPrefix("SEGMATE_TEST_DEFAULTS_")).Load()
	require.Nil(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 100, cfg.NumSharedSnapshotSlots())
	assert.Equal(t, 150, cfg.XipEntryCount())
	assert.Equal(t, 100, cfg.RetryPolicy().MaxRetries)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "segmate.yaml")
	content := []byte(`
max_connections: 20
max_prepared_transactions: 4
snapshot_add_timeout: 2
retry_interval: 50ms
log:
  level: debug
  format: json
`)
	require.Nil(t, os.WriteFile(path, content, 0o600))

	t.Setenv("SEGMATE_TEST_FILE_MAX_CONNECTIONS", "30")
	t.Setenv("SEGMATE_TEST_FILE_LOG__LEVEL", "trace")

	cfg, err := NewLoader(WithConfigFile(path), WithEnvPrefix("SEGMATE_TEST_FILE_")).Load()
	require.Nil(t, err)
	assert.Equal(t, 30, cfg.MaxConnections)
	assert.Equal(t, 4, cfg.MaxPreparedTransactions)
	assert.Equal(t, 8, cfg.NumSharedSnapshotSlots())
	assert.Equal(t, 50*time.Millisecond, cfg.RetryInterval)
	assert.Equal(t, 40, cfg.RetryPolicy().MaxRetries)
	assert.Equal(t, "trace", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadMap(t *testing.T) {
	l := NewLoader(WithEnvPrefix("SEGMATE_TEST_MAP_"))
	_, err := l.Load()
	require.Nil(t, err)
	cfg, err := l.LoadMap(map[string]any{"max_prepared_transactions": 2, "metrics.addr": ":9100"})
	require.Nil(t, err)
	assert.Equal(t, 4, cfg.NumSharedSnapshotSlots())
	assert.Equal(t, ":9100", cfg.Metrics.Addr)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{name: "default", modify: func(*Config) {}},
		{name: "zero connections", modify: func(c *Config) { c.MaxConnections = 0 }, wantErr: true},
		{name: "zero prepared transactions", modify: func(c *Config) { c.MaxPreparedTransactions = 0 }, wantErr: true},
		{name: "negative timeout", modify: func(c *Config) { c.SnapshotAddTimeout = -1 }, wantErr: true},
		{name: "zero retry interval", modify: func(c *Config) { c.RetryInterval = 0 }, wantErr: true},
		{name: "unknown log format", modify: func(c *Config) { c.Log.Format = "xml" }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.NotNil(t, err)
			} else {
				assert.Nil(t, err)
			}
		})
	}
}
