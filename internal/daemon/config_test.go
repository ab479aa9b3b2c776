package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_UnderHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	cfg := DefaultConfig()

	assert.Equal(t, filepath.Join(home, ".amandb", SocketFileName), cfg.SocketPath)
	assert.Equal(t, filepath.Join(home, ".amandb", PIDFileName), cfg.PIDPath)
	assert.NoError(t, cfg.Validate())
}

func TestForDir(t *testing.T) {
	// Given: a data directory
	dir := t.TempDir()

	// When: deriving the runtime config
	cfg := ForDir(dir)

	// Then: socket and PID file live inside it
	assert.Equal(t, filepath.Join(dir, SocketFileName), cfg.SocketPath)
	assert.Equal(t, filepath.Join(dir, PIDFileName), cfg.PIDPath)
	assert.Greater(t, cfg.Timeout, time.Duration(0))
	assert.NotEmpty(t, cfg.HTTPAddr)
}

func TestConfig_Validate(t *testing.T) {
	valid := ForDir("/tmp/amandb")

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"http disabled", func(c *Config) { c.HTTPAddr = "" }, ""},
		{"empty socket", func(c *Config) { c.SocketPath = "" }, "socket path"},
		{"empty pid", func(c *Config) { c.PIDPath = "" }, "PID path"},
		{"bad http addr", func(c *Config) { c.HTTPAddr = "localhost" }, "invalid http address"},
		{"zero timeout", func(c *Config) { c.Timeout = 0 }, "timeout"},
		{"negative grace", func(c *Config) { c.ShutdownGracePeriod = -time.Second }, "grace period"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)

			err := cfg.Validate()

			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_EnsureDir(t *testing.T) {
	// Given: socket and PID file in different missing directories
	base := t.TempDir()
	cfg := ForDir(filepath.Join(base, "run"))
	cfg.PIDPath = filepath.Join(base, "pids", "x", PIDFileName)

	// When: ensuring directories
	require.NoError(t, cfg.EnsureDir())

	// Then: both exist
	for _, dir := range []string{filepath.Dir(cfg.SocketPath), filepath.Dir(cfg.PIDPath)} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
