// Package daemon is the operator surface of a running amandb server: a
// JSON-RPC 2.0 service on a Unix socket, an HTTP endpoint for metrics and
// index status, and the PID file of the serve process.
package daemon

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"
)

// File names inside the runtime directory.
const (
	SocketFileName = "amandb.sock"
	PIDFileName    = "amandb.pid"
)

// Config holds configuration for the daemon service.
type Config struct {
	// SocketPath is the Unix domain socket of the JSON-RPC service.
	SocketPath string

	// PIDPath holds the process ID of the serve process.
	PIDPath string

	// HTTPAddr is the listen address of the metrics and status endpoint.
	// Empty disables it.
	HTTPAddr string

	// Timeout bounds one request, including a query that waits for its
	// index to catch up.
	Timeout time.Duration

	// ShutdownGracePeriod is the time HTTP requests get to finish.
	ShutdownGracePeriod time.Duration
}

// DefaultConfig keeps the runtime files in ~/.amandb.
func DefaultConfig() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return ForDir(filepath.Join(home, ".amandb"))
}

// ForDir keeps the runtime files in dir, so servers over different data
// directories do not share a socket.
func ForDir(dir string) Config {
	return Config{
		SocketPath:          filepath.Join(dir, SocketFileName),
		PIDPath:             filepath.Join(dir, PIDFileName),
		HTTPAddr:            "127.0.0.1:9464",
		Timeout:             30 * time.Second,
		ShutdownGracePeriod: 10 * time.Second,
	}
}

// Validate checks that the configuration is valid.
func (c Config) Validate() error {
	if c.SocketPath == "" {
		return fmt.Errorf("socket path cannot be empty")
	}
	if c.PIDPath == "" {
		return fmt.Errorf("PID path cannot be empty")
	}
	if c.HTTPAddr != "" {
		if _, _, err := net.SplitHostPort(c.HTTPAddr); err != nil {
			return fmt.Errorf("invalid http address %q: %w", c.HTTPAddr, err)
		}
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("shutdown grace period must be positive")
	}
	return nil
}

// EnsureDir creates the directories of the socket and PID files.
func (c Config) EnsureDir() error {
	for _, dir := range []string{filepath.Dir(c.SocketPath), filepath.Dir(c.PIDPath)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create runtime directory %s: %w", dir, err)
		}
	}
	return nil
}
