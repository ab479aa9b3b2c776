// Package config loads amandb configuration from defaults, the user config
// file, a project file and AMANDB_* environment variables, in that order of
// increasing precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Aman-CERP/amandb/internal/definition"
	amerrors "github.com/Aman-CERP/amandb/internal/errors"
	"github.com/Aman-CERP/amandb/internal/index"
	"github.com/Aman-CERP/amandb/internal/results"
	"github.com/Aman-CERP/amandb/internal/watcher"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// ProjectFile is the per-directory configuration file name.
const ProjectFile = ".amandb.yaml"

// Config represents the complete amandb configuration.
type Config struct {
	Version  int                          `yaml:"version" json:"version"`
	Storage  StorageConfig                `yaml:"storage" json:"storage"`
	Indexing IndexingConfig               `yaml:"indexing" json:"indexing"`
	Server   ServerConfig                 `yaml:"server" json:"server"`
	Indexes  []definition.AggregateConfig `yaml:"indexes" json:"indexes"`
}

// StorageConfig selects the document store.
type StorageConfig struct {
	// DataDir holds the document store, index result stores and output.
	// Default: ~/.amandb/data
	DataDir string `yaml:"data_dir" json:"data_dir"`

	// Backend is "memory" or "sqlite".
	Backend string `yaml:"backend" json:"backend"`

	// Watch refreshes a sqlite store when another process writes to it.
	Watch bool `yaml:"watch" json:"watch"`

	// WatchDebounce coalesces file events, e.g. "100ms".
	WatchDebounce string `yaml:"watch_debounce" json:"watch_debounce"`

	// PollInterval is used when fsnotify is unavailable.
	PollInterval string `yaml:"poll_interval" json:"poll_interval"`

	ForcePolling bool `yaml:"force_polling" json:"force_polling"`
}

// IndexingConfig tunes every index of the engine.
type IndexingConfig struct {
	PulseThreshold     int     `yaml:"pulse_threshold" json:"pulse_threshold"`
	MaxBatchItems      int     `yaml:"max_batch_items" json:"max_batch_items"`
	MaxBatchDuration   string  `yaml:"max_batch_duration" json:"max_batch_duration"`
	ErrorRateThreshold float64 `yaml:"error_rate_threshold" json:"error_rate_threshold"`
	MinAttempts        int64   `yaml:"min_attempts" json:"min_attempts"`
	LeafBuckets        int     `yaml:"leaf_buckets" json:"leaf_buckets"`
	Fanout             int     `yaml:"fanout" json:"fanout"`
	MaxRetries         int     `yaml:"max_retries" json:"max_retries"`
	FailureBackoff     string  `yaml:"failure_backoff" json:"failure_backoff"`

	// CleanInterval is the tombstone purge interval. "0" disables it.
	CleanInterval string `yaml:"clean_interval" json:"clean_interval"`
}

// ServerConfig configures the serve process.
type ServerConfig struct {
	// SocketPath is the operator RPC socket. Empty uses <data_dir>/amandb.sock.
	SocketPath string `yaml:"socket_path" json:"socket_path"`

	// HTTPAddr serves /metrics and /indexes. Empty disables HTTP.
	HTTPAddr string `yaml:"http_addr" json:"http_addr"`

	LogLevel string `yaml:"log_level" json:"log_level"`
}

// NewConfig creates a new Config with sensible defaults.
func NewConfig() *Config {
	d := index.DefaultConfig()
	return &Config{
		Version: 1,
		Storage: StorageConfig{
			DataDir:       DefaultDataDir(),
			Backend:       BackendSQLite,
			Watch:         true,
			WatchDebounce: "100ms",
			PollInterval:  "1s",
		},
		Indexing: IndexingConfig{
			PulseThreshold:     d.PulseThreshold,
			MaxBatchItems:      d.MaxBatchItems,
			MaxBatchDuration:   d.MaxBatchDuration.String(),
			ErrorRateThreshold: d.ErrorRateThreshold,
			MinAttempts:        d.MinAttempts,
			LeafBuckets:        d.Tree.LeafBuckets,
			Fanout:             d.Tree.Fanout,
			MaxRetries:         d.Retry.MaxRetries,
			FailureBackoff:     d.FailureBackoff.String(),
			CleanInterval:      index.DefaultCleanInterval.String(),
		},
		Server: ServerConfig{
			HTTPAddr: "127.0.0.1:9464",
			LogLevel: "info",
		},
	}
}

// DefaultDataDir returns ~/.amandb/data.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".amandb", "data")
	}
	return filepath.Join(home, ".amandb", "data")
}

// GetUserConfigPath returns the path to the user configuration file:
// $XDG_CONFIG_HOME/amandb/config.yaml, or ~/.config/amandb/config.yaml.
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "amandb", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "amandb", "config.yaml")
	}
	return filepath.Join(home, ".config", "amandb", "config.yaml")
}

// Load loads configuration for dir. It applies, in order of increasing
// precedence:
//  1. Hardcoded defaults
//  2. User config (GetUserConfigPath)
//  3. Project config (.amandb.yaml in dir)
//  4. Environment variables (AMANDB_*)
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if path := GetUserConfigPath(); fileExists(path) {
		if err := cfg.loadYAML(path); err != nil {
			return nil, fmt.Errorf("failed to load user config from %s: %w", path, err)
		}
	}

	if path := filepath.Join(dir, ProjectFile); fileExists(path) {
		if err := cfg.loadYAML(path); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadYAML decodes path over the current values. Keys missing from the
// file keep what earlier layers set; a present indexes list replaces the
// earlier one.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// applyEnvOverrides applies AMANDB_* environment variables.
func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("AMANDB_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv("AMANDB_BACKEND"); v != "" {
		c.Storage.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("AMANDB_WATCH"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("AMANDB_WATCH: %w", err)
		}
		c.Storage.Watch = b
	}
	if v := os.Getenv("AMANDB_PULSE_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("AMANDB_PULSE_THRESHOLD: %w", err)
		}
		c.Indexing.PulseThreshold = n
	}
	if v := os.Getenv("AMANDB_MAX_BATCH_ITEMS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("AMANDB_MAX_BATCH_ITEMS: %w", err)
		}
		c.Indexing.MaxBatchItems = n
	}
	if v := os.Getenv("AMANDB_ERROR_RATE_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("AMANDB_ERROR_RATE_THRESHOLD: %w", err)
		}
		c.Indexing.ErrorRateThreshold = f
	}
	if v := os.Getenv("AMANDB_SOCKET"); v != "" {
		c.Server.SocketPath = v
	}
	if v, ok := os.LookupEnv("AMANDB_HTTP_ADDR"); ok {
		c.Server.HTTPAddr = v
	}
	if v := os.Getenv("AMANDB_LOG_LEVEL"); v != "" {
		c.Server.LogLevel = strings.ToLower(v)
	}
	return nil
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory, BackendSQLite:
	default:
		return fmt.Errorf("storage.backend must be 'memory' or 'sqlite', got %q", c.Storage.Backend)
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir must not be empty")
	}
	if _, err := c.WatcherOptions(); err != nil {
		return err
	}

	if c.Indexing.PulseThreshold < 0 {
		return fmt.Errorf("indexing.pulse_threshold must be non-negative, got %d", c.Indexing.PulseThreshold)
	}
	if c.Indexing.MaxBatchItems < 0 {
		return fmt.Errorf("indexing.max_batch_items must be non-negative, got %d", c.Indexing.MaxBatchItems)
	}
	if c.Indexing.ErrorRateThreshold <= 0 || c.Indexing.ErrorRateThreshold > 1 {
		return fmt.Errorf("indexing.error_rate_threshold must be in (0, 1], got %g", c.Indexing.ErrorRateThreshold)
	}
	if c.Indexing.LeafBuckets < 1 {
		return fmt.Errorf("indexing.leaf_buckets must be positive, got %d", c.Indexing.LeafBuckets)
	}
	if c.Indexing.Fanout < 2 {
		return fmt.Errorf("indexing.fanout must be at least 2, got %d", c.Indexing.Fanout)
	}
	if _, err := c.IndexConfig(); err != nil {
		return err
	}
	if _, err := c.CleanInterval(); err != nil {
		return err
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Server.LogLevel)] {
		return fmt.Errorf("server.log_level must be 'debug', 'info', 'warn', or 'error', got %s", c.Server.LogLevel)
	}

	seen := make(map[string]bool, len(c.Indexes))
	for _, ic := range c.Indexes {
		if seen[ic.Name] {
			return fmt.Errorf("index %q is defined twice", ic.Name)
		}
		seen[ic.Name] = true
	}
	return nil
}

// IndexConfig converts the indexing section.
func (c *Config) IndexConfig() (index.Config, error) {
	cfg := index.DefaultConfig()
	cfg.PulseThreshold = c.Indexing.PulseThreshold
	cfg.MaxBatchItems = c.Indexing.MaxBatchItems
	cfg.ErrorRateThreshold = c.Indexing.ErrorRateThreshold
	cfg.MinAttempts = c.Indexing.MinAttempts
	cfg.Tree = results.TreeConfig{LeafBuckets: c.Indexing.LeafBuckets, Fanout: c.Indexing.Fanout}
	cfg.Retry = amerrors.DefaultRetryConfig()
	cfg.Retry.MaxRetries = c.Indexing.MaxRetries

	var err error
	if cfg.MaxBatchDuration, err = parseDuration("indexing.max_batch_duration", c.Indexing.MaxBatchDuration); err != nil {
		return index.Config{}, err
	}
	if cfg.FailureBackoff, err = parseDuration("indexing.failure_backoff", c.Indexing.FailureBackoff); err != nil {
		return index.Config{}, err
	}
	return cfg, nil
}

// CleanInterval returns the tombstone purge interval, negative when disabled.
func (c *Config) CleanInterval() (time.Duration, error) {
	d, err := parseDuration("indexing.clean_interval", c.Indexing.CleanInterval)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return -1, nil
	}
	return d, nil
}

// WatcherOptions converts the watch settings of the storage section.
func (c *Config) WatcherOptions() (watcher.Options, error) {
	debounce, err := parseDuration("storage.watch_debounce", c.Storage.WatchDebounce)
	if err != nil {
		return watcher.Options{}, err
	}
	poll, err := parseDuration("storage.poll_interval", c.Storage.PollInterval)
	if err != nil {
		return watcher.Options{}, err
	}
	opts := watcher.Options{
		DebounceWindow: debounce,
		PollInterval:   poll,
		ForcePolling:   c.Storage.ForcePolling,
	}
	if err := opts.Validate(); err != nil {
		return watcher.Options{}, err
	}
	return opts.WithDefaults(), nil
}

// Definitions compiles the declarative indexes section.
func (c *Config) Definitions() ([]definition.Definition, error) {
	defs := make([]definition.Definition, 0, len(c.Indexes))
	for _, ic := range c.Indexes {
		agg, err := definition.NewAggregate(ic)
		if err != nil {
			return nil, err
		}
		defs = append(defs, agg)
	}
	return defs, nil
}

// IndexesDir is where per-index result stores live.
func (c *Config) IndexesDir() string {
	return filepath.Join(c.Storage.DataDir, "indexes")
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// parseDuration parses a duration field; empty means zero.
func parseDuration(field, s string) (time.Duration, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", field, s)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must be non-negative, got %s", field, s)
	}
	return d, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
