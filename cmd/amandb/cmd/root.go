// Package cmd provides the CLI commands for amandb.
package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/Aman-CERP/amandb/internal/config"
	"github.com/Aman-CERP/amandb/internal/daemon"
	amerrors "github.com/Aman-CERP/amandb/internal/errors"
	"github.com/Aman-CERP/amandb/internal/logging"
	"github.com/Aman-CERP/amandb/internal/storage"
	"github.com/Aman-CERP/amandb/internal/ui"
	"github.com/Aman-CERP/amandb/pkg/version"
)

// Persistent flags
var (
	debugMode      bool
	projectDir     string
	colorFlag      string
	loggingCleanup func()
)

// NewRootCmd creates the root command for amandb CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "amandb",
		Short: "Incremental map-reduce indexes over a document store",
		Long: `amandb keeps map-reduce indexes up to date with a document store.

Each index maps changed items to (key, value) entries and folds them into
a persistent reduce tree, committing its progress in bounded pulses so a
restart resumes where it stopped.

Run 'amandb serve' to start indexing, then use 'amandb put', 'amandb query'
and 'amandb index status' from another terminal.`,
		Version:           version.Version,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
		PersistentPostRunE: func(_ *cobra.Command, _ []string) error {
			if loggingCleanup != nil {
				loggingCleanup()
				loggingCleanup = nil
			}
			return nil
		},
	}
	cmd.SetVersionTemplate("amandb version {{.Version}}\n")

	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging to ~/.amandb/logs/")
	cmd.PersistentFlags().StringVarP(&projectDir, "dir", "C", ".", "Directory holding .amandb.yaml and .env")
	cmd.PersistentFlags().StringVar(&colorFlag, "color", "auto", "Styled output: auto, always or never")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newStopCmd())
	cmd.AddCommand(newLogsCmd())
	cmd.AddCommand(newPutCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newDeleteCmd())
	cmd.AddCommand(newStreamCmd())
	cmd.AddCommand(newQueryCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newIndexCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// setup loads .env, applies --color and, with --debug, debug file logging.
func setup(_ *cobra.Command, _ []string) error {
	mode, err := ui.ParseColorMode(colorFlag)
	if err != nil {
		return amerrors.ValidationError(err.Error(), err)
	}
	ui.SetColorMode(mode)

	if err := godotenv.Load(filepath.Join(projectDir, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	if debugMode {
		logger, cleanup, err := logging.Setup(logging.DebugConfig())
		if err != nil {
			return fmt.Errorf("failed to setup debug logging: %w", err)
		}
		loggingCleanup = cleanup
		slog.SetDefault(logger)
		slog.Debug("debug_logging_enabled", slog.String("log_file", logging.DefaultLogPath()))
	}
	return nil
}

// Execute runs the root command. Errors are printed in the CLI format.
func Execute() error {
	root := NewRootCmd()
	root.SilenceErrors = true
	err := root.Execute()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, amerrors.FormatForCLI(err))
	}
	return err
}

func loadConfig() (*config.Config, error) {
	return config.Load(projectDir)
}

// daemonConfig keeps the runtime files beside the data directory unless
// the server section names a socket.
func daemonConfig(cfg *config.Config) daemon.Config {
	dc := daemon.ForDir(cfg.Storage.DataDir)
	if cfg.Server.SocketPath != "" {
		dc.SocketPath = cfg.Server.SocketPath
	}
	dc.HTTPAddr = cfg.Server.HTTPAddr
	return dc
}

// openStorage opens the configured document store.
func openStorage(cfg *config.Config) (storage.Storage, error) {
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		return storage.NewMemory(), nil
	default:
		return storage.OpenSQLite(cfg.Storage.DataDir)
	}
}

// openSharedStorage opens the store for a command that runs beside serve.
// Only sqlite is visible to other processes.
func openSharedStorage(cfg *config.Config) (*storage.SQLite, error) {
	if cfg.Storage.Backend != config.BackendSQLite {
		return nil, amerrors.New(amerrors.ErrCodeInvalidInput,
			fmt.Sprintf("the %s backend lives inside the serve process", cfg.Storage.Backend), nil).
			WithSuggestion("set storage.backend: sqlite to write from the CLI")
	}
	return storage.OpenSQLite(cfg.Storage.DataDir)
}

func newClient() (*daemon.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return daemon.NewClient(daemonConfig(cfg)), nil
}
