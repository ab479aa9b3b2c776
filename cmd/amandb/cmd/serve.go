package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/amandb/internal/config"
	"github.com/Aman-CERP/amandb/internal/daemon"
	amerrors "github.com/Aman-CERP/amandb/internal/errors"
	"github.com/Aman-CERP/amandb/internal/index"
	"github.com/Aman-CERP/amandb/internal/lock"
	"github.com/Aman-CERP/amandb/internal/logging"
	"github.com/Aman-CERP/amandb/internal/output"
	"github.com/Aman-CERP/amandb/internal/profiling"
	"github.com/Aman-CERP/amandb/internal/storage"
	"github.com/Aman-CERP/amandb/internal/telemetry"
	"github.com/Aman-CERP/amandb/internal/ui"
)

func newServeCmd() *cobra.Command {
	var (
		noOutput bool
		prof     profiling.Options
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the configured indexes",
		Long: `Open the document store, run every index declared in the indexes
section of the configuration, and serve operator requests on the unix
socket and, when server.http_addr is set, /metrics and /indexes over HTTP.

Stops on SIGINT or SIGTERM after the in-flight pulse commits.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if prof.Enabled() {
				session, err := profiling.Start(prof)
				if err != nil {
					return err
				}
				defer func() {
					if err := session.Stop(); err != nil {
						slog.Warn("profile_write_failed", slog.String("error", err.Error()))
					}
				}()
			}
			return runServe(ctx, cmd, cfg, !noOutput)
		},
	}

	cmd.Flags().BoolVar(&noOutput, "no-output", false, "Do not mirror reduce entries into the full-text index")
	cmd.Flags().StringVar(&prof.CPUPath, "cpu-profile", "", "Write a CPU profile to this file")
	cmd.Flags().StringVar(&prof.HeapPath, "heap-profile", "", "Write a heap profile to this file on exit")
	cmd.Flags().StringVar(&prof.TracePath, "trace", "", "Write an execution trace to this file")
	return cmd
}

func runServe(ctx context.Context, cmd *cobra.Command, cfg *config.Config, withOutput bool) error {
	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Server.LogLevel
	if debugMode {
		logCfg.Level = "debug"
	}
	logger, cleanup, err := logging.Setup(logCfg)
	if err != nil {
		return err
	}
	defer cleanup()
	slog.SetDefault(logger)

	dirLock, err := lock.Acquire(cfg.IndexesDir())
	if err != nil {
		return err
	}
	defer func() { _ = dirLock.Unlock() }()

	dc := daemonConfig(cfg)
	if err := dc.Validate(); err != nil {
		return amerrors.ConfigError(err.Error(), err)
	}
	if err := dc.EnsureDir(); err != nil {
		return err
	}
	pid := daemon.NewPIDFile(dc.PIDPath)
	if err := pid.Acquire(); err != nil {
		return err
	}
	defer func() { _ = pid.Release() }()

	s, err := openStorage(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	var (
		out      *output.Bleve
		outputer index.OutputWriter
	)
	if withOutput {
		out, err = output.Open(filepath.Join(cfg.Storage.DataDir, output.DirName))
		if err != nil {
			return err
		}
		defer func() { _ = out.Close() }()
		outputer = out
	}

	ic, err := cfg.IndexConfig()
	if err != nil {
		return err
	}
	clean, err := cfg.CleanInterval()
	if err != nil {
		return err
	}
	metrics := telemetry.NewRegistry()
	engine, err := index.NewEngine(index.EngineConfig{Index: ic, CleanInterval: clean}, index.EngineDependencies{
		Storage: s,
		Dir:     cfg.IndexesDir(),
		Output:  outputer,
		Metrics: metrics,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer func() { _ = engine.Close() }()

	defs, err := cfg.Definitions()
	if err != nil {
		return err
	}
	for _, def := range defs {
		if _, err := engine.Add(def); err != nil {
			return fmt.Errorf("failed to open index %s: %w", def.Name(), err)
		}
	}

	watchOpts, err := cfg.WatcherOptions()
	if err != nil {
		return err
	}

	srv := daemon.NewServer(dc, engine, logger)
	if out != nil {
		srv.SetSearcher(out)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error { return srv.ListenAndServe(gctx) })
	if dc.HTTPAddr != "" {
		h := daemon.NewHTTPServer(dc, engine, metrics, logger)
		g.Go(func() error { return h.ListenAndServe(gctx) })
	}
	if sq, ok := s.(*storage.SQLite); ok && cfg.Storage.Watch {
		g.Go(func() error { return sq.Watch(gctx, watchOpts) })
	}

	p := ui.NewPrinter(cmd.ErrOrStderr())
	p.Successf("serving %d indexes from %s (%s)", len(defs), cfg.Storage.DataDir, cfg.Storage.Backend)
	p.Infof("socket %s", dc.SocketPath)
	if dc.HTTPAddr != "" {
		p.Infof("http   http://%s/metrics", dc.HTTPAddr)
	}
	logger.Info("serve_started",
		slog.Int("indexes", len(defs)),
		slog.String("backend", cfg.Storage.Backend),
		slog.String("data_dir", cfg.Storage.DataDir))

	err = g.Wait()
	logger.Info("serve_stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
