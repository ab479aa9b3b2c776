package cmd

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/amandb/internal/daemon"
	"github.com/Aman-CERP/amandb/internal/ui"
)

func newStopCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the serve process of this data directory",
		Long: `Send SIGTERM to the serve process recorded in the PID file and wait for
it to commit its in-flight pulse and exit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			pf := daemon.NewPIDFile(daemonConfig(cfg).PIDPath)
			p := ui.NewPrinter(cmd.OutOrStdout())

			if !pf.IsRunning() {
				p.Warningf("no server running")
				return nil
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			pid, err := pf.Stop(ctx)
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					p.Errorf("server %d still running after %s", pid, timeout)
				}
				return err
			}
			p.Successf("stopped server %d", pid)
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "How long to wait for the server to exit")
	return cmd
}
