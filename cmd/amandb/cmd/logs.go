package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/amandb/internal/logging"
)

func newLogsCmd() *cobra.Command {
	var (
		file  string
		lines int
		level string
	)

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the tail of the server log",
		Long: `Print the last records of the serve log (~/.amandb/logs/server.log by
default), optionally only those at or above a level.

Examples:
  amandb logs -n 100
  amandb logs --level warn`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := logging.FindLogFile(file)
			if err != nil {
				return err
			}
			records, err := logging.Tail(path, lines, logging.LevelFromString(level))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, r := range records {
				_, _ = fmt.Fprintln(out, r)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "Log file to read (default: the serve log)")
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of records to print")
	cmd.Flags().StringVar(&level, "level", "debug", "Minimum level: debug, info, warn or error")
	return cmd
}
