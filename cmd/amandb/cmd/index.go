package cmd

import (
	"github.com/spf13/cobra"

	"github.com/Aman-CERP/amandb/internal/daemon"
	amerrors "github.com/Aman-CERP/amandb/internal/errors"
	"github.com/Aman-CERP/amandb/internal/ui"
)

func newIndexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Inspect and control the indexes of a running server",
	}

	cmd.AddCommand(newIndexStatusCmd("list", "List indexes and their state"))
	cmd.AddCommand(newIndexStatusCmd("status", "Show staleness, lag and error rate per index"))
	cmd.AddCommand(newIndexErrorsCmd())
	cmd.AddCommand(newIndexStateCmd(daemon.MethodPause, "Stop scheduling batches for an index"))
	cmd.AddCommand(newIndexStateCmd(daemon.MethodResume, "Resume a paused index"))
	cmd.AddCommand(newIndexStateCmd(daemon.MethodDisable, "Disable an index until it is enabled again"))
	cmd.AddCommand(newIndexStateCmd(daemon.MethodEnable, "Enable a disabled index"))
	cmd.AddCommand(newIndexStateCmd(daemon.MethodReset, "Clear the error state of an index"))
	cmd.AddCommand(newIndexRebuildCmd())

	return cmd
}

func newIndexStatusCmd(use, short string) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   use + " [index]",
		Short: short,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			res, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}

			statuses := res.Indexes
			if len(args) == 1 {
				statuses = statuses[:0:0]
				for _, st := range res.Indexes {
					if st.Name == args[0] {
						statuses = append(statuses, st)
					}
				}
				if len(statuses) == 0 {
					return amerrors.NotFoundError(args[0])
				}
			}

			out := cmd.OutOrStdout()
			r := ui.NewStatusRenderer(out, ui.NoColorFor(out))
			if jsonOutput {
				return r.RenderJSON(statuses)
			}
			return r.Render(statuses)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output status as JSON")
	return cmd
}

func newIndexErrorsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "errors <index>",
		Short: "Show recent map and reduce failures of an index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			res, err := client.Errors(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return ui.NewStatusRenderer(out, ui.NoColorFor(out)).RenderErrors(res.Index, res.Errors)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of errors")
	return cmd
}

func newIndexStateCmd(method, short string) *cobra.Command {
	return &cobra.Command{
		Use:   method + " <index>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			res, err := client.SetState(cmd.Context(), method, args[0])
			if err != nil {
				return err
			}
			ui.NewPrinter(cmd.OutOrStdout()).Successf("%s is %s", res.Index, res.State)
			return nil
		},
	}
}

func newIndexRebuildCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "rebuild <index>",
		Short: "Discard an index and build it again from the first etag",
		Long: `Discard every checkpoint, mapped entry and reduce result of an index and
build it again. This is the way out of a corrupt index. It requires --yes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return amerrors.New(amerrors.ErrCodeConfirmationRequired, "rebuild discards all results of "+args[0], nil).
					WithSuggestion("run again with --yes")
			}
			client, err := newClient()
			if err != nil {
				return err
			}
			res, err := client.Rebuild(cmd.Context(), args[0], true)
			if err != nil {
				return err
			}
			ui.NewPrinter(cmd.OutOrStdout()).Successf("%s rebuilding (%s)", res.Index, res.State)
			return nil
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm discarding the index")
	return cmd
}
