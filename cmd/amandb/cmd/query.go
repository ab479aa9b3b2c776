package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/amandb/internal/daemon"
	"github.com/Aman-CERP/amandb/internal/ui"
)

func newQueryCmd() *cobra.Command {
	var wait bool

	cmd := &cobra.Command{
		Use:   "query <index> <key>",
		Short: "Read one reduce result from a running server",
		Long: `Read the reduced value stored under a key of an index.

With --wait the server answers only after the index has caught up with
every change committed before the request arrived.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			res, err := client.Query(cmd.Context(), daemon.QueryParams{Index: args[0], Key: args[1], Wait: wait})
			if err != nil {
				return err
			}
			if !res.Found {
				ui.NewPrinter(cmd.ErrOrStderr()).Warningf("%s has no entry for %s", res.Index, res.Key)
				return nil
			}
			return ui.NewStatusRenderer(cmd.OutOrStdout(), true).RenderJSON(res.Value)
		},
	}

	cmd.Flags().BoolVar(&wait, "wait", false, "Wait until the index is no longer stale")
	return cmd
}

func newSearchCmd() *cobra.Command {
	var (
		indexName string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Full-text search over reduce results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			res, err := client.Search(cmd.Context(), daemon.SearchParams{Query: args[0], Index: indexName, Limit: limit})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(res.Hits) == 0 {
				ui.NewPrinter(out).Infof("no matches")
				return nil
			}
			for _, h := range res.Hits {
				_, _ = fmt.Fprintf(out, "%-24s %-32s %.3f\n", h.Index, h.Key, h.Score)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&indexName, "index", "", "Restrict hits to one index")
	cmd.Flags().IntVar(&limit, "limit", 10, "Maximum number of hits")
	return cmd
}
