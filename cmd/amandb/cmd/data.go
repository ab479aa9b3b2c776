package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	amerrors "github.com/Aman-CERP/amandb/internal/errors"
	"github.com/Aman-CERP/amandb/internal/storage"
	"github.com/Aman-CERP/amandb/internal/stream"
	"github.com/Aman-CERP/amandb/internal/ui"
)

func newPutCmd() *cobra.Command {
	var kind, parent string

	cmd := &cobra.Command{
		Use:   "put <collection> <key> [json]",
		Short: "Create or replace an item",
		Long: `Write one item to the sqlite document store. The data is a JSON object
given as the third argument or on stdin. A running serve process picks the
change up through its file watcher.

Examples:
  amandb put orders orders/1 '{"customer":"customers/7","amount":12.5}'
  amandb put --kind timeseries --parent users/1 heartrate users/1/hr/2026-03 < segment.json`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw []byte
			if len(args) == 3 {
				raw = []byte(args[2])
			} else {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read stdin: %w", err)
				}
				raw = b
			}
			data, err := decodeObject(raw)
			if err != nil {
				return err
			}
			k, err := storage.ParseKind(kind)
			if err != nil {
				return amerrors.ValidationError(err.Error(), err)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := openSharedStorage(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			item, err := s.Put(cmd.Context(), storage.Item{
				Kind:       k,
				Collection: args[0],
				Key:        args[1],
				Parent:     parent,
				Data:       data,
			})
			if err != nil {
				return err
			}
			ui.NewPrinter(cmd.OutOrStdout()).Successf("put %s (etag %d)", item.Key, item.Etag)
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "document", "Item kind: document, timeseries or entry")
	cmd.Flags().StringVar(&parent, "parent", "", "Owning document of a time-series segment")
	return cmd
}

func newGetCmd() *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Print one item as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := storage.ParseKind(kind)
			if err != nil {
				return amerrors.ValidationError(err.Error(), err)
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := openSharedStorage(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			tx, err := s.BeginRead(cmd.Context())
			if err != nil {
				return err
			}
			defer tx.Close()
			item, ok, err := tx.Get(k, args[0])
			if err != nil {
				return err
			}
			if !ok {
				return amerrors.New(amerrors.ErrCodeInvalidInput, fmt.Sprintf("%s %s not found", k, args[0]), nil)
			}
			return ui.NewStatusRenderer(cmd.OutOrStdout(), true).RenderJSON(item)
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "document", "Item kind: document, timeseries or entry")
	return cmd
}

func newDeleteCmd() *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete an item",
		Long: `Delete one item. Deleting a document also deletes its time-series
segments. Deleting a missing key is not an error.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := storage.ParseKind(kind)
			if err != nil {
				return amerrors.ValidationError(err.Error(), err)
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := openSharedStorage(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			tombs, err := s.Delete(cmd.Context(), k, args[0])
			if err != nil {
				return err
			}
			p := ui.NewPrinter(cmd.OutOrStdout())
			if len(tombs) == 0 {
				p.Warningf("%s not found", args[0])
				return nil
			}
			p.Successf("deleted %s (%d tombstones)", args[0], len(tombs))
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "document", "Item kind: document, timeseries or entry")
	return cmd
}

func newStreamCmd() *cobra.Command {
	var (
		opts stream.Options
		kind string
	)

	cmd := &cobra.Command{
		Use:   "stream <collection>",
		Short: "Stream items of a collection in key order as JSON lines",
		Long: `Stream the items of a collection in key order, one JSON object per line.
The read transaction is renewed every --pulse items, so long streams do not
pin an old snapshot.

Examples:
  amandb stream users --starts-with users/ --matches '1*|2?'
  amandb stream users --start-after users/10 --page-size 50`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := storage.ParseKind(kind)
			if err != nil {
				return amerrors.ValidationError(err.Error(), err)
			}
			opts.Kind = k
			opts.Collection = args[0]

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := openSharedStorage(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			stats, err := stream.Documents(cmd.Context(), s, opts, func(item storage.Item) error {
				return enc.Encode(item)
			})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "scanned %d, skipped %d, returned %d, pulses %d\n",
				stats.Scanned, stats.Skipped, stats.Returned, stats.Pulses)
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "document", "Item kind: document, timeseries or entry")
	cmd.Flags().StringVar(&opts.StartsWith, "starts-with", "", "Key prefix")
	cmd.Flags().StringVar(&opts.StartAfter, "start-after", "", "Resume after this key")
	cmd.Flags().StringVar(&opts.Matches, "matches", "", "Wildcard filter on the key after the prefix (* ? and | alternatives)")
	cmd.Flags().IntVar(&opts.Skip, "skip", 0, "Skip the first matching items")
	cmd.Flags().IntVar(&opts.PageSize, "page-size", 0, "Maximum items to return (0: all)")
	cmd.Flags().IntVar(&opts.PulseThreshold, "pulse", 0, "Items scanned per read transaction (0: default)")
	return cmd
}

// decodeObject parses a JSON object for an item body.
func decodeObject(raw []byte) (map[string]any, error) {
	raw = []byte(strings.TrimSpace(string(raw)))
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, amerrors.ValidationError("item data must be a JSON object", err)
	}
	return data, nil
}
