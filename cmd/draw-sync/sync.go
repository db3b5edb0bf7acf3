package main

import (
	"fmt"

	"github.com/alexjbarnes/draw-sync/internal/models"
	"github.com/spf13/cobra"
)

var syncFull bool

var syncCmd = &cobra.Command{
	Use:   "sync [collection]",
	Short: "Run one reconciliation pass and exit",
	Long: `Run one reconciliation pass against the draw service. With no argument
every tracked collection is synced; --full refetches the latest records
instead of resuming from each collection's cursor.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSync,
}

func init() {
	syncCmd.Flags().BoolVar(&syncFull, "full", false,
		"refetch full history instead of resuming from the cursor")
}

func runSync(cmd *cobra.Command, args []string) error {
	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	if err := a.orch.Initialize(ctx); err != nil {
		return err
	}

	var result models.SyncResult

	switch {
	case len(args) == 1:
		if syncFull {
			return fmt.Errorf("--full cannot be combined with a collection")
		}

		result = a.orch.SyncCollection(ctx, args[0])
	case syncFull:
		result = a.orch.ForceSync(ctx)
	default:
		result = a.orch.PerformIncrementalSync(ctx)
	}

	out := cmd.OutOrStdout()

	if jsonOutput {
		if err := printJSON(out, result); err != nil {
			return err
		}
	} else {
		tw := newTabWriter(out)
		fmt.Fprintln(tw, "COLLECTION\tINSERTED\tUPDATED\tSKIPPED\tREJECTED\tCONFLICTS")
		for _, name := range a.orch.Catalog().Names() {
			c, ok := result.CountsByCollection[name]
			if !ok {
				continue
			}

			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\n", name, c.Inserted, c.Updated, c.Skipped, c.Rejected, c.Conflicts)
		}
		tw.Flush()
		fmt.Fprintln(out, result.Message)
	}

	if !result.Success {
		return fmt.Errorf("sync failed: %s", result.Message)
	}

	return nil
}
