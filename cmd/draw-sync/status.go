package main

import (
	"fmt"
	"time"

	"github.com/alexjbarnes/draw-sync/internal/mcpserver"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cache and connectivity state",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

// collectionStatus is one row of the status report.
type collectionStatus struct {
	Name      string `json:"name"`
	Records   int    `json:"records"`
	Watermark string `json:"watermark,omitempty"`
	LastFull  string `json:"last_full_sync,omitempty"`
	Invalid   bool   `json:"invalid,omitempty"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	if err := a.orch.Initialize(ctx); err != nil {
		return err
	}

	st := a.orch.Status()
	st.IsOnline = !offline && a.client.Ping(ctx) == nil

	rows := make([]collectionStatus, 0, len(a.orch.Catalog().Names()))

	for _, name := range a.orch.Catalog().Names() {
		n, err := a.store.Count(name)
		if err != nil {
			return err
		}

		row := collectionStatus{Name: name, Records: n}

		cur, err := a.store.GetCursor(name)
		if err != nil {
			return err
		}

		if cur != nil {
			row.Watermark = formatTime(cur.Watermark)
			row.LastFull = formatTime(cur.LastFullSyncAt)
			row.Invalid = cur.Invalid
		}

		rows = append(rows, row)
	}

	out := cmd.OutOrStdout()

	if jsonOutput {
		return printJSON(out, map[string]any{
			"status":      mcpserver.ViewStatus(st),
			"collections": rows,
		})
	}

	fmt.Fprintf(out, "Online:      %t\n", st.IsOnline)
	fmt.Fprintf(out, "State:       %s\n", st.State)
	fmt.Fprintf(out, "Records:     %d\n", st.TotalRecords)
	fmt.Fprintf(out, "Last synced: %s\n", orDash(formatTime(st.LastSyncedAt)))
	fmt.Fprintf(out, "Cache:       %s\n", a.store.Path())
	fmt.Fprintln(out)

	tw := newTabWriter(out)
	fmt.Fprintln(tw, "COLLECTION\tRECORDS\tWATERMARK\tLAST FULL\tCURSOR")
	for _, r := range rows {
		cursor := "ok"
		if r.Invalid {
			cursor = "invalid"
		}

		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", r.Name, r.Records, orDash(r.Watermark), orDash(r.LastFull), cursor)
	}

	return tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}

	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}

	return t.UTC().Format(time.RFC3339)
}
