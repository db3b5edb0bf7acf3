package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var recordsLimit int

var recordsCmd = &cobra.Command{
	Use:   "records <collection>",
	Short: "Print the most recent draw records of a collection",
	Long: `Print the most recent draw records of a collection, newest first. On a
cold cache the records are fetched from the draw service first.`,
	Args: cobra.ExactArgs(1),
	RunE: runRecords,
}

func init() {
	recordsCmd.Flags().IntVarP(&recordsLimit, "limit", "n", 20,
		"maximum number of records to print")
}

func runRecords(cmd *cobra.Command, args []string) error {
	if recordsLimit <= 0 {
		return fmt.Errorf("--limit must be positive")
	}

	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	if err := a.orch.Initialize(ctx); err != nil {
		return err
	}

	records := a.orch.GetRecords(ctx, args[0], recordsLimit)
	out := cmd.OutOrStdout()

	if jsonOutput {
		return printJSON(out, records)
	}

	if len(records) == 0 {
		fmt.Fprintf(out, "no records for %q\n", args[0])
		return nil
	}

	tw := newTabWriter(out)
	fmt.Fprintln(tw, "DATE\tPRIMARY\tSECONDARY")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Key(), joinInts(r.Primary), orDash(joinInts(r.Secondary)))
	}

	return tw.Flush()
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprint(v)
	}

	return strings.Join(parts, " ")
}
