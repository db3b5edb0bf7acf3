package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/alexjbarnes/draw-sync/internal/models"
	"github.com/spf13/cobra"
)

var importCmd = &cobra.Command{
	Use:   "import <collection> <file.json>",
	Short: "Load a JSON array of draws into the cache as manual entries",
	Long: `Load a JSON array of draws into the cache as manual entries. Each element
is {"date":"YYYY-MM-DD","primary":[...],"secondary":[...]}. The
collection's cursor is invalidated so the next pass refetches in full.`,
	Args: cobra.ExactArgs(2),
	RunE: runImport,
}

func runImport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[1])
	if err != nil {
		return fmt.Errorf("reading import file: %w", err)
	}

	var raw []importRecord
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decoding import file: %w", err)
	}

	records := make([]models.Record, 0, len(raw))

	for i, r := range raw {
		rec, err := r.record(args[0])
		if err != nil {
			return fmt.Errorf("record %d: %w", i+1, err)
		}

		records = append(records, rec)
	}

	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.close()

	counts, err := a.admin.Import(cmd.Context(), args[0], records)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, counts)
	}

	fmt.Fprintf(out, "imported %d, updated %d, skipped %d, rejected %d\n",
		counts.Inserted, counts.Updated, counts.Skipped, counts.Rejected)

	return nil
}

// importRecord is the on-disk shape of one imported draw.
type importRecord struct {
	Date      string `json:"date"`
	Primary   []int  `json:"primary"`
	Secondary []int  `json:"secondary,omitempty"`
}

func (r importRecord) record(collection string) (models.Record, error) {
	date, err := models.ParseDateKey(r.Date)
	if err != nil {
		return models.Record{}, err
	}

	return models.Record{
		Collection:    collection,
		EffectiveDate: date,
		Primary:       r.Primary,
		Secondary:     r.Secondary,
	}, nil
}
