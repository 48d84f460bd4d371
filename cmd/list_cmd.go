package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/kebairia/drbackup/internal/metadata"
)

var listJSON bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List backups, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		records := a.om.List()
		if listJSON {
			return writeJSON(cmd.OutOrStdout(), records)
		}
		writeTable(cmd.OutOrStdout(), records, time.Now())
		return nil
	},
}

func writeTable(w io.Writer, records []metadata.Record, now time.Time) {
	table := uitable.New()
	table.MaxColWidth = 60
	table.AddRow("ID", "CREATED", "STATUS", "TRIGGER", "SIZE", "EXPIRES")
	for _, r := range records {
		size := "-"
		if r.Status == metadata.StatusCompleted {
			size = humanize.IBytes(uint64(r.SizeBytes))
		}
		table.AddRow(
			r.ID,
			r.CreatedAt.Local().Format(time.DateTime),
			string(r.Status),
			string(r.Trigger),
			size,
			humanize.RelTime(r.RetentionUntil, now, "ago", "from now"),
		)
	}
	fmt.Fprintln(w, table)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	listCmd.Flags().BoolVar(&listJSON, "json", false, "print records as JSON")
}
