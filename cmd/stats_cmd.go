package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/kebairia/drbackup/internal/operations"
)

var statsJSON bool

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show backup statistics and health",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		now := time.Now()
		stats, health := a.om.Stats(now), a.om.Health(now)
		if statsJSON {
			return writeJSON(cmd.OutOrStdout(), struct {
				Stats  operations.Stats  `json:"stats"`
				Health operations.Health `json:"health"`
			}{stats, health})
		}

		table := uitable.New()
		table.AddRow("Completed backups:", stats.TotalCompleted)
		table.AddRow("Total size:", humanize.IBytes(uint64(stats.TotalSizeBytes)))
		if stats.Latest != nil {
			table.AddRow("Latest:", fmt.Sprintf("%s (%s, %s)", stats.Latest.ID, stats.Latest.Status, humanize.Time(stats.Latest.CreatedAt)))
		}
		if stats.OldestRetained != nil {
			table.AddRow("Oldest retained:", fmt.Sprintf("%s (%s)", stats.OldestRetained.ID, humanize.Time(stats.OldestRetained.CreatedAt)))
		}
		table.AddRow("Failed (24h):", stats.FailedLast24h)
		status := "healthy"
		if !health.Healthy {
			status = "UNHEALTHY: " + strings.Join(health.Issues, "; ")
		}
		table.AddRow("Health:", status)
		fmt.Fprintln(cmd.OutOrStdout(), table)
		return nil
	},
}

func init() {
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "print stats as JSON")
}
