package cmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kebairia/drbackup/internal/metadata"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Take a full backup now",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		rec, err := a.om.CreateFullBackup(cmd.Context(), metadata.TriggerManual)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", rec.ID, humanize.IBytes(uint64(rec.SizeBytes)), rec.Location)
		return nil
	},
}
