package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kebairia/drbackup/internal/alert"
)

var verifyBackupID string

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check a backup's artifact, checksum and compression stream",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		rec, err := a.om.Verify(cmd.Context(), verifyBackupID)
		if err != nil {
			if isIntegrityFailure(err) {
				a.alerts.Notify(alert.KindIntegrityFailed, err)
			}
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s OK (sha256 %s)\n", rec.ID, rec.Checksum)
		return nil
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyBackupID, "backup-id", "", "id of the backup to verify")
	_ = verifyCmd.MarkFlagRequired("backup-id")
}
