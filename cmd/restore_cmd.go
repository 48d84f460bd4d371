package cmd

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kebairia/drbackup/internal/alert"
	"github.com/kebairia/drbackup/internal/operations"
)

// ConfirmPhrase must be typed to start a destructive restore.
const ConfirmPhrase = "RESTORE"

var restoreOpts struct {
	backupID      string
	targetTime    string
	validateOnly  bool
	skipWALReplay bool
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore the datastore from a backup",
	Long: `Restore verifies the backup, takes a safety backup of the current state,
drops and recreates the schema, loads the backup and optionally replays
WAL segments up to --target-time. Without --validate-only the operator
must type ` + ConfirmPhrase + ` to continue.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := operations.RestoreOptions{
			BackupID:      restoreOpts.backupID,
			ValidateOnly:  restoreOpts.validateOnly,
			SkipWALReplay: restoreOpts.skipWALReplay,
		}
		if restoreOpts.targetTime != "" {
			t, err := time.Parse(time.RFC3339, restoreOpts.targetTime)
			if err != nil {
				return fmt.Errorf("invalid --target-time %q (want ISO8601, e.g. 2026-03-01T10:07:00Z): %w", restoreOpts.targetTime, err)
			}
			opts.TargetTime = &t
		}

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		out := cmd.OutOrStdout()
		if !opts.ValidateOnly {
			if !confirm(cmd.InOrStdin(), out, opts) {
				fmt.Fprintln(out, "Restore cancelled.")
				return nil
			}
		}

		res, err := a.om.Restore(cmd.Context(), opts)
		if err != nil {
			kind := alert.KindRestoreFailed
			if isIntegrityFailure(err) {
				kind = alert.KindIntegrityFailed
			}
			a.alerts.Notify(kind, err)
			return err
		}

		if opts.ValidateOnly {
			fmt.Fprintf(out, "Backup %s is valid. No changes made.\n", opts.BackupID)
			return nil
		}
		fmt.Fprintf(out, "Restore of %s completed in %s (%d tables).\n", res.BackupID, res.Duration.Round(time.Second), res.Tables)
		if res.SafetyBackupID != "" {
			fmt.Fprintf(out, "Safety backup: %s\n", res.SafetyBackupID)
		}
		if res.WAL != nil {
			fmt.Fprintf(out, "WAL segments applied: %d (last %s)\n", len(res.WAL.Applied), res.WAL.LastApplied())
		}
		for table, rows := range res.RowCounts {
			fmt.Fprintf(out, "  %s: %d rows\n", table, rows)
		}
		return nil
	},
}

// confirm prints the destructive-action warning and reads the confirmation phrase.
func confirm(in io.Reader, out io.Writer, opts operations.RestoreOptions) bool {
	fmt.Fprintln(out, "WARNING: this will DROP the current schema and replace it with backup "+opts.BackupID+".")
	fmt.Fprintln(out, "A safety backup of the current state is attempted first.")
	if opts.TargetTime != nil && !opts.SkipWALReplay {
		fmt.Fprintf(out, "WAL segments up to %s will be replayed.\n", opts.TargetTime.Format(time.RFC3339))
	}
	fmt.Fprintf(out, "Type %s to continue: ", ConfirmPhrase)

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	return strings.TrimSpace(line) == ConfirmPhrase
}

func init() {
	restoreCmd.Flags().StringVar(&restoreOpts.backupID, "backup-id", "", "id of the backup to restore")
	restoreCmd.Flags().StringVar(&restoreOpts.targetTime, "target-time", "", "replay WAL up to this ISO8601 time")
	restoreCmd.Flags().BoolVar(&restoreOpts.validateOnly, "validate-only", false, "verify the backup without touching the datastore")
	restoreCmd.Flags().BoolVar(&restoreOpts.skipWALReplay, "skip-wal-replay", false, "do not replay WAL even if --target-time is set")
	_ = restoreCmd.MarkFlagRequired("backup-id")
}
