package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kebairia/drbackup/internal/alert"
	"github.com/kebairia/drbackup/internal/wal"
)

var walCmd = &cobra.Command{
	Use:   "wal",
	Short: "Inspect the WAL archive",
}

var walCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Fail if no WAL segment was archived within wal.freshness_window",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		f, err := a.om.Archive().CheckFreshness(time.Now(), cfg.WAL.FreshnessWindow)
		if errors.Is(err, wal.ErrWALStalled) {
			a.alerts.Notify(alert.KindWALStalled, err)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d segment(s) in the last %s, latest %s\n",
			f.Recent, cfg.WAL.FreshnessWindow, f.Latest.Format(time.RFC3339))
		return nil
	},
}

var walListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived segments in replay order",
	RunE: func(cmd *cobra.Command, args []string) error {
		segments, err := wal.NewArchive(cfg.WAL.ArchiveDirectory, nil).Segments()
		if err != nil {
			return err
		}
		for _, s := range segments {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", s.Name, s.Time.Format(time.RFC3339))
		}
		return nil
	},
}

func init() {
	walCmd.AddCommand(walCheckCmd)
	walCmd.AddCommand(walListCmd)
}
