package cmd

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kebairia/drbackup/internal/alert"
	"github.com/kebairia/drbackup/internal/operations"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate configuration, the datastore's log shipping mode and backup disk space",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.om.CheckConfiguration(cmd.Context()); err != nil {
			return err
		}

		usage, err := a.om.CheckStorage()
		if errors.Is(err, operations.ErrStorageFull) {
			a.alerts.Notify(alert.KindStorageFull, err)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "configuration OK, %s free on %s\n", humanize.IBytes(usage.FreeBytes), usage.Path)
		return nil
	},
}
