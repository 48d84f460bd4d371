package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete backups past their retention deadline",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		res, err := a.om.Sweep(cmd.Context(), time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %d backup(s)\n", len(res.Deleted))
		for id, ferr := range res.Failed {
			fmt.Fprintf(cmd.OutOrStdout(), "kept %s for retry: %v\n", id, ferr)
		}
		return nil
	},
}
