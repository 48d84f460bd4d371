package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/kebairia/drbackup/internal/scheduler"
	"github.com/kebairia/drbackup/internal/server"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run scheduled backups, WAL checks and the HTTP endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		// A datastore without PITR-capable log shipping is worth a warning, not a refusal.
		if err := a.om.CheckConfiguration(ctx); err != nil {
			log.Warn("backup configuration check failed", "error", err.Error())
		}

		sched, err := scheduler.New(cfg, a.om, a.alerts, log)
		if err != nil {
			return err
		}
		srv := server.New(cfg.Server.Listen, a.om, a.alerts, log)

		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()
		sched.Start()

		select {
		case <-ctx.Done():
			log.Info("shutting down")
		case err = <-errCh:
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			log.Warn("http shutdown", "error", serr.Error())
		}
		sched.Stop(shutdownCtx)
		return err
	},
}
