package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/kebairia/drbackup/internal/alert"
	"github.com/kebairia/drbackup/internal/database"
	"github.com/kebairia/drbackup/internal/integrity"
	"github.com/kebairia/drbackup/internal/offload"
	"github.com/kebairia/drbackup/internal/operations"
	"github.com/kebairia/drbackup/internal/supervisor"
	"github.com/kebairia/drbackup/internal/vault"
)

// app holds the collaborators built from configuration for one command run.
type app struct {
	om       *operations.OperationManager
	alerts   *alert.Bridge
	uploader *offload.Uploader
}

func newApp(ctx context.Context) (*app, error) {
	var creds database.CredentialSource
	if cfg.Datastore.VaultRole != "" {
		vc, err := vault.NewClient(ctx,
			vault.WithAddress(cfg.Vault.Address),
			vault.WithAppRole(cfg.Vault.RoleID, cfg.Vault.ApproleName),
		)
		if err != nil {
			return nil, fmt.Errorf("vault client init: %w", err)
		}
		creds = vc
	}

	db, err := database.New(ctx, cfg.Datastore, creds, log)
	if err != nil {
		return nil, fmt.Errorf("initialize datastore: %w", err)
	}
	sup, err := supervisor.New(cfg.Supervisor, log)
	if err != nil {
		return nil, fmt.Errorf("initialize supervisor: %w", err)
	}

	a := &app{
		alerts: alert.New(cfg.Alert, alert.WithLogger(log), alert.WithTimeout(cfg.Timeouts.Alert)),
	}
	opts := []operations.Option{
		operations.WithDatastore(db),
		operations.WithSupervisor(sup),
		operations.WithLogger(log),
	}
	if cfg.Offload.Enabled {
		a.uploader = offload.New(cfg.Offload, offload.WithLogger(log), offload.WithTimeout(cfg.Timeouts.Offload))
		opts = append(opts, operations.WithOffloader(a.uploader))
	}

	a.om, err = operations.NewOperationManager(cfg, opts...)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// close waits for background offloads and alerts before the process exits.
func (a *app) close() {
	if a.uploader != nil {
		a.uploader.Wait()
	}
	a.alerts.Wait()
}

func isIntegrityFailure(err error) bool {
	return errors.Is(err, integrity.ErrChecksumMismatch) ||
		errors.Is(err, integrity.ErrCorruptArtifact) ||
		errors.Is(err, integrity.ErrArtifactMissing)
}
