package database

import (
	"context"
	"fmt"

	"github.com/kebairia/drbackup/internal/config"
	"github.com/kebairia/drbackup/internal/logger"
	"github.com/kebairia/drbackup/internal/vault"
)

// CredentialSource issues datastore credentials, e.g. a Vault database secrets engine.
type CredentialSource interface {
	GetDynamicCredentials(ctx context.Context, role string) (vault.DynamicCredentials, error)
}

// New builds the Datastore for cfg.Datastore.Engine. When a vault role is configured the
// static username/password are replaced by dynamic credentials read from creds.
func New(ctx context.Context, cfg config.DatastoreConfig, creds CredentialSource, log logger.Logger) (Datastore, error) {
	user, pass := cfg.Username, cfg.Password
	if cfg.VaultRole != "" {
		if creds == nil {
			return nil, fmt.Errorf("datastore vault role %q set but no vault client", cfg.VaultRole)
		}
		dc, err := creds.GetDynamicCredentials(ctx, cfg.VaultRole)
		if err != nil {
			return nil, fmt.Errorf("vault read: %w", err)
		}
		log.Debug("dynamic datastore credentials issued",
			"role", cfg.VaultRole,
			"username", dc.Username,
			"ttl", dc.TTL.String(),
		)
		user, pass = dc.Username, dc.Password
	}

	switch cfg.Engine {
	case EnginePostgres, "":
		return NewPostgres(cfg,
			WithPostgresCredentials(user, pass),
			WithPostgresLogger(log),
		), nil
	case EngineMySQL:
		return NewMySQL(cfg,
			WithMySQLCredentials(user, pass),
			WithMySQLLogger(log),
		), nil
	}
	return nil, fmt.Errorf("unsupported datastore engine %q", cfg.Engine)
}
