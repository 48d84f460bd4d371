package database

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kebairia/drbackup/internal/config"
	"github.com/kebairia/drbackup/internal/logger"
)

const EnginePostgres = "postgres"

// PostgresOption lets you override default settings on a Postgres.
type PostgresOption func(*Postgres)

// Postgres drives pg_dump, psql and pg_waldump against one database.
type Postgres struct {
	Username string
	Password string
	Database string
	Schema   string
	Host     string
	Port     string
	Logger   logger.Logger
}

var _ Datastore = (*Postgres)(nil)

// NewPostgres returns a Postgres configured from cfg plus any overrides.
func NewPostgres(cfg config.DatastoreConfig, opts ...PostgresOption) *Postgres {
	p := &Postgres{
		Username: cfg.Username,
		Password: cfg.Password,
		Database: cfg.Database,
		Schema:   cfg.Schema,
		Host:     cfg.Host,
		Port:     cfg.Port,
		Logger:   logger.Global(),
	}
	if p.Schema == "" {
		p.Schema = "public"
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithPostgresHost overrides the host.
func WithPostgresHost(host string) PostgresOption {
	return func(p *Postgres) {
		if host != "" {
			p.Host = host
		}
	}
}

// WithPostgresPort overrides the port.
func WithPostgresPort(port string) PostgresOption {
	return func(p *Postgres) {
		if port != "" {
			p.Port = port
		}
	}
}

// WithPostgresCredentials sets username and password.
func WithPostgresCredentials(user, pass string) PostgresOption {
	return func(p *Postgres) {
		if user != "" {
			p.Username = user
		}
		if pass != "" {
			p.Password = pass
		}
	}
}

// WithPostgresLogger sets the logger.
func WithPostgresLogger(log logger.Logger) PostgresOption {
	return func(p *Postgres) {
		if log != nil {
			p.Logger = log
		}
	}
}

func (p *Postgres) Engine() string { return EnginePostgres }

func (p *Postgres) Name() string { return p.Database }

func (p *Postgres) connArgs() []string {
	args := []string{"-h", p.Host}
	if p.Port != "" {
		args = append(args, "-p", p.Port)
	}
	if p.Username != "" {
		args = append(args, "-U", p.Username)
	}
	return append(args, "-d", p.Database)
}

// env passes PGPASSWORD for non-interactive auth.
func (p *Postgres) env() []string {
	if p.Password == "" {
		return nil
	}
	return []string{"PGPASSWORD=" + p.Password}
}

func (p *Postgres) psql(extra ...string) command {
	args := append(p.connArgs(), "-v", "ON_ERROR_STOP=1", "-X", "-q")
	return command{name: "psql", args: append(args, extra...), env: p.env()}
}

// Dump runs `pg_dump` in plain format so the artifact can be replayed by psql.
func (p *Postgres) Dump(ctx context.Context, outPath string) error {
	args := append(p.connArgs(),
		"--format=plain",
		"--no-owner",
		"--no-acl",
		"--file="+outPath,
	)

	p.Logger.Info("dump started",
		"database", p.Database,
		"engine", EnginePostgres,
		"path", outPath,
	)
	start := time.Now()
	if _, err := run(ctx, command{name: "pg_dump", args: args, env: p.env()}); err != nil {
		return fmt.Errorf("%w: %w", ErrBackupFailed, err)
	}
	p.Logger.Info("dump completed",
		"database", p.Database,
		"engine", EnginePostgres,
		"path", outPath,
		"duration", time.Since(start).String(),
	)
	return nil
}

// Restore feeds a plain SQL dump to psql.
func (p *Postgres) Restore(ctx context.Context, inPath string) error {
	p.Logger.Info("restore started",
		"database", p.Database,
		"engine", EnginePostgres,
		"source", inPath,
	)
	start := time.Now()
	if _, err := run(ctx, p.psql("-f", inPath)); err != nil {
		return fmt.Errorf("%w: %w", ErrRestoreFailed, err)
	}
	p.Logger.Info("restore completed",
		"database", p.Database,
		"engine", EnginePostgres,
		"source", inPath,
		"duration", time.Since(start).String(),
	)
	return nil
}

// ResetSchema drops the schema with everything in it and creates it empty.
func (p *Postgres) ResetSchema(ctx context.Context) error {
	schema := quoteIdent(p.Schema)
	stmt := fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE; CREATE SCHEMA %s;", schema, schema)
	if _, err := run(ctx, p.psql("-c", stmt)); err != nil {
		return fmt.Errorf("reset schema %s: %w", p.Schema, err)
	}
	return nil
}

// ApplyLog decodes a WAL segment with pg_waldump and feeds it to psql.
func (p *Postgres) ApplyLog(ctx context.Context, segmentPath string) error {
	waldump := command{name: "pg_waldump", args: []string{segmentPath}}
	if err := pipe(ctx, waldump, p.psql()); err != nil {
		return fmt.Errorf("%w: %w", ErrLogApply, err)
	}
	return nil
}

func (p *Postgres) scalar(ctx context.Context, query string) (string, error) {
	out, err := run(ctx, p.psql("-t", "-A", "-c", query))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (p *Postgres) CountTables(ctx context.Context) (int, error) {
	out, err := p.scalar(ctx, fmt.Sprintf(
		"SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = %s;",
		quoteLiteral(p.Schema),
	))
	if err != nil {
		return 0, fmt.Errorf("count tables: %w", err)
	}
	n, err := strconv.Atoi(out)
	if err != nil {
		return 0, fmt.Errorf("count tables: unexpected output %q", out)
	}
	return n, nil
}

func (p *Postgres) CountRows(ctx context.Context, table string) (int64, error) {
	out, err := p.scalar(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s.%s;", quoteIdent(p.Schema), quoteIdent(table)))
	if err != nil {
		return 0, fmt.Errorf("count rows in %s: %w", table, err)
	}
	n, err := strconv.ParseInt(out, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("count rows in %s: unexpected output %q", table, out)
	}
	return n, nil
}

// LogShippingMode reads wal_level; only replica and logical allow point-in-time recovery.
func (p *Postgres) LogShippingMode(ctx context.Context) (string, bool, error) {
	level, err := p.scalar(ctx, "SHOW wal_level;")
	if err != nil {
		return "", false, fmt.Errorf("show wal_level: %w", err)
	}
	return level, level == "replica" || level == "logical", nil
}
