package database

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kebairia/drbackup/internal/config"
	"github.com/kebairia/drbackup/internal/logger"
)

const EngineMySQL = "mysql"

// MySQLOption lets you override default settings on a MySQL.
type MySQLOption func(*MySQL)

// MySQL drives mysqldump, mysql and mysqlbinlog against one database.
// The binlog archive plays the role of the WAL archive.
type MySQL struct {
	Username string
	Password string
	Database string
	Host     string
	Port     string
	Logger   logger.Logger
}

var _ Datastore = (*MySQL)(nil)

// NewMySQL returns a MySQL configured from cfg plus any overrides.
func NewMySQL(cfg config.DatastoreConfig, opts ...MySQLOption) *MySQL {
	m := &MySQL{
		Username: cfg.Username,
		Password: cfg.Password,
		Database: cfg.Database,
		Host:     cfg.Host,
		Port:     cfg.Port,
		Logger:   logger.Global(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// WithMySQLCredentials sets username and password.
func WithMySQLCredentials(user, pass string) MySQLOption {
	return func(m *MySQL) {
		if user != "" {
			m.Username = user
		}
		if pass != "" {
			m.Password = pass
		}
	}
}

// WithMySQLHost overrides the host.
func WithMySQLHost(host string) MySQLOption {
	return func(m *MySQL) {
		if host != "" {
			m.Host = host
		}
	}
}

// WithMySQLLogger sets the logger.
func WithMySQLLogger(log logger.Logger) MySQLOption {
	return func(m *MySQL) {
		if log != nil {
			m.Logger = log
		}
	}
}

func (m *MySQL) Engine() string { return EngineMySQL }

func (m *MySQL) Name() string { return m.Database }

func (m *MySQL) connArgs() []string {
	args := []string{"-h", m.Host}
	if m.Port != "" {
		args = append(args, "-P", m.Port)
	}
	if m.Username != "" {
		args = append(args, "-u", m.Username)
	}
	return args
}

// env passes MYSQL_PWD for non-interactive auth.
func (m *MySQL) env() []string {
	if m.Password == "" {
		return nil
	}
	return []string{"MYSQL_PWD=" + m.Password}
}

func (m *MySQL) client(extra ...string) command {
	return command{name: "mysql", args: append(m.connArgs(), extra...), env: m.env()}
}

// Dump runs `mysqldump` into a single-transaction .sql file.
func (m *MySQL) Dump(ctx context.Context, outPath string) error {
	args := append(m.connArgs(),
		"--single-transaction",
		"--routines",
		"--triggers",
		"--result-file="+outPath,
		m.Database,
	)

	m.Logger.Info("dump started",
		"database", m.Database,
		"engine", EngineMySQL,
		"path", outPath,
	)
	start := time.Now()
	if _, err := run(ctx, command{name: "mysqldump", args: args, env: m.env()}); err != nil {
		return fmt.Errorf("%w: %w", ErrBackupFailed, err)
	}
	m.Logger.Info("dump completed", "database", m.Database, "duration", time.Since(start).String())
	return nil
}

// Restore runs `mysql` with the dump on stdin.
func (m *MySQL) Restore(ctx context.Context, inPath string) error {
	file, err := os.Open(inPath)
	if err != nil {
		return fmt.Errorf("open backup file: %w", err)
	}
	defer file.Close()

	m.Logger.Info("restore started", "database", m.Database, "engine", EngineMySQL, "source", inPath)
	start := time.Now()
	c := m.client(m.Database)
	c.stdin = file
	if _, err := run(ctx, c); err != nil {
		return fmt.Errorf("%w: %w", ErrRestoreFailed, err)
	}
	m.Logger.Info("restore completed", "database", m.Database, "duration", time.Since(start).String())
	return nil
}

func (m *MySQL) ResetSchema(ctx context.Context) error {
	db := backquote(m.Database)
	stmt := fmt.Sprintf("DROP DATABASE IF EXISTS %s; CREATE DATABASE %s;", db, db)
	if _, err := run(ctx, m.client("-e", stmt)); err != nil {
		return fmt.Errorf("reset database %s: %w", m.Database, err)
	}
	return nil
}

// ApplyLog replays one binlog file through mysqlbinlog | mysql.
func (m *MySQL) ApplyLog(ctx context.Context, segmentPath string) error {
	binlog := command{name: "mysqlbinlog", args: []string{"--database=" + m.Database, segmentPath}}
	if err := pipe(ctx, binlog, m.client(m.Database)); err != nil {
		return fmt.Errorf("%w: %w", ErrLogApply, err)
	}
	return nil
}

func (m *MySQL) scalar(ctx context.Context, query string) (string, error) {
	out, err := run(ctx, m.client("-N", "-B", "-e", query))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (m *MySQL) CountTables(ctx context.Context) (int, error) {
	out, err := m.scalar(ctx, fmt.Sprintf(
		"SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = %s;",
		quoteLiteral(m.Database),
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

func (m *MySQL) CountRows(ctx context.Context, table string) (int64, error) {
	out, err := m.scalar(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s.%s;", backquote(m.Database), backquote(table)))
	if err != nil {
		return 0, fmt.Errorf("count rows in %s: %w", table, err)
	}
	n, err := strconv.ParseInt(out, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("count rows in %s: unexpected output %q", table, out)
	}
	return n, nil
}

// LogShippingMode reports whether binary logging is on.
func (m *MySQL) LogShippingMode(ctx context.Context) (string, bool, error) {
	out, err := m.scalar(ctx, "SHOW VARIABLES LIKE 'log_bin';")
	if err != nil {
		return "", false, fmt.Errorf("show log_bin: %w", err)
	}
	fields := strings.Fields(out)
	if len(fields) < 2 {
		return "", false, fmt.Errorf("show log_bin: unexpected output %q", out)
	}
	mode := strings.ToUpper(fields[1])
	return "log_bin=" + mode, mode == "ON", nil
}
