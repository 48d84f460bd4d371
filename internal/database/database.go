package database

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

var (
	ErrTimeout       = errors.New("operation timed out")
	ErrBackupFailed  = errors.New("backup failed")
	ErrRestoreFailed = errors.New("restore failed")
	ErrLogApply      = errors.New("log apply failed")
)

// Datastore is the transactional datastore as seen by the backup subsystem.
// Every method shells out to the engine's native tooling and must honour ctx.
type Datastore interface {
	Engine() string
	Name() string
	// Dump writes an uncompressed, consistent snapshot to outPath.
	Dump(ctx context.Context, outPath string) error
	// Restore applies an uncompressed snapshot produced by Dump.
	Restore(ctx context.Context, inPath string) error
	// ResetSchema destroys and recreates the target namespace.
	ResetSchema(ctx context.Context) error
	// ApplyLog replays a single archived log segment.
	ApplyLog(ctx context.Context, segmentPath string) error
	// CountTables returns the number of user-visible tables in the namespace.
	CountTables(ctx context.Context) (int, error)
	CountRows(ctx context.Context, table string) (int64, error)
	// LogShippingMode reports the configured log level and whether it supports point-in-time recovery.
	LogShippingMode(ctx context.Context) (mode string, pitrCapable bool, err error)
}

// command describes one external tool invocation.
type command struct {
	name  string
	args  []string
	env   []string
	stdin io.Reader
}

// run executes cmd and returns its stdout. stderr is captured into the error.
// When ctx carries a cause (e.g. ErrTimeout) it is wrapped into the returned error.
func run(ctx context.Context, c command) (string, error) {
	cmd := exec.CommandContext(ctx, c.name, c.args...)
	cmd.Env = append(os.Environ(), c.env...)
	cmd.Stdin = c.stdin

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", commandError(ctx, c.name, err, stderr.String())
	}
	return stdout.String(), nil
}

// pipe runs producer | consumer, e.g. pg_waldump | psql.
func pipe(ctx context.Context, producer, consumer command) error {
	prod := exec.CommandContext(ctx, producer.name, producer.args...)
	prod.Env = append(os.Environ(), producer.env...)
	cons := exec.CommandContext(ctx, consumer.name, consumer.args...)
	cons.Env = append(os.Environ(), consumer.env...)

	out, err := prod.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%s stdout pipe: %w", producer.name, err)
	}
	var prodErr, consErr bytes.Buffer
	prod.Stderr = &prodErr
	cons.Stdin = out
	cons.Stdout = io.Discard
	cons.Stderr = &consErr

	if err := cons.Start(); err != nil {
		return commandError(ctx, consumer.name, err, "")
	}
	if err := prod.Run(); err != nil {
		_ = cons.Wait()
		return commandError(ctx, producer.name, err, prodErr.String())
	}
	if err := cons.Wait(); err != nil {
		return commandError(ctx, consumer.name, err, consErr.String())
	}
	return nil
}

func commandError(ctx context.Context, name string, err error, stderr string) error {
	if cause := context.Cause(ctx); cause != nil {
		return fmt.Errorf("%s: %w", name, cause)
	}
	stderr = strings.TrimSpace(stderr)
	if stderr != "" {
		return fmt.Errorf("%s failed: %w: %s", name, err, stderr)
	}
	return fmt.Errorf("%s failed: %w", name, err)
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteLiteral(s string) string {
	return `'` + strings.ReplaceAll(s, `'`, `''`) + `'`
}

func backquote(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "``") + "`"
}
