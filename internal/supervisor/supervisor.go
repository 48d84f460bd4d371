package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/coreos/go-systemd/v22/dbus"

	"github.com/kebairia/drbackup/internal/config"
	"github.com/kebairia/drbackup/internal/logger"
)

var (
	ErrStopFailed  = errors.New("application stop failed")
	ErrStartFailed = errors.New("application start failed")
)

// Supervisor stops and starts the application that writes to the datastore.
type Supervisor interface {
	Name() string
	Stop(ctx context.Context) error
	Start(ctx context.Context) error
}

// New selects a Supervisor from cfg.Kind.
func New(cfg config.SupervisorConfig, log logger.Logger) (Supervisor, error) {
	switch cfg.Kind {
	case "", "none":
		return Nop{}, nil
	case "systemd":
		return NewSystemd(cfg.Unit, log), nil
	case "command":
		return NewCommand(cfg.StopCommand, cfg.StartCommand, log), nil
	}
	return nil, fmt.Errorf("unknown supervisor kind %q", cfg.Kind)
}

// Nop leaves the application alone.
type Nop struct{}

func (Nop) Name() string                { return "none" }
func (Nop) Stop(context.Context) error  { return nil }
func (Nop) Start(context.Context) error { return nil }

// dbusConn is the subset of *dbus.Conn used here.
type dbusConn interface {
	StopUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	StartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	Close()
}

// Systemd drives a unit over the systemd D-Bus API.
type Systemd struct {
	unit    string
	log     logger.Logger
	newConn func(ctx context.Context) (dbusConn, error)
}

func NewSystemd(unit string, log logger.Logger) *Systemd {
	return &Systemd{
		unit: unit,
		log:  log,
		newConn: func(ctx context.Context) (dbusConn, error) {
			return dbus.NewWithContext(ctx)
		},
	}
}

func (s *Systemd) Name() string { return "systemd:" + s.unit }

func (s *Systemd) Stop(ctx context.Context) error {
	if err := s.do(ctx, "stop"); err != nil {
		return fmt.Errorf("%w: %v", ErrStopFailed, err)
	}
	return nil
}

func (s *Systemd) Start(ctx context.Context) error {
	if err := s.do(ctx, "start"); err != nil {
		return fmt.Errorf("%w: %v", ErrStartFailed, err)
	}
	return nil
}

func (s *Systemd) do(ctx context.Context, op string) error {
	conn, err := s.newConn(ctx)
	if err != nil {
		return fmt.Errorf("connect to systemd: %w", err)
	}
	defer conn.Close()

	statusCh := make(chan string, 1)
	switch op {
	case "stop":
		_, err = conn.StopUnitContext(ctx, s.unit, "replace", statusCh)
	default:
		_, err = conn.StartUnitContext(ctx, s.unit, "replace", statusCh)
	}
	if err != nil {
		return fmt.Errorf("dbus %s request for %s: %w", op, s.unit, err)
	}

	select {
	case status := <-statusCh:
		if status != "done" {
			return fmt.Errorf("failed to %s %s (job result %q)", op, s.unit, status)
		}
	case <-ctx.Done():
		return fmt.Errorf("waiting for %s of %s: %w", op, s.unit, context.Cause(ctx))
	}

	s.log.Info("application unit job done", "op", op, "unit", s.unit)
	return nil
}

// Command runs operator-supplied argv vectors, e.g. ["pm2", "stop", "pos-backend"].
type Command struct {
	stop  []string
	start []string
	log   logger.Logger
}

func NewCommand(stop, start []string, log logger.Logger) *Command {
	return &Command{stop: stop, start: start, log: log}
}

func (c *Command) Name() string { return "command" }

func (c *Command) Stop(ctx context.Context) error {
	if err := c.run(ctx, c.stop); err != nil {
		return fmt.Errorf("%w: %v", ErrStopFailed, err)
	}
	return nil
}

func (c *Command) Start(ctx context.Context) error {
	if err := c.run(ctx, c.start); err != nil {
		return fmt.Errorf("%w: %v", ErrStartFailed, err)
	}
	return nil
}

func (c *Command) run(ctx context.Context, argv []string) error {
	if len(argv) == 0 {
		return errors.New("empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s: %w: %s", strings.Join(argv, " "), err, msg)
		}
		return fmt.Errorf("%s: %w", strings.Join(argv, " "), err)
	}
	c.log.Info("supervisor command finished", "command", strings.Join(argv, " "))
	return nil
}
