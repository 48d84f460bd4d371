package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kebairia/drbackup/internal/config"
	"github.com/kebairia/drbackup/internal/logger"
)

type fakeConn struct {
	result string
	reqErr error
	calls  []string
	closed bool
}

func (f *fakeConn) StopUnitContext(_ context.Context, name, _ string, ch chan<- string) (int, error) {
	return f.job("stop "+name, ch)
}

func (f *fakeConn) StartUnitContext(_ context.Context, name, _ string, ch chan<- string) (int, error) {
	return f.job("start "+name, ch)
}

func (f *fakeConn) job(call string, ch chan<- string) (int, error) {
	f.calls = append(f.calls, call)
	if f.reqErr != nil {
		return 0, f.reqErr
	}
	if f.result != "" {
		ch <- f.result
	}
	return 1, nil
}

func (f *fakeConn) Close() { f.closed = true }

func newTestSystemd(conn *fakeConn) *Systemd {
	s := NewSystemd("pos-backend.service", logger.Nop())
	s.newConn = func(context.Context) (dbusConn, error) { return conn, nil }
	return s
}

func TestSystemd_StopStart(t *testing.T) {
	conn := &fakeConn{result: "done"}
	s := newTestSystemd(conn)

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(conn.calls) != 2 || conn.calls[0] != "stop pos-backend.service" || conn.calls[1] != "start pos-backend.service" {
		t.Errorf("unexpected calls %v", conn.calls)
	}
	if !conn.closed {
		t.Error("connection not closed")
	}
}

func TestSystemd_JobFailed(t *testing.T) {
	s := newTestSystemd(&fakeConn{result: "failed"})
	if err := s.Stop(context.Background()); !errors.Is(err, ErrStopFailed) {
		t.Fatalf("expected ErrStopFailed, got %v", err)
	}
}

func TestSystemd_RequestError(t *testing.T) {
	s := newTestSystemd(&fakeConn{reqErr: errors.New("unit not found")})
	if err := s.Start(context.Background()); !errors.Is(err, ErrStartFailed) {
		t.Fatalf("expected ErrStartFailed, got %v", err)
	}
}

func TestSystemd_ContextDeadline(t *testing.T) {
	s := newTestSystemd(&fakeConn{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := s.Stop(ctx); !errors.Is(err, ErrStopFailed) {
		t.Fatalf("expected ErrStopFailed, got %v", err)
	}
}

func TestCommand(t *testing.T) {
	c := NewCommand([]string{"true"}, []string{"false"}, logger.Nop())
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrStartFailed) {
		t.Fatalf("expected ErrStartFailed, got %v", err)
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		cfg  config.SupervisorConfig
		want string
	}{
		{config.SupervisorConfig{Kind: "none"}, "none"},
		{config.SupervisorConfig{Kind: "systemd", Unit: "pos.service"}, "systemd:pos.service"},
		{config.SupervisorConfig{Kind: "command", StopCommand: []string{"pm2", "stop", "pos"}, StartCommand: []string{"pm2", "start", "pos"}}, "command"},
	}
	for _, tc := range tests {
		s, err := New(tc.cfg, logger.Nop())
		if err != nil {
			t.Fatalf("New(%s): %v", tc.cfg.Kind, err)
		}
		if s.Name() != tc.want {
			t.Errorf("Name() = %q, want %q", s.Name(), tc.want)
		}
	}
	if _, err := New(config.SupervisorConfig{Kind: "pm2"}, logger.Nop()); err == nil {
		t.Error("expected error for unknown kind")
	}
}
