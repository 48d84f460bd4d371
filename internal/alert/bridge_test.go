package alert

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/kebairia/drbackup/internal/config"
)

type webhook struct {
	mu       sync.Mutex
	received []Alert
	status   int
}

func (w *webhook) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	var a Alert
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		return
	}
	w.mu.Lock()
	w.received = append(w.received, a)
	status := w.status
	w.mu.Unlock()
	rw.WriteHeader(status)
}

func (w *webhook) alerts() []Alert {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Alert(nil), w.received...)
}

func newWebhook(t *testing.T, status int) (*webhook, config.AlertConfig) {
	t.Helper()
	hook := &webhook{status: status}
	srv := httptest.NewServer(hook)
	t.Cleanup(srv.Close)
	return hook, config.AlertConfig{
		Enabled:          true,
		WebhookURL:       srv.URL,
		FailureThreshold: 2,
		OpenTimeout:      time.Minute,
	}
}

func TestNotify_DeliversPayload(t *testing.T) {
	hook, cfg := newWebhook(t, http.StatusOK)
	fixed := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	b := New(cfg, WithClock(func() time.Time { return fixed }))

	b.Notify(KindDailyBackupFailed, errors.New("pg_dump: connection refused"))
	b.Wait()

	got := hook.alerts()
	if len(got) != 1 {
		t.Fatalf("received %d alerts, want 1", len(got))
	}
	a := got[0]
	if a.Type != "backup.daily_backup_failed" || a.Severity != SeverityHigh {
		t.Errorf("unexpected alert %+v", a)
	}
	if a.Details["error"] != "pg_dump: connection refused" || !a.Timestamp.Equal(fixed) {
		t.Errorf("unexpected details %+v", a)
	}
}

func TestNotify_FailureIsSwallowed(t *testing.T) {
	_, cfg := newWebhook(t, http.StatusInternalServerError)
	b := New(cfg)

	b.Notify(KindRestoreFailed, nil)
	b.Wait()
}

func TestNotify_DisabledDoesNotDial(t *testing.T) {
	hook, cfg := newWebhook(t, http.StatusOK)
	cfg.Enabled = false
	b := New(cfg)

	b.Notify(KindWALStalled, nil)
	b.Wait()
	if n := len(hook.alerts()); n != 0 {
		t.Errorf("disabled bridge delivered %d alerts", n)
	}
}

func TestSend_BreakerOpensAfterThreshold(t *testing.T) {
	hook, cfg := newWebhook(t, http.StatusBadGateway)
	b := New(cfg)
	ctx := context.Background()
	a := Alert{Type: "backup.restore_failed", Severity: SeverityCritical}

	for i := 0; i < 2; i++ {
		if err := b.Send(ctx, a); !errors.Is(err, ErrDeliveryFailed) {
			t.Fatalf("attempt %d: expected ErrDeliveryFailed, got %v", i, err)
		}
	}
	err := b.Send(ctx, a)
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}
	if b.breaker.State() != gobreaker.StateOpen {
		t.Errorf("breaker state = %v, want open", b.breaker.State())
	}
	if n := len(hook.alerts()); n != 2 {
		t.Errorf("webhook hit %d times, want 2 before the breaker opened", n)
	}
}

func TestKindDefaults(t *testing.T) {
	if KindIntegrityFailed.Severity() != SeverityCritical {
		t.Error("integrity failures must be critical")
	}
	unknown := Kind("disk_on_fire")
	if unknown.Severity() != SeverityMedium || unknown.Message() != "Backup alert: disk_on_fire" {
		t.Errorf("unexpected defaults for unknown kind")
	}
}
