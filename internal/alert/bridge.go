package alert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/kebairia/drbackup/internal/config"
	"github.com/kebairia/drbackup/internal/logger"
	"github.com/kebairia/drbackup/internal/metrics"
)

// ErrDeliveryFailed wraps webhook failures, including a tripped breaker.
var ErrDeliveryFailed = errors.New("alert delivery failed")

// Kind identifies a backup alert.
type Kind string

const (
	KindDailyBackupFailed Kind = "daily_backup_failed"
	KindWALStalled        Kind = "wal_archiving_stalled"
	KindIntegrityFailed   Kind = "backup_integrity_failed"
	KindRestoreFailed     Kind = "restore_failed"
	KindStorageFull       Kind = "backup_storage_full"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severities = map[Kind]Severity{
	KindDailyBackupFailed: SeverityHigh,
	KindWALStalled:        SeverityMedium,
	KindStorageFull:       SeverityHigh,
	KindIntegrityFailed:   SeverityCritical,
	KindRestoreFailed:     SeverityCritical,
}

var messages = map[Kind]string{
	KindDailyBackupFailed: "Daily backup failed to complete",
	KindWALStalled:        "WAL archiving has stalled, no new WAL files in the freshness window",
	KindStorageFull:       "Backup storage is running low on space",
	KindIntegrityFailed:   "Backup integrity check failed, backup may be corrupted",
	KindRestoreFailed:     "Database restore operation failed",
}

func (k Kind) Severity() Severity {
	if s, ok := severities[k]; ok {
		return s
	}
	return SeverityMedium
}

func (k Kind) Message() string {
	if m, ok := messages[k]; ok {
		return m
	}
	return "Backup alert: " + string(k)
}

// Alert is the webhook payload.
type Alert struct {
	Type      string            `json:"type"`
	Severity  Severity          `json:"severity"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

type Option func(*Bridge)

func WithLogger(log logger.Logger) Option {
	return func(b *Bridge) { b.log = log }
}

func WithHTTPClient(c *http.Client) Option {
	return func(b *Bridge) { b.client = c }
}

// WithTimeout bounds a single webhook delivery.
func WithTimeout(d time.Duration) Option {
	return func(b *Bridge) { b.timeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(b *Bridge) { b.now = now }
}

// Bridge forwards alerts to a webhook. Delivery runs in the background behind a
// circuit breaker and never reports failure to the caller.
type Bridge struct {
	webhook string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[struct{}]
	timeout time.Duration
	log     logger.Logger
	now     func() time.Time

	wg sync.WaitGroup
}

// New returns a Bridge. When alerting is disabled the Bridge only logs.
func New(cfg config.AlertConfig, opts ...Option) *Bridge {
	b := &Bridge{
		client:  &http.Client{},
		timeout: 10 * time.Second,
		log:     logger.Nop(),
		now:     time.Now,
	}
	if cfg.Enabled {
		b.webhook = cfg.WebhookURL
	}
	for _, opt := range opts {
		opt(b)
	}

	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 1
	}
	b.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "alert-webhook",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.AlertBreakerState.Set(float64(to))
			b.log.Warn("alert circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})
	return b
}

// Notify raises an alert of the given kind. It returns immediately.
func (b *Bridge) Notify(kind Kind, cause error) {
	a := Alert{
		Type:      "backup." + string(kind),
		Severity:  kind.Severity(),
		Message:   kind.Message(),
		Timestamp: b.now().UTC(),
	}
	if cause != nil {
		a.Details = map[string]string{"error": cause.Error()}
	}

	b.log.Warn("ALERT", "type", a.Type, "severity", string(a.Severity), "message", a.Message, "details", a.Details)
	if b.webhook == "" {
		return
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.log.Error("alert dispatch panicked", "type", a.Type, "panic", fmt.Sprint(r))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		defer cancel()

		err := b.Send(ctx, a)
		metrics.AlertsTotal.WithLabelValues(string(kind), metrics.Result(err)).Inc()
		if err != nil {
			b.log.Error("failed to deliver alert", "type", a.Type, "error", err.Error())
		}
	}()
}

// Send posts one alert synchronously through the breaker.
func (b *Bridge) Send(ctx context.Context, a Alert) error {
	_, err := b.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, b.post(ctx, a)
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	return nil
}

func (b *Bridge) post(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.webhook, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

// Wait blocks until in-flight deliveries finish.
func (b *Bridge) Wait() {
	b.wg.Wait()
}
