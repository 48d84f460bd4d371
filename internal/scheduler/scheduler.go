package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kebairia/drbackup/internal/alert"
	"github.com/kebairia/drbackup/internal/config"
	"github.com/kebairia/drbackup/internal/logger"
	"github.com/kebairia/drbackup/internal/metadata"
	"github.com/kebairia/drbackup/internal/metrics"
	"github.com/kebairia/drbackup/internal/operations"
	"github.com/kebairia/drbackup/internal/wal"
)

// Operations is the part of the OperationManager driven on a timer.
type Operations interface {
	CreateFullBackup(ctx context.Context, trigger metadata.Trigger) (metadata.Record, error)
	Sweep(ctx context.Context, now time.Time) (operations.SweepResult, error)
	CheckStorage() (operations.DiskUsage, error)
	Archive() *wal.Archive
}

// Notifier raises alerts without blocking.
type Notifier interface {
	Notify(kind alert.Kind, cause error)
}

// Scheduler runs the daily backup and the WAL freshness check.
type Scheduler struct {
	cron   *cron.Cron
	ops    Operations
	alerts Notifier
	log    logger.Logger
	window time.Duration
	now    func() time.Time
}

// New registers both jobs. Overlapping runs of the same job are skipped.
func New(cfg config.Config, ops Operations, alerts Notifier, log logger.Logger) (*Scheduler, error) {
	loc := time.Local
	if cfg.Schedule.Timezone != "" {
		l, err := time.LoadLocation(cfg.Schedule.Timezone)
		if err != nil {
			return nil, fmt.Errorf("%w: schedule.timezone: %v", config.ErrConfigurationInvalid, err)
		}
		loc = l
	}

	cl := cronLogger{log: log}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		ops:    ops,
		alerts: alerts,
		log:    log,
		window: cfg.WAL.FreshnessWindow,
		now:    time.Now,
	}

	if _, err := s.cron.AddFunc(cfg.Schedule.Backup, func() { _ = s.DailyBackup(context.Background()) }); err != nil {
		return nil, fmt.Errorf("%w: schedule.backup %q: %v", config.ErrConfigurationInvalid, cfg.Schedule.Backup, err)
	}
	if _, err := s.cron.AddFunc(cfg.Schedule.WALCheck, func() { _ = s.CheckWAL() }); err != nil {
		return nil, fmt.Errorf("%w: schedule.wal_check %q: %v", config.ErrConfigurationInvalid, cfg.Schedule.WALCheck, err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.log.Info("scheduler started", "jobs", len(s.cron.Entries()))
	s.cron.Start()
}

// Stop prevents new runs and waits for running jobs or ctx, whichever comes first.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out with jobs still running")
	}
}

// DailyBackup takes a scheduled backup, sweeps expired ones and then checks free
// space on the backup filesystem. A failed backup raises daily_backup_failed and
// skips the sweep. The storage check runs either way.
func (s *Scheduler) DailyBackup(ctx context.Context) error {
	err := s.backupAndSweep(ctx)
	_ = s.CheckStorage()
	return err
}

func (s *Scheduler) backupAndSweep(ctx context.Context) error {
	rec, err := s.ops.CreateFullBackup(ctx, metadata.TriggerScheduled)
	if err != nil {
		if errors.Is(err, operations.ErrLocked) {
			s.log.Warn("scheduled backup skipped, another operation holds the lock")
			return err
		}
		s.log.Error("scheduled backup failed", "error", err.Error())
		s.alerts.Notify(alert.KindDailyBackupFailed, err)
		return err
	}
	s.log.Info("scheduled backup completed", "backup_id", rec.ID)

	res, err := s.ops.Sweep(ctx, s.now())
	if err != nil {
		s.log.Error("retention sweep failed", "error", err.Error())
		return err
	}
	if len(res.Failed) > 0 {
		s.log.Warn("retention sweep left backups for retry", "count", len(res.Failed))
	}
	return nil
}

// CheckStorage raises backup_storage_full when the backup filesystem is above threshold.
func (s *Scheduler) CheckStorage() error {
	usage, err := s.ops.CheckStorage()
	if usage.TotalBytes > 0 {
		metrics.BackupDiskUsedRatio.Set(usage.UsedFraction())
	}
	switch {
	case errors.Is(err, operations.ErrStorageFull):
		s.log.Warn("backup storage running low", "path", usage.Path, "error", err.Error())
		s.alerts.Notify(alert.KindStorageFull, err)
	case err != nil:
		s.log.Error("storage check failed", "error", err.Error())
	}
	return err
}

// CheckWAL raises wal_archiving_stalled when no segment arrived in the freshness window.
func (s *Scheduler) CheckWAL() error {
	f, err := s.ops.Archive().CheckFreshness(s.now(), s.window)
	metrics.WALRecentSegments.Set(float64(f.Recent))
	switch {
	case errors.Is(err, wal.ErrWALStalled):
		s.log.Warn("wal archiving stalled", "window", s.window.String(), "latest", f.Latest, "total", f.Total)
		s.alerts.Notify(alert.KindWALStalled, err)
	case err != nil:
		s.log.Error("wal check failed", "error", err.Error())
	default:
		s.log.Debug("wal archiving healthy", "recent", f.Recent, "latest", f.Latest)
	}
	return err
}

// cronLogger adapts Logger to cron.Logger.
type cronLogger struct {
	log logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(keysAndValues, "error", err.Error())...)
}
