package operations

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kebairia/drbackup/internal/compress"
	"github.com/kebairia/drbackup/internal/metadata"
	"github.com/kebairia/drbackup/internal/metrics"
	"github.com/kebairia/drbackup/internal/wal"
)

var (
	ErrRestoreNotFound     = errors.New("backup not found")
	ErrRestoreNotCompleted = errors.New("backup not completed")
	ErrEmptyRestore        = errors.New("restore produced an empty datastore")
)

// State is a step of the restore state machine.
type State string

const (
	StateIdle             State = "idle"
	StateVerifying        State = "verifying"
	StateValidateOnlyDone State = "validate_only_done"
	StateSafetyBackup     State = "safety_backup"
	StateDropping         State = "dropping"
	StateRestoring        State = "restoring"
	StateReplaying        State = "replaying"
	StateDataCheck        State = "data_check"
	StateFailed           State = "failed"
)

// Destructive reports whether the datastore may already have been modified in this state.
func (s State) Destructive() bool {
	switch s {
	case StateDropping, StateRestoring, StateReplaying, StateDataCheck:
		return true
	}
	return false
}

// RestoreError records the state a restore failed in.
type RestoreError struct {
	State State
	Err   error
}

func (e *RestoreError) Error() string {
	return fmt.Sprintf("restore failed during %s: %v", e.State, e.Err)
}

func (e *RestoreError) Unwrap() error { return e.Err }

// RestoreOptions are the operator's restore arguments.
type RestoreOptions struct {
	BackupID string
	// TargetTime enables WAL replay up to and including this instant.
	TargetTime    *time.Time
	ValidateOnly  bool
	SkipWALReplay bool
}

// RestoreResult describes a finished or failed restore.
type RestoreResult struct {
	BackupID       string           `json:"backup_id"`
	States         []State          `json:"states"`
	SafetyBackupID string           `json:"safety_backup_id,omitempty"`
	WAL            *wal.Result      `json:"wal,omitempty"`
	Tables         int              `json:"tables"`
	RowCounts      map[string]int64 `json:"row_counts,omitempty"`
	Duration       time.Duration    `json:"duration"`
}

// Final returns the last state reached.
func (r RestoreResult) Final() State {
	if len(r.States) == 0 {
		return StateIdle
	}
	return r.States[len(r.States)-1]
}

// restoreRun carries one restore through its states.
type restoreRun struct {
	om    *OperationManager
	opts  RestoreOptions
	res   RestoreResult
	state State
	// stopped is set once the supervisor stopped the application.
	stopped  bool
	failedIn State
}

func (r *restoreRun) enter(s State) {
	r.om.log.Info("restore state", "backup_id", r.opts.BackupID, "from", string(r.state), "to", string(s))
	r.state = s
	r.res.States = append(r.res.States, s)
}

func (r *restoreRun) fail(err error) error {
	failedIn := r.state
	r.failedIn = failedIn
	r.enter(StateFailed)
	r.om.log.Error("restore failed",
		"backup_id", r.opts.BackupID,
		"state", string(failedIn),
		"datastore_modified", failedIn.Destructive(),
		"error", err.Error(),
	)
	return &RestoreError{State: failedIn, Err: err}
}

// Restore verifies the backup and, unless ValidateOnly is set, replaces the datastore
// contents with it. Nothing is modified before verification succeeds. A failure before
// the schema is dropped starts the application again; after that a failure leaves the
// datastore partially restored and the application stopped for the operator.
func (om *OperationManager) Restore(ctx context.Context, opts RestoreOptions) (RestoreResult, error) {
	run := &restoreRun{om: om, opts: opts, state: StateIdle, res: RestoreResult{BackupID: opts.BackupID}}
	start := om.now()
	res, err := run.execute(ctx)
	res.Duration = om.now().Sub(start)

	outcome := "completed"
	switch {
	case err != nil:
		outcome = "failed"
	case opts.ValidateOnly:
		outcome = "validated"
	}
	metrics.RestoresTotal.WithLabelValues(outcome).Inc()
	return res, err
}

func (r *restoreRun) execute(ctx context.Context) (RestoreResult, error) {
	om := r.om

	release, err := om.begin(ctx)
	if err != nil {
		return r.res, err
	}
	defer release()

	r.enter(StateVerifying)
	rec, err := om.lookupCompleted(r.opts.BackupID)
	if err != nil {
		return r.res, r.fail(err)
	}
	if _, err := om.verifier.Verify(rec); err != nil {
		metrics.VerificationsTotal.WithLabelValues(metrics.ResultFailure).Inc()
		return r.res, r.fail(err)
	}
	metrics.VerificationsTotal.WithLabelValues(metrics.ResultSuccess).Inc()

	if r.opts.ValidateOnly {
		r.enter(StateValidateOnlyDone)
		om.log.Info("backup validated, no changes made", "backup_id", rec.ID)
		return r.res, nil
	}

	if err := om.supervisor.Stop(ctx); err != nil {
		om.log.Warn("could not stop application, continuing", "supervisor", om.supervisor.Name(), "error", err.Error())
	} else {
		r.stopped = true
	}
	defer func() {
		if r.state == StateFailed && !r.failedIn.Destructive() {
			r.startApplication(ctx, "restore aborted before the datastore was modified")
		}
	}()

	r.enter(StateSafetyBackup)
	if safety, err := om.createBackup(ctx, metadata.TriggerPreRestore); err != nil {
		om.log.Warn("safety backup failed, continuing with restore", "error", err.Error())
	} else {
		r.res.SafetyBackupID = safety.ID
		om.log.Info("safety backup created", "backup_id", safety.ID)
	}

	if err := ctx.Err(); err != nil {
		return r.res, r.fail(context.Cause(ctx))
	}

	r.enter(StateDropping)
	om.log.Warn("dropping datastore schema", "database", om.db.Name())
	if err := r.dropSchema(ctx); err != nil {
		return r.res, r.fail(err)
	}

	r.enter(StateRestoring)
	if err := r.applyArtifact(ctx, rec); err != nil {
		return r.res, r.fail(err)
	}

	if r.opts.TargetTime != nil && !r.opts.SkipWALReplay {
		r.enter(StateReplaying)
		replayer := wal.NewReplayer(om.archive, om.db,
			wal.WithLogger(om.log),
			wal.WithApplyTimeout(om.cfg.Timeouts.WALApply),
		)
		walRes, err := replayer.Replay(ctx, r.opts.TargetTime)
		r.res.WAL = &walRes
		metrics.WALSegmentsAppliedTotal.Add(float64(len(walRes.Applied)))
		if err != nil {
			return r.res, r.fail(err)
		}
	}

	r.enter(StateDataCheck)
	if err := r.checkData(ctx); err != nil {
		return r.res, r.fail(err)
	}

	r.enter(StateIdle)
	om.log.Info("restore completed", "backup_id", rec.ID, "tables", r.res.Tables)

	r.startApplication(ctx, "restore succeeded")
	return r.res, nil
}

// startApplication restarts what Stop took down. It runs even when ctx is already
// cancelled, bounded by timeouts.check.
func (r *restoreRun) startApplication(ctx context.Context, reason string) {
	if !r.stopped {
		return
	}
	om := r.om
	ctx, cancel := om.stepContext(context.WithoutCancel(ctx), om.cfg.Timeouts.Check)
	defer cancel()
	if err := om.supervisor.Start(ctx); err != nil {
		om.log.Error("application did not start", "reason", reason, "supervisor", om.supervisor.Name(), "error", err.Error())
		return
	}
	r.stopped = false
	om.log.Info("application started", "reason", reason, "supervisor", om.supervisor.Name())
}

func (r *restoreRun) dropSchema(ctx context.Context) error {
	ctx, cancel := r.om.stepContext(ctx, r.om.cfg.Timeouts.Restore)
	defer cancel()
	return r.om.db.ResetSchema(ctx)
}

// applyArtifact decompresses to scratch space and feeds the dump to the datastore.
// The scratch file is always removed.
func (r *restoreRun) applyArtifact(ctx context.Context, rec metadata.Record) error {
	scratchDir := r.om.cfg.Backup.Scratch()
	if err := os.MkdirAll(scratchDir, 0o750); err != nil {
		return fmt.Errorf("create scratch directory: %w", err)
	}
	scratch := filepath.Join(scratchDir, "restore-"+rec.ID+".sql")
	defer func() {
		if err := os.Remove(scratch); err != nil && !os.IsNotExist(err) {
			r.om.log.Warn("failed to remove scratch file", "path", scratch, "error", err.Error())
		}
	}()

	if err := compress.DecompressFile(rec.Location, scratch); err != nil {
		return fmt.Errorf("decompress %s: %w", rec.ID, err)
	}

	ctx, cancel := r.om.stepContext(ctx, r.om.cfg.Timeouts.Restore)
	defer cancel()
	return r.om.db.Restore(ctx, scratch)
}

func (r *restoreRun) checkData(ctx context.Context) error {
	ctx, cancel := r.om.stepContext(ctx, r.om.cfg.Timeouts.Check)
	defer cancel()

	tables, err := r.om.db.CountTables(ctx)
	if err != nil {
		return fmt.Errorf("count tables: %w", err)
	}
	r.res.Tables = tables
	if tables == 0 {
		return ErrEmptyRestore
	}

	for _, table := range r.om.cfg.Datastore.CheckTables {
		n, err := r.om.db.CountRows(ctx, table)
		if err != nil {
			r.om.log.Warn("could not count rows", "table", table, "error", err.Error())
			continue
		}
		if r.res.RowCounts == nil {
			r.res.RowCounts = make(map[string]int64)
		}
		r.res.RowCounts[table] = n
		r.om.log.Info("restored table", "table", table, "rows", n)
	}
	return nil
}
