package operations

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/kebairia/drbackup/internal/compress"
	"github.com/kebairia/drbackup/internal/metadata"
	"github.com/kebairia/drbackup/internal/metrics"
)

// ErrBackupCreationFailed wraps any failure between starting a backup and recording it completed.
var ErrBackupCreationFailed = errors.New("backup creation failed")

// CreateFullBackup takes a full backup under the operation lock and returns its record.
// On failure the record is persisted as failed and the error is returned.
func (om *OperationManager) CreateFullBackup(ctx context.Context, trigger metadata.Trigger) (metadata.Record, error) {
	release, err := om.begin(ctx)
	if err != nil {
		return metadata.Record{}, err
	}
	defer release()

	return om.createBackup(ctx, trigger)
}

// createBackup is the unlocked path, also used for the safety backup inside Restore.
func (om *OperationManager) createBackup(ctx context.Context, trigger metadata.Trigger) (metadata.Record, error) {
	start := om.now()
	id := om.nextID(start)
	dumpPath := filepath.Join(om.cfg.Backup.Directory, id+".sql")

	rec := metadata.NewRecord(id, start, om.cfg.Backup.Retention(), dumpPath, trigger)
	om.store.Upsert(rec)
	if err := om.store.Persist(); err != nil {
		om.store.Delete(id)
		return rec, fmt.Errorf("%w: %s: record start: %v", ErrBackupCreationFailed, id, err)
	}

	om.log.Info("starting backup",
		"backup_id", id,
		"trigger", string(trigger),
		"engine", om.db.Engine(),
		"database", om.db.Name(),
	)

	artifact, checksum, size, err := om.produceArtifact(ctx, dumpPath)
	if err != nil {
		if artifact != "" {
			rec.Location = artifact
		}
		return om.failBackup(rec, err)
	}

	pending := rec
	if err := rec.Complete(om.now(), artifact, checksum, size); err != nil {
		return om.failBackup(rec, err)
	}
	om.store.Upsert(rec)
	if err := om.store.Persist(); err != nil {
		// keep the cache in step with the file, which still says in_progress
		om.store.Upsert(pending)
		metrics.BackupsTotal.WithLabelValues(string(trigger), metrics.ResultFailure).Inc()
		return pending, fmt.Errorf("%w: %s: record completion: %v", ErrBackupCreationFailed, id, err)
	}

	duration := om.now().Sub(start)
	metrics.BackupsTotal.WithLabelValues(string(trigger), metrics.ResultSuccess).Inc()
	metrics.BackupDuration.Observe(duration.Seconds())
	metrics.LastBackupSizeBytes.Set(float64(size))
	metrics.LastBackupTimestamp.Set(float64(rec.CreatedAt.Unix()))

	om.log.Info("backup completed",
		"backup_id", id,
		"path", artifact,
		"size", humanize.IBytes(uint64(size)),
		"checksum", checksum,
		"duration", duration.String(),
	)

	if om.offloader != nil {
		om.offloader.Submit(id, artifact)
	}
	return rec, nil
}

// produceArtifact dumps, compresses and hashes. A partial dump is left in place on
// failure. Once compression succeeded the artifact path is returned with any error.
func (om *OperationManager) produceArtifact(ctx context.Context, dumpPath string) (string, string, int64, error) {
	dumpCtx, cancel := om.stepContext(ctx, om.cfg.Timeouts.Dump)
	defer cancel()

	if err := om.db.Dump(dumpCtx, dumpPath); err != nil {
		return "", "", 0, fmt.Errorf("dump: %w", err)
	}

	artifact, err := compress.CompressFile(om.codec, dumpPath)
	if err != nil {
		return "", "", 0, fmt.Errorf("compress: %w", err)
	}

	checksum, err := om.checksum(artifact)
	if err != nil {
		return artifact, "", 0, fmt.Errorf("checksum: %w", err)
	}

	info, err := os.Stat(artifact)
	if err != nil {
		return artifact, "", 0, fmt.Errorf("stat artifact: %w", err)
	}
	return artifact, checksum, info.Size(), nil
}

func (om *OperationManager) failBackup(rec metadata.Record, cause error) (metadata.Record, error) {
	err := fmt.Errorf("%w: %s: %w", ErrBackupCreationFailed, rec.ID, cause)
	metrics.BackupsTotal.WithLabelValues(string(rec.Trigger), metrics.ResultFailure).Inc()
	om.log.Error("backup failed", "backup_id", rec.ID, "error", cause.Error())

	if ferr := rec.Fail(om.now(), cause); ferr != nil {
		return rec, errors.Join(err, ferr)
	}
	om.store.Upsert(rec)
	if perr := om.store.Persist(); perr != nil {
		return rec, errors.Join(err, fmt.Errorf("record failure of %s: %w", rec.ID, perr))
	}
	return rec, err
}

// nextID derives backup-<unix millis>, bumping past ids already in the store.
func (om *OperationManager) nextID(at time.Time) string {
	ms := at.UnixMilli()
	for {
		id := "backup-" + strconv.FormatInt(ms, 10)
		if _, exists := om.store.Get(id); !exists {
			return id
		}
		ms++
	}
}
