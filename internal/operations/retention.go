package operations

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/kebairia/drbackup/internal/metadata"
	"github.com/kebairia/drbackup/internal/metrics"
)

// ErrRetentionDeleteFailed marks an expired artifact that could not be removed.
// Its record is kept so the next sweep retries it.
var ErrRetentionDeleteFailed = errors.New("retention delete failed")

// SweepResult lists what a retention sweep removed and what it left for retry.
type SweepResult struct {
	Deleted []string
	Failed  map[string]error
}

// Sweep removes every record whose retention deadline is before now, together with its
// artifact. Metadata is persisted once for the whole batch.
func (om *OperationManager) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	res := SweepResult{Failed: map[string]error{}}

	release, err := om.begin(ctx)
	if err != nil {
		return res, err
	}
	defer release()

	var removed []metadata.Record
	for _, rec := range om.store.All() {
		if !rec.Expired(now) {
			continue
		}
		if err := os.Remove(rec.Location); err != nil && !errors.Is(err, fs.ErrNotExist) {
			err = fmt.Errorf("%w: %s: %v", ErrRetentionDeleteFailed, rec.ID, err)
			res.Failed[rec.ID] = err
			metrics.RetentionErrorsTotal.Inc()
			om.log.Warn("failed to delete expired backup, will retry next sweep", "backup_id", rec.ID, "path", rec.Location, "error", err.Error())
			continue
		}
		om.store.Delete(rec.ID)
		removed = append(removed, rec)
		res.Deleted = append(res.Deleted, rec.ID)
	}

	if len(removed) == 0 {
		om.log.Debug("retention sweep found nothing to delete", "failed", len(res.Failed))
		return res, nil
	}

	if err := om.store.Persist(); err != nil {
		return res, fmt.Errorf("persist metadata after sweep: %w", err)
	}
	metrics.RetentionDeletedTotal.Add(float64(len(removed)))

	if om.offloader != nil {
		for _, rec := range removed {
			if rec.Status != metadata.StatusCompleted {
				continue
			}
			if err := om.offloader.Delete(ctx, rec.Location); err != nil {
				om.log.Warn("failed to delete remote copy", "backup_id", rec.ID, "error", err.Error())
			}
		}
	}

	om.log.Info("retention sweep finished", "deleted", len(res.Deleted), "failed", len(res.Failed))
	return res, nil
}
