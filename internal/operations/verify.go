package operations

import (
	"context"
	"fmt"

	"github.com/kebairia/drbackup/internal/metadata"
	"github.com/kebairia/drbackup/internal/metrics"
)

// Verify runs the integrity checks for one backup without touching the datastore.
func (om *OperationManager) Verify(ctx context.Context, id string) (metadata.Record, error) {
	release, err := om.begin(ctx)
	if err != nil {
		return metadata.Record{}, err
	}
	defer release()

	rec, err := om.lookupCompleted(id)
	if err != nil {
		return rec, err
	}
	_, err = om.verifier.Verify(rec)
	metrics.VerificationsTotal.WithLabelValues(metrics.Result(err)).Inc()
	return rec, err
}

func (om *OperationManager) lookupCompleted(id string) (metadata.Record, error) {
	rec, ok := om.store.Get(id)
	if !ok {
		return metadata.Record{}, fmt.Errorf("%w: %s", ErrRestoreNotFound, id)
	}
	if rec.Status != metadata.StatusCompleted {
		return rec, fmt.Errorf("%w: %s is %s", ErrRestoreNotCompleted, id, rec.Status)
	}
	return rec, nil
}
