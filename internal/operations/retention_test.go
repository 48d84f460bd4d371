package operations

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kebairia/drbackup/internal/metadata"
)

func TestSweep_ExpiredRemoved(t *testing.T) {
	f := newFixture(t, map[string]int64{"Product": 3})
	rec := backup(t, f)

	res, err := f.om.Sweep(context.Background(), rec.RetentionUntil.Add(time.Second))
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(res.Deleted) != 1 || res.Deleted[0] != rec.ID {
		t.Errorf("deleted = %v", res.Deleted)
	}
	if len(f.om.List()) != 0 {
		t.Errorf("records remain: %v", f.om.List())
	}
	if _, err := os.Stat(rec.Location); !os.IsNotExist(err) {
		t.Errorf("artifact still present: %v", err)
	}
	if len(f.off.deleted) != 1 || f.off.deleted[0] != filepath.Base(rec.Location) {
		t.Errorf("remote deletes = %v", f.off.deleted)
	}

	reloaded := metadata.NewStore(f.cfg.Backup.Directory)
	if err := reloaded.Load(); err != nil {
		t.Fatal(err)
	}
	if reloaded.Len() != 0 {
		t.Errorf("persisted records = %d, want 0", reloaded.Len())
	}
}

func TestSweep_BoundaryKeeps(t *testing.T) {
	f := newFixture(t, map[string]int64{"Product": 3})
	rec := backup(t, f)

	res, err := f.om.Sweep(context.Background(), rec.RetentionUntil)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(res.Deleted) != 0 {
		t.Errorf("deleted %v at the retention boundary", res.Deleted)
	}
	if _, err := os.Stat(rec.Location); err != nil {
		t.Errorf("artifact removed: %v", err)
	}
	if _, ok := f.om.Get(rec.ID); !ok {
		t.Error("record removed")
	}
}

func TestSweep_MissingArtifactStillRemovesRecord(t *testing.T) {
	f := newFixture(t, map[string]int64{"Product": 3})
	rec := backup(t, f)
	if err := os.Remove(rec.Location); err != nil {
		t.Fatal(err)
	}

	res, err := f.om.Sweep(context.Background(), rec.RetentionUntil.Add(time.Second))
	if err != nil || len(res.Deleted) != 1 {
		t.Fatalf("Sweep = %+v, %v", res, err)
	}
}

func TestSweep_DeleteFailureKeepsRecord(t *testing.T) {
	f := newFixture(t, map[string]int64{"Product": 3})
	stuck := metadata.NewRecord("backup-1", f.base.Add(-30*24*time.Hour), 24*time.Hour,
		filepath.Join(f.cfg.Backup.Directory, "stuck"), metadata.TriggerScheduled)
	// a non-empty directory cannot be removed with os.Remove
	if err := os.MkdirAll(filepath.Join(stuck.Location, "child"), 0o700); err != nil {
		t.Fatal(err)
	}
	f.om.store.Upsert(stuck)
	gone := metadata.NewRecord("backup-2", f.base.Add(-30*24*time.Hour), 24*time.Hour,
		filepath.Join(f.cfg.Backup.Directory, "gone.sql.zst"), metadata.TriggerScheduled)
	f.om.store.Upsert(gone)
	if err := f.om.store.Persist(); err != nil {
		t.Fatal(err)
	}

	res, err := f.om.Sweep(context.Background(), f.base)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if !errors.Is(res.Failed["backup-1"], ErrRetentionDeleteFailed) {
		t.Errorf("failed = %v", res.Failed)
	}
	if _, ok := f.om.Get("backup-1"); !ok {
		t.Error("record with failed delete was dropped")
	}
	if _, ok := f.om.Get("backup-2"); ok {
		t.Error("expired record with missing artifact kept")
	}
	// only completed records have a remote copy
	if len(f.off.deleted) != 0 {
		t.Errorf("remote deletes = %v", f.off.deleted)
	}
}

func TestStatsAndHealth(t *testing.T) {
	f := newFixture(t, map[string]int64{"Product": 3})
	first := backup(t, f)
	second := backup(t, f)
	f.db.dumpErr = errDumpRefused
	_, _ = f.om.CreateFullBackup(context.Background(), metadata.TriggerScheduled)

	now := f.clk.now()
	s := f.om.Stats(now)
	if s.TotalCompleted != 2 || s.FailedLast24h != 1 {
		t.Errorf("stats = %+v", s)
	}
	if s.TotalSizeBytes != first.SizeBytes+second.SizeBytes {
		t.Errorf("total size = %d", s.TotalSizeBytes)
	}
	if s.OldestRetained == nil || s.OldestRetained.ID != first.ID {
		t.Errorf("oldest retained = %+v", s.OldestRetained)
	}
	if s.Latest == nil || s.Latest.Status != metadata.StatusFailed {
		t.Errorf("latest = %+v", s.Latest)
	}

	h := f.om.Health(now)
	if h.Healthy || len(h.Issues) != 1 {
		t.Errorf("health with a recent failure = %+v", h)
	}

	h = f.om.Health(now.Add(48 * time.Hour))
	if h.Healthy || len(h.Issues) != 1 || h.FailedLast24h != 0 {
		t.Errorf("health with a stale backup = %+v", h)
	}
}

func TestHealth_Fresh(t *testing.T) {
	f := newFixture(t, map[string]int64{"Product": 3})
	backup(t, f)
	if h := f.om.Health(f.clk.now()); !h.Healthy {
		t.Errorf("fresh backup unhealthy: %+v", h)
	}
	empty := newFixture(t, map[string]int64{})
	if h := empty.om.Health(empty.base); h.Healthy {
		t.Error("no backups must be unhealthy")
	}
}
