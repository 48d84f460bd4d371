package operations

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kebairia/drbackup/internal/logger"
	"github.com/kebairia/drbackup/internal/metadata"
)

func TestCreateFullBackup(t *testing.T) {
	f := newFixture(t, map[string]int64{"Product": 3})

	rec, err := f.om.CreateFullBackup(context.Background(), metadata.TriggerManual)
	if err != nil {
		t.Fatalf("CreateFullBackup: %v", err)
	}
	if rec.Status != metadata.StatusCompleted || rec.Checksum == "" || rec.SizeBytes == 0 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if !strings.HasPrefix(rec.ID, "backup-") || !strings.HasSuffix(rec.Location, ".sql.zst") {
		t.Errorf("unexpected id %q or location %q", rec.ID, rec.Location)
	}
	if !rec.RetentionUntil.Equal(rec.CreatedAt.Add(7 * 24 * time.Hour)) {
		t.Errorf("retention_until = %v", rec.RetentionUntil)
	}
	if _, err := os.Stat(strings.TrimSuffix(rec.Location, ".zst")); !os.IsNotExist(err) {
		t.Errorf("uncompressed dump left behind: %v", err)
	}

	// verifies immediately after creation
	if _, err := f.om.Verify(context.Background(), rec.ID); err != nil {
		t.Errorf("Verify after create: %v", err)
	}

	// durable: a fresh store sees the completed record
	reloaded := metadata.NewStore(f.cfg.Backup.Directory)
	if err := reloaded.Load(); err != nil {
		t.Fatal(err)
	}
	got, ok := reloaded.Get(rec.ID)
	if !ok || got.Status != metadata.StatusCompleted || got.Checksum != rec.Checksum {
		t.Errorf("persisted record = %+v, %v", got, ok)
	}

	if len(f.off.submitted) != 1 || f.off.submitted[0] != rec.ID {
		t.Errorf("offload submissions = %v", f.off.submitted)
	}
}

func TestCreateFullBackup_DumpFailure(t *testing.T) {
	f := newFixture(t, map[string]int64{"Product": 3})
	f.db.dumpErr = errDumpRefused

	rec, err := f.om.CreateFullBackup(context.Background(), metadata.TriggerScheduled)
	if !errors.Is(err, ErrBackupCreationFailed) || !errors.Is(err, errDumpRefused) {
		t.Fatalf("expected ErrBackupCreationFailed wrapping the dump error, got %v", err)
	}
	if rec.Status != metadata.StatusFailed || rec.Checksum != "" || rec.Error == "" {
		t.Errorf("unexpected failed record %+v", rec)
	}

	reloaded := metadata.NewStore(f.cfg.Backup.Directory)
	if err := reloaded.Load(); err != nil {
		t.Fatal(err)
	}
	if got, _ := reloaded.Get(rec.ID); got.Status != metadata.StatusFailed {
		t.Errorf("persisted status = %s, want failed", got.Status)
	}
	// partial artifact kept for inspection
	if _, err := os.Stat(filepath.Join(f.cfg.Backup.Directory, rec.ID+".sql")); err != nil {
		t.Errorf("partial dump removed: %v", err)
	}
	if len(f.off.submitted) != 0 {
		t.Error("failed backup must not be offloaded")
	}
}

func TestCreateFullBackup_Locked(t *testing.T) {
	f := newFixture(t, map[string]int64{"Product": 3})

	release, err := f.om.lock.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.om.CreateFullBackup(context.Background(), metadata.TriggerManual)
	release()
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if f.db.callCount() != 0 {
		t.Error("locked backup touched the datastore")
	}

	if _, err := f.om.CreateFullBackup(context.Background(), metadata.TriggerManual); err != nil {
		t.Fatalf("backup after release: %v", err)
	}
}

func TestLock_SecondProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), LockFilename)
	a, b := NewLock(path), NewLock(path)

	release, err := a.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Acquire(context.Background()); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked from second lock, got %v", err)
	}
	release()

	release, err = b.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	release()
}

func TestNextID_Unique(t *testing.T) {
	f := newFixture(t, map[string]int64{"Product": 1})
	at := time.UnixMilli(1700000000000)

	first := f.om.nextID(at)
	f.om.store.Upsert(metadata.NewRecord(first, at, time.Hour, "x", metadata.TriggerManual))
	second := f.om.nextID(at)

	if first != "backup-1700000000000" || second != "backup-1700000000001" {
		t.Errorf("ids = %s, %s", first, second)
	}
}

func TestCheckConfiguration(t *testing.T) {
	f := newFixture(t, map[string]int64{"Product": 1})
	if err := f.om.CheckConfiguration(context.Background()); err != nil {
		t.Fatalf("replica mode: %v", err)
	}

	f.db.logMode = "minimal"
	if err := f.om.CheckConfiguration(context.Background()); err == nil || !strings.Contains(err.Error(), "minimal") {
		t.Fatalf("expected configuration warning, got %v", err)
	}
}

func TestOperationManagers_ShareBackupDirectory(t *testing.T) {
	f := newFixture(t, map[string]int64{"Product": 3})
	daemon, err := NewOperationManager(f.cfg,
		WithDatastore(f.db),
		WithSupervisor(&fakeSupervisor{}),
		WithClock(f.clk.now),
		WithLogger(logger.Nop()),
	)
	if err != nil {
		t.Fatalf("NewOperationManager: %v", err)
	}
	cli := f.om

	fromCLI, err := cli.CreateFullBackup(context.Background(), metadata.TriggerManual)
	if err != nil {
		t.Fatalf("cli backup: %v", err)
	}
	fromDaemon, err := daemon.CreateFullBackup(context.Background(), metadata.TriggerScheduled)
	if err != nil {
		t.Fatalf("daemon backup: %v", err)
	}

	onDisk := metadata.NewStore(f.cfg.Backup.Directory)
	if err := onDisk.Load(); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{fromCLI.ID, fromDaemon.ID} {
		if _, ok := onDisk.Get(id); !ok {
			t.Errorf("record %s lost from %s", id, metadata.Filename)
		}
	}

	if _, err := daemon.Verify(context.Background(), fromCLI.ID); err != nil {
		t.Errorf("daemon cannot verify backup taken by the cli: %v", err)
	}

	// read paths pick up records written elsewhere without taking the lock
	later, err := cli.CreateFullBackup(context.Background(), metadata.TriggerManual)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := daemon.Get(later.ID); !ok {
		t.Error("daemon Get does not see a backup written by the cli")
	}
	if n := len(daemon.List()); n != 3 {
		t.Errorf("daemon lists %d records, want 3", n)
	}
	if s := daemon.Stats(f.clk.now()); s.TotalCompleted != 3 {
		t.Errorf("daemon stats count %d completed, want 3", s.TotalCompleted)
	}
}

func TestCreateFullBackup_ChecksumFailureRecordsArtifact(t *testing.T) {
	f := newFixture(t, map[string]int64{"Product": 3})
	errRead := errors.New("read error")
	f.om.checksum = func(string) (string, error) { return "", errRead }

	rec, err := f.om.CreateFullBackup(context.Background(), metadata.TriggerManual)
	if !errors.Is(err, ErrBackupCreationFailed) || !errors.Is(err, errRead) {
		t.Fatalf("expected ErrBackupCreationFailed wrapping the checksum error, got %v", err)
	}
	if rec.Status != metadata.StatusFailed || !strings.HasSuffix(rec.Location, ".sql.zst") {
		t.Fatalf("failed record should point at the compressed artifact: %+v", rec)
	}
	if _, err := os.Stat(rec.Location); err != nil {
		t.Fatalf("artifact missing: %v", err)
	}

	res, err := f.om.Sweep(context.Background(), rec.RetentionUntil.Add(time.Second))
	if err != nil || len(res.Deleted) != 1 {
		t.Fatalf("Sweep = %+v, %v", res, err)
	}
	if _, err := os.Stat(rec.Location); !os.IsNotExist(err) {
		t.Errorf("sweep left the artifact of a failed backup: %v", err)
	}
}

func TestCreateFullBackup_CompletionPersistFailure(t *testing.T) {
	f := newFixture(t, map[string]int64{"Product": 3})
	meta := filepath.Join(f.cfg.Backup.Directory, metadata.Filename)
	// a non-empty directory in place of the metadata file makes the rename fail
	f.db.onDump = func() {
		_ = os.Remove(meta)
		_ = os.MkdirAll(filepath.Join(meta, "blocker"), 0o700)
	}

	rec, err := f.om.CreateFullBackup(context.Background(), metadata.TriggerManual)
	if !errors.Is(err, ErrBackupCreationFailed) {
		t.Fatalf("expected ErrBackupCreationFailed, got %v", err)
	}
	if rec.Status != metadata.StatusInProgress {
		t.Errorf("returned status = %s, want in_progress", rec.Status)
	}
	cached, ok := f.om.store.Get(rec.ID)
	if !ok || cached.Status != metadata.StatusInProgress || cached.Checksum != "" {
		t.Errorf("cache diverged from the metadata file: %+v", cached)
	}
	if len(f.off.submitted) != 0 {
		t.Error("unrecorded backup must not be offloaded")
	}
}
