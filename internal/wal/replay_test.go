package wal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/kebairia/drbackup/internal/database"
)

type recordingApplier struct {
	applied []string
	failOn  string
}

func (a *recordingApplier) ApplyLog(ctx context.Context, path string) error {
	name := filepath.Base(path)
	if name == a.failOn {
		return errors.New("invalid record length")
	}
	a.applied = append(a.applied, name)
	return nil
}

var base = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

// writeArchive creates seg-001 (10:00), seg-002 (10:05), seg-003 (10:10), written out of order.
func writeArchive(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, s := range []struct {
		name string
		at   time.Time
	}{
		{"seg-003", base.Add(10 * time.Minute)},
		{"seg-001", base},
		{"seg-002", base.Add(5 * time.Minute)},
	} {
		path := filepath.Join(dir, s.name)
		if err := os.WriteFile(path, []byte(s.name), 0o600); err != nil {
			t.Fatal(err)
		}
		if err := os.Chtimes(path, s.at, s.at); err != nil {
			t.Fatal(err)
		}
	}
	// ignored entries
	if err := os.WriteFile(filepath.Join(dir, ".tmp"), nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "archive_status"), 0o700); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestReplay_StopsAtTarget(t *testing.T) {
	applier := &recordingApplier{}
	r := NewReplayer(NewArchive(writeArchive(t), nil), applier)

	target := base.Add(7 * time.Minute)
	res, err := r.Replay(context.Background(), &target)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	want := []string{"seg-001", "seg-002"}
	if !reflect.DeepEqual(applier.applied, want) {
		t.Errorf("applied %v, want %v", applier.applied, want)
	}
	if res.LastApplied() != "seg-002" || res.Remaining != 1 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestReplay_TargetBeforeFirstSegment(t *testing.T) {
	applier := &recordingApplier{}
	r := NewReplayer(NewArchive(writeArchive(t), nil), applier)

	target := base.Add(-time.Minute)
	res, err := r.Replay(context.Background(), &target)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(applier.applied) != 0 || len(res.Applied) != 0 {
		t.Errorf("applied %v, want none", applier.applied)
	}
}

func TestReplay_NoTargetAppliesAll(t *testing.T) {
	applier := &recordingApplier{}
	r := NewReplayer(NewArchive(writeArchive(t), nil), applier)

	if _, err := r.Replay(context.Background(), nil); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	want := []string{"seg-001", "seg-002", "seg-003"}
	if !reflect.DeepEqual(applier.applied, want) {
		t.Errorf("applied %v, want %v", applier.applied, want)
	}
}

func TestReplay_FailureReportsLastApplied(t *testing.T) {
	applier := &recordingApplier{failOn: "seg-002"}
	r := NewReplayer(NewArchive(writeArchive(t), nil), applier)

	res, err := r.Replay(context.Background(), nil)
	if !errors.Is(err, ErrReplayFailed) {
		t.Fatalf("expected ErrReplayFailed, got %v", err)
	}
	var rerr *ReplayError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected *ReplayError, got %T", err)
	}
	if rerr.Segment != "seg-002" || rerr.LastApplied != "seg-001" || rerr.Applied != 1 {
		t.Errorf("unexpected replay error %+v", rerr)
	}
	if !reflect.DeepEqual(res.Applied, []string{"seg-001"}) {
		t.Errorf("result applied %v", res.Applied)
	}
}

type blockingApplier struct{}

func (blockingApplier) ApplyLog(ctx context.Context, _ string) error {
	<-ctx.Done()
	return context.Cause(ctx)
}

func TestReplay_ApplyTimeout(t *testing.T) {
	r := NewReplayer(NewArchive(writeArchive(t), nil), blockingApplier{}, WithApplyTimeout(10*time.Millisecond))

	_, err := r.Replay(context.Background(), nil)
	if !errors.Is(err, database.ErrTimeout) || !errors.Is(err, ErrReplayFailed) {
		t.Fatalf("expected timeout replay failure, got %v", err)
	}
}

func TestReplay_SegmentNameTimestamp(t *testing.T) {
	dir := writeArchive(t)
	// Ignore mtimes: every segment is stamped 10:00 regardless of its file times.
	ts := func(string, os.FileInfo) time.Time { return base }
	applier := &recordingApplier{}

	target := base.Add(time.Second)
	if _, err := NewReplayer(NewArchive(dir, ts), applier).Replay(context.Background(), &target); err != nil {
		t.Fatal(err)
	}
	if len(applier.applied) != 3 {
		t.Errorf("applied %v, want all three", applier.applied)
	}
}

func TestCheckFreshness(t *testing.T) {
	a := NewArchive(writeArchive(t), nil)

	f, err := a.CheckFreshness(base.Add(30*time.Minute), time.Hour)
	if err != nil {
		t.Fatalf("CheckFreshness: %v", err)
	}
	if f.Recent != 3 || f.Total != 3 || !f.Latest.Equal(base.Add(10*time.Minute)) {
		t.Errorf("unexpected freshness %+v", f)
	}

	f, err = a.CheckFreshness(base.Add(3*time.Hour), time.Hour)
	if !errors.Is(err, ErrWALStalled) {
		t.Fatalf("expected ErrWALStalled, got %v", err)
	}
	if f.Recent != 0 || f.Total != 3 {
		t.Errorf("unexpected freshness %+v", f)
	}
}

func TestSegments_MissingArchive(t *testing.T) {
	if _, err := NewArchive(filepath.Join(t.TempDir(), "missing"), nil).Segments(); err == nil {
		t.Fatal("expected error for missing archive")
	}
}
