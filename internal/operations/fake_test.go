package operations

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kebairia/drbackup/internal/config"
	"github.com/kebairia/drbackup/internal/logger"
)

// fakeDatastore keeps table row counts in memory and dumps them as "table=rows" lines
// after a comment header.
type fakeDatastore struct {
	mu      sync.Mutex
	tables  map[string]int64
	calls   []string
	dumpErr error
	logMode string
	// onDump runs after a successful dump is written.
	onDump func()
}

func newFakeDatastore(tables map[string]int64) *fakeDatastore {
	return &fakeDatastore{tables: tables, logMode: "replica"}
}

func (f *fakeDatastore) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeDatastore) Engine() string { return "fake" }
func (f *fakeDatastore) Name() string   { return "pos" }

func (f *fakeDatastore) Dump(_ context.Context, outPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("dump")
	if f.dumpErr != nil {
		// leave a partial file behind like a real dump would
		_ = os.WriteFile(outPath, []byte("-- partial"), 0o600)
		return f.dumpErr
	}
	names := make([]string, 0, len(f.tables))
	for name := range f.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString("-- fake dump\n")
	for _, name := range names {
		fmt.Fprintf(&b, "%s=%d\n", name, f.tables[name])
	}
	if err := os.WriteFile(outPath, []byte(b.String()), 0o600); err != nil {
		return err
	}
	if f.onDump != nil {
		f.onDump()
	}
	return nil
}

func (f *fakeDatastore) Restore(_ context.Context, inPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("restore")
	file, err := os.Open(inPath)
	if err != nil {
		return err
	}
	defer file.Close()
	sc := bufio.NewScanner(file)
	for sc.Scan() {
		if strings.HasPrefix(sc.Text(), "--") {
			continue
		}
		name, rows, ok := strings.Cut(sc.Text(), "=")
		if !ok {
			return fmt.Errorf("bad dump line %q", sc.Text())
		}
		n, err := strconv.ParseInt(rows, 10, 64)
		if err != nil {
			return err
		}
		f.tables[name] = n
	}
	return sc.Err()
}

func (f *fakeDatastore) ResetSchema(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("reset")
	f.tables = map[string]int64{}
	return nil
}

// ApplyLog adds one row to every table named in the segment.
func (f *fakeDatastore) ApplyLog(_ context.Context, segmentPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("apply " + filepath.Base(segmentPath))
	data, err := os.ReadFile(segmentPath)
	if err != nil {
		return err
	}
	for _, table := range strings.Fields(string(data)) {
		f.tables[table]++
	}
	return nil
}

func (f *fakeDatastore) CountTables(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tables), nil
}

func (f *fakeDatastore) CountRows(_ context.Context, table string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.tables[table]
	if !ok {
		return 0, fmt.Errorf("relation %q does not exist", table)
	}
	return n, nil
}

func (f *fakeDatastore) LogShippingMode(context.Context) (string, bool, error) {
	return f.logMode, f.logMode == "replica" || f.logMode == "logical", nil
}

func (f *fakeDatastore) rows(table string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tables[table]
}

func (f *fakeDatastore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeDatastore) destructiveCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if c != "dump" {
			out = append(out, c)
		}
	}
	return out
}

type fakeSupervisor struct {
	calls   []string
	stopErr error
	onStop  func()
}

func (s *fakeSupervisor) Name() string { return "fake" }

func (s *fakeSupervisor) Stop(context.Context) error {
	s.calls = append(s.calls, "stop")
	if s.onStop != nil {
		s.onStop()
	}
	return s.stopErr
}

func (s *fakeSupervisor) Start(context.Context) error {
	s.calls = append(s.calls, "start")
	return nil
}

type fakeOffloader struct {
	mu        sync.Mutex
	submitted []string
	deleted   []string
	deleteErr error
}

func (o *fakeOffloader) Submit(id, _ string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.submitted = append(o.submitted, id)
}

func (o *fakeOffloader) Delete(_ context.Context, path string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deleted = append(o.deleted, filepath.Base(path))
	return o.deleteErr
}

// clock advances one second per call so backup ids and durations are distinct.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	var cfg config.Config
	if err := cfg.Load(""); err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	dir := t.TempDir()
	cfg.Backup.Directory = filepath.Join(dir, "backups")
	cfg.WAL.ArchiveDirectory = filepath.Join(dir, "wal")
	cfg.Datastore.Database = "pos"
	cfg.Datastore.CheckTables = []string{"Product", "Location"}
	cfg.Backup.RetentionDays = 7
	if err := os.MkdirAll(cfg.WAL.ArchiveDirectory, 0o700); err != nil {
		t.Fatal(err)
	}
	return cfg
}

type fixture struct {
	om   *OperationManager
	db   *fakeDatastore
	sup  *fakeSupervisor
	off  *fakeOffloader
	clk  *clock
	cfg  config.Config
	base time.Time
}

func newFixture(t *testing.T, tables map[string]int64, opts ...Option) *fixture {
	t.Helper()
	base := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	f := &fixture{
		db:   newFakeDatastore(tables),
		sup:  &fakeSupervisor{},
		off:  &fakeOffloader{},
		clk:  &clock{t: base},
		cfg:  testConfig(t),
		base: base,
	}
	all := append([]Option{
		WithDatastore(f.db),
		WithSupervisor(f.sup),
		WithOffloader(f.off),
		WithClock(f.clk.now),
		WithLogger(logger.Nop()),
	}, opts...)
	om, err := NewOperationManager(f.cfg, all...)
	if err != nil {
		t.Fatalf("NewOperationManager: %v", err)
	}
	f.om = om
	return f
}

var errDumpRefused = errors.New("pg_dump: connection refused")
