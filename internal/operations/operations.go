package operations

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kebairia/drbackup/internal/compress"
	"github.com/kebairia/drbackup/internal/config"
	"github.com/kebairia/drbackup/internal/database"
	"github.com/kebairia/drbackup/internal/integrity"
	"github.com/kebairia/drbackup/internal/logger"
	"github.com/kebairia/drbackup/internal/metadata"
	"github.com/kebairia/drbackup/internal/supervisor"
	"github.com/kebairia/drbackup/internal/wal"
)

// LockFilename is created in the backup directory while an operation holds the lock.
const LockFilename = ".drbackup.lock"

// Offloader ships completed artifacts off-site. Submit must not block.
type Offloader interface {
	Submit(id, artifactPath string)
	Delete(ctx context.Context, artifactPath string) error
}

// OperationManager owns the backup lifecycle against a single datastore target.
type OperationManager struct {
	cfg        config.Config
	codec      compress.Codec
	store      *metadata.Store
	db         database.Datastore
	verifier   *integrity.Verifier
	archive    *wal.Archive
	supervisor supervisor.Supervisor
	offloader  Offloader
	lock       *Lock
	log        logger.Logger
	now        func() time.Time
	walTime    wal.TimestampFunc
	checksum   func(path string) (string, error)
	diskUsage  func(path string) (DiskUsage, error)
}

type Option func(*OperationManager)

func WithDatastore(db database.Datastore) Option {
	return func(om *OperationManager) { om.db = db }
}

func WithSupervisor(s supervisor.Supervisor) Option {
	return func(om *OperationManager) { om.supervisor = s }
}

// WithOffloader enables remote offload of completed backups and remote retention.
func WithOffloader(o Offloader) Option {
	return func(om *OperationManager) { om.offloader = o }
}

func WithLogger(log logger.Logger) Option {
	return func(om *OperationManager) { om.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(om *OperationManager) { om.now = now }
}

// WithWALTimestamp overrides how a segment's effective time is read.
func WithWALTimestamp(fn wal.TimestampFunc) Option {
	return func(om *OperationManager) { om.walTime = fn }
}

// NewOperationManager loads the metadata store from the backup directory.
// A datastore is required; everything else has a safe default.
func NewOperationManager(cfg config.Config, opts ...Option) (*OperationManager, error) {
	codec, err := compress.ParseCodec(cfg.Backup.Compression)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrConfigurationInvalid, err)
	}

	om := &OperationManager{
		cfg:        cfg,
		codec:      codec,
		supervisor: supervisor.Nop{},
		log:        logger.Nop(),
		now:        time.Now,
		checksum:   integrity.FileChecksum,
		diskUsage:  statDisk,
	}
	for _, opt := range opts {
		opt(om)
	}
	if om.db == nil {
		return nil, errors.New("operation manager requires a datastore")
	}

	if err := os.MkdirAll(cfg.Backup.Directory, 0o750); err != nil {
		return nil, fmt.Errorf("create backup directory: %w", err)
	}

	om.store = metadata.NewStore(cfg.Backup.Directory)
	if err := om.store.Load(); err != nil {
		return nil, err
	}

	lockPath := ""
	if cfg.Backup.LockFile {
		lockPath = filepath.Join(cfg.Backup.Directory, LockFilename)
	}
	om.lock = NewLock(lockPath)
	om.verifier = integrity.New(om.log)
	om.archive = wal.NewArchive(cfg.WAL.ArchiveDirectory, om.walTime)

	om.log.Debug("operation manager ready",
		"engine", om.db.Engine(),
		"database", om.db.Name(),
		"backup_dir", cfg.Backup.Directory,
		"records", om.store.Len(),
	)
	return om, nil
}

// begin takes the operation lock and reloads the metadata file, so records written
// by another process sharing the backup directory are not overwritten.
func (om *OperationManager) begin(ctx context.Context) (func(), error) {
	release, err := om.lock.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if err := om.store.Load(); err != nil {
		release()
		return nil, fmt.Errorf("reload metadata: %w", err)
	}
	return release, nil
}

// refresh updates the cache for read paths. A failed read keeps serving the cache.
func (om *OperationManager) refresh() {
	if err := om.store.Refresh(); err != nil {
		om.log.Warn("could not refresh backup metadata, serving cached records", "error", err.Error())
	}
}

// List returns all backup records, most recent first.
func (om *OperationManager) List() []metadata.Record {
	om.refresh()
	return om.store.All()
}

// Get returns a single record.
func (om *OperationManager) Get(id string) (metadata.Record, bool) {
	om.refresh()
	return om.store.Get(id)
}

// Archive exposes the WAL archive for freshness checks.
func (om *OperationManager) Archive() *wal.Archive {
	return om.archive
}

// CheckConfiguration asks the datastore whether log shipping supports point-in-time
// recovery. A non-capable mode is returned as ErrConfigurationInvalid for the caller to
// log; it must not stop the host from starting.
func (om *OperationManager) CheckConfiguration(ctx context.Context) error {
	ctx, cancel := om.stepContext(ctx, om.cfg.Timeouts.Check)
	defer cancel()

	mode, capable, err := om.db.LogShippingMode(ctx)
	if err != nil {
		return fmt.Errorf("query log shipping mode: %w", err)
	}
	if !capable {
		return fmt.Errorf("%w: log shipping mode %q does not support point-in-time recovery", config.ErrConfigurationInvalid, mode)
	}
	om.log.Info("log shipping configured", "engine", om.db.Engine(), "mode", mode)
	return nil
}

// stepContext bounds one external step. Expiry surfaces as database.ErrTimeout.
func (om *OperationManager) stepContext(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeoutCause(ctx, d, database.ErrTimeout)
}
