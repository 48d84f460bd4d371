package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/kebairia/drbackup/internal/compress"
	"github.com/kebairia/drbackup/internal/logger"
	"github.com/kebairia/drbackup/internal/metadata"
)

var (
	ErrArtifactMissing  = errors.New("backup artifact missing")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrCorruptArtifact  = errors.New("corrupt backup artifact")
)

// ChecksumMismatchError carries both digests. It matches ErrChecksumMismatch.
type ChecksumMismatchError struct {
	ID       string
	Expected string
	Actual   string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", e.ID, e.Expected, e.Actual)
}

func (e *ChecksumMismatchError) Is(target error) bool { return target == ErrChecksumMismatch }

// Verifier checks a stored artifact against its record.
type Verifier struct {
	log logger.Logger
}

func New(log logger.Logger) *Verifier {
	return &Verifier{log: log}
}

// Verify returns true only if the artifact exists, its SHA-256 matches the record,
// and the compressed stream decodes end to end. Any failure is returned as an error;
// Verify never reports false without one.
func (v *Verifier) Verify(r metadata.Record) (bool, error) {
	v.log.Info("verifying backup integrity", "backup_id", r.ID, "path", r.Location)

	if _, err := os.Stat(r.Location); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, fmt.Errorf("%w: %s (%s)", ErrArtifactMissing, r.ID, r.Location)
		}
		return false, fmt.Errorf("stat artifact %s: %w", r.Location, err)
	}

	actual, err := FileChecksum(r.Location)
	if err != nil {
		return false, err
	}
	if actual != r.Checksum {
		err := &ChecksumMismatchError{ID: r.ID, Expected: r.Checksum, Actual: actual}
		v.log.Error("backup integrity check failed", "backup_id", r.ID, "error", err.Error())
		return false, err
	}

	if err := compress.Test(r.Location); err != nil {
		v.log.Error("backup integrity check failed", "backup_id", r.ID, "error", err.Error())
		return false, fmt.Errorf("%w: %s: %v", ErrCorruptArtifact, r.ID, err)
	}

	v.log.Info("backup integrity verified", "backup_id", r.ID)
	return true, nil
}

// FileChecksum streams path through SHA-256 and returns the hex digest.
func FileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
