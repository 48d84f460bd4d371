package operations

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
)

// ErrStorageFull is returned when the backup filesystem is above backup.disk_usage_threshold.
var ErrStorageFull = errors.New("backup storage running low on space")

// DiskUsage describes the filesystem holding the backup directory.
type DiskUsage struct {
	Path       string `json:"path"`
	TotalBytes uint64 `json:"total_bytes"`
	FreeBytes  uint64 `json:"free_bytes"`
}

// UsedFraction is the share of the filesystem in use, between 0 and 1.
func (d DiskUsage) UsedFraction() float64 {
	if d.TotalBytes == 0 {
		return 0
	}
	return 1 - float64(d.FreeBytes)/float64(d.TotalBytes)
}

// CheckStorage reports backup filesystem usage and returns ErrStorageFull
// once the used fraction reaches the configured threshold.
func (om *OperationManager) CheckStorage() (DiskUsage, error) {
	usage, err := om.diskUsage(om.cfg.Backup.Directory)
	if err != nil {
		return usage, fmt.Errorf("disk usage of %s: %w", om.cfg.Backup.Directory, err)
	}

	used := usage.UsedFraction()
	threshold := om.cfg.Backup.DiskUsageThreshold
	if threshold > 0 && used >= threshold {
		return usage, fmt.Errorf("%w: %.0f%% used, %s free (threshold %.0f%%)",
			ErrStorageFull, used*100, humanize.IBytes(usage.FreeBytes), threshold*100)
	}
	om.log.Debug("backup storage usage", "path", usage.Path, "used_pct", int(used*100), "free", humanize.IBytes(usage.FreeBytes))
	return usage, nil
}
