package operations

import (
	"fmt"
	"time"

	"github.com/kebairia/drbackup/internal/metadata"
)

// Stats is the aggregate view over all records.
type Stats struct {
	TotalCompleted int              `json:"total_completed"`
	TotalSizeBytes int64            `json:"total_size_bytes"`
	Latest         *metadata.Record `json:"latest,omitempty"`
	OldestRetained *metadata.Record `json:"oldest_retained,omitempty"`
	FailedLast24h  int              `json:"failed_last_24h"`
}

// Health is healthy when the latest completed backup is fresh and nothing failed in the last day.
type Health struct {
	Healthy        bool       `json:"healthy"`
	LastBackupAt   *time.Time `json:"last_backup_at,omitempty"`
	LastBackupAge  string     `json:"last_backup_age,omitempty"`
	FailedLast24h  int        `json:"failed_last_24h"`
	TotalCompleted int        `json:"total_completed"`
	Issues         []string   `json:"issues,omitempty"`
}

// Stats summarises the store at now.
func (om *OperationManager) Stats(now time.Time) Stats {
	om.refresh()
	return om.stats(now)
}

func (om *OperationManager) stats(now time.Time) Stats {
	var s Stats
	records := om.store.All() // newest first
	dayAgo := now.Add(-24 * time.Hour)

	for i := range records {
		rec := records[i]
		if i == 0 {
			s.Latest = &rec
		}
		switch rec.Status {
		case metadata.StatusCompleted:
			s.TotalCompleted++
			s.TotalSizeBytes += rec.SizeBytes
			s.OldestRetained = &rec
		case metadata.StatusFailed:
			if rec.CreatedAt.After(dayAgo) {
				s.FailedLast24h++
			}
		}
	}
	return s
}

// Health evaluates backup freshness against health.max_backup_age.
func (om *OperationManager) Health(now time.Time) Health {
	om.refresh()
	s := om.stats(now)
	h := Health{
		FailedLast24h:  s.FailedLast24h,
		TotalCompleted: s.TotalCompleted,
	}

	var last *metadata.Record
	for _, rec := range om.store.All() {
		if rec.Status == metadata.StatusCompleted {
			last = &rec
			break
		}
	}

	maxAge := om.cfg.Health.MaxBackupAge
	switch {
	case last == nil:
		h.Issues = append(h.Issues, "no completed backup")
	default:
		at := last.CreatedAt
		age := now.Sub(at)
		h.LastBackupAt = &at
		h.LastBackupAge = age.Round(time.Second).String()
		if maxAge > 0 && age > maxAge {
			h.Issues = append(h.Issues, fmt.Sprintf("last completed backup is %s old (limit %s)", h.LastBackupAge, maxAge))
		}
	}
	if s.FailedLast24h > 0 {
		h.Issues = append(h.Issues, fmt.Sprintf("%d backup(s) failed in the last 24h", s.FailedLast24h))
	}
	h.Healthy = len(h.Issues) == 0
	return h
}
