package metadata

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the type of backup artifact. Only KindFull is produced today.
type Kind string

const (
	KindFull        Kind = "full"
	KindIncremental Kind = "incremental"
	KindWAL         Kind = "wal"
)

// Status is the lifecycle state of a backup attempt.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Trigger records what started a backup.
type Trigger string

const (
	TriggerManual     Trigger = "manual"
	TriggerScheduled  Trigger = "scheduled"
	TriggerPreRestore Trigger = "pre_restore"
)

// ErrTerminal is returned when a completed or failed record is transitioned again.
var ErrTerminal = errors.New("backup record already in terminal state")

// Record describes one backup attempt.
// Checksum and SizeBytes are set if and only if Status is completed.
type Record struct {
	ID             string     `json:"id"`
	CreatedAt      time.Time  `json:"created_at"`
	Kind           Kind       `json:"kind"`
	Trigger        Trigger    `json:"trigger,omitempty"`
	SizeBytes      int64      `json:"size_bytes"`
	Checksum       string     `json:"checksum"`
	Status         Status     `json:"status"`
	Location       string     `json:"location"`
	RetentionUntil time.Time  `json:"retention_until"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// NewRecord starts an in-progress full backup. The retention deadline is fixed here and never recomputed.
func NewRecord(id string, createdAt time.Time, retention time.Duration, location string, trigger Trigger) Record {
	return Record{
		ID:             id,
		CreatedAt:      createdAt,
		Kind:           KindFull,
		Trigger:        trigger,
		Status:         StatusInProgress,
		Location:       location,
		RetentionUntil: createdAt.Add(retention),
	}
}

// Complete moves an in-progress record to completed.
func (r *Record) Complete(at time.Time, location, checksum string, size int64) error {
	if r.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, r.ID, r.Status)
	}
	if checksum == "" {
		return fmt.Errorf("complete %s: empty checksum", r.ID)
	}
	r.Status = StatusCompleted
	r.Location = location
	r.Checksum = checksum
	r.SizeBytes = size
	r.CompletedAt = &at
	r.Error = ""
	return nil
}

// Fail moves an in-progress record to failed and clears completion fields.
func (r *Record) Fail(at time.Time, cause error) error {
	if r.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, r.ID, r.Status)
	}
	r.Status = StatusFailed
	r.Checksum = ""
	r.SizeBytes = 0
	r.CompletedAt = &at
	if cause != nil {
		r.Error = cause.Error()
	}
	return nil
}

// Expired reports whether the retention deadline has passed at now.
func (r Record) Expired(now time.Time) bool {
	return r.RetentionUntil.Before(now)
}
