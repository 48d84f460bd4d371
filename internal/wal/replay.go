package wal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kebairia/drbackup/internal/database"
	"github.com/kebairia/drbackup/internal/logger"
)

// ErrReplayFailed is matched by every *ReplayError.
var ErrReplayFailed = errors.New("wal replay failed")

// ReplayError reports the segment that failed and how far replay got.
// Segments before it stay applied.
type ReplayError struct {
	Segment     string
	LastApplied string
	Applied     int
	Cause       error
}

func (e *ReplayError) Error() string {
	last := e.LastApplied
	if last == "" {
		last = "none"
	}
	return fmt.Sprintf("wal replay failed at %s (applied %d, last applied %s): %v", e.Segment, e.Applied, last, e.Cause)
}

func (e *ReplayError) Unwrap() []error { return []error{ErrReplayFailed, e.Cause} }

// Applier is the datastore's log-apply primitive.
type Applier interface {
	ApplyLog(ctx context.Context, segmentPath string) error
}

// Result lists the segments applied, in order.
type Result struct {
	Applied []string
	// Remaining counts segments left unapplied because they are past the target.
	Remaining int
}

// LastApplied returns the final applied segment, or "" if none were.
func (r Result) LastApplied() string {
	if len(r.Applied) == 0 {
		return ""
	}
	return r.Applied[len(r.Applied)-1]
}

type Option func(*Replayer)

func WithLogger(log logger.Logger) Option {
	return func(r *Replayer) { r.log = log }
}

// WithApplyTimeout bounds each individual segment apply.
func WithApplyTimeout(d time.Duration) Option {
	return func(r *Replayer) { r.applyTimeout = d }
}

// Replayer applies archived segments strictly one at a time, in archive order.
type Replayer struct {
	archive      *Archive
	applier      Applier
	log          logger.Logger
	applyTimeout time.Duration
}

func NewReplayer(archive *Archive, applier Applier, opts ...Option) *Replayer {
	r := &Replayer{
		archive: archive,
		applier: applier,
		log:     logger.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Replay applies segments in name order and stops at the first one whose timestamp
// is after target. A nil target replays the whole archive.
func (r *Replayer) Replay(ctx context.Context, target *time.Time) (Result, error) {
	var res Result

	segments, err := r.archive.Segments()
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrReplayFailed, err)
	}

	r.log.Info("starting wal replay",
		"archive", r.archive.Dir(),
		"segments", len(segments),
		"target_time", formatTarget(target),
	)

	for i, seg := range segments {
		if target != nil && seg.Time.After(*target) {
			res.Remaining = len(segments) - i
			r.log.Info("reached recovery target", "segment", seg.Name, "segment_time", seg.Time.Format(time.RFC3339))
			break
		}

		if err := ctx.Err(); err != nil {
			return res, r.failure(seg, res, context.Cause(ctx))
		}
		if err := r.apply(ctx, seg); err != nil {
			return res, r.failure(seg, res, err)
		}
		res.Applied = append(res.Applied, seg.Name)
		r.log.Debug("applied wal segment", "segment", seg.Name)
	}

	r.log.Info("wal replay finished", "applied", len(res.Applied), "last_applied", res.LastApplied())
	return res, nil
}

func (r *Replayer) apply(ctx context.Context, seg Segment) error {
	if r.applyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, r.applyTimeout, database.ErrTimeout)
		defer cancel()
	}
	return r.applier.ApplyLog(ctx, seg.Path)
}

func (r *Replayer) failure(seg Segment, res Result, cause error) error {
	err := &ReplayError{
		Segment:     seg.Name,
		LastApplied: res.LastApplied(),
		Applied:     len(res.Applied),
		Cause:       cause,
	}
	r.log.Error("wal replay aborted", "segment", seg.Name, "last_applied", err.LastApplied, "error", cause.Error())
	return err
}

func formatTarget(t *time.Time) string {
	if t == nil {
		return "latest"
	}
	return t.Format(time.RFC3339)
}
