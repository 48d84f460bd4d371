package wal

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrWALStalled means no segment reached the archive within the freshness window.
var ErrWALStalled = errors.New("wal archiving stalled")

// TimestampFunc returns the effective time of a segment.
type TimestampFunc func(path string, info fs.FileInfo) time.Time

// ModTime uses the filesystem modification time. Copying or touching the archive shifts it.
func ModTime(_ string, info fs.FileInfo) time.Time { return info.ModTime() }

// Segment is one archived log file.
type Segment struct {
	Name string
	Path string
	Time time.Time
	Size int64
}

// Archive is a directory of log segments whose names sort in chronological order.
type Archive struct {
	dir       string
	timestamp TimestampFunc
}

func NewArchive(dir string, ts TimestampFunc) *Archive {
	if ts == nil {
		ts = ModTime
	}
	return &Archive{dir: dir, timestamp: ts}
}

func (a *Archive) Dir() string { return a.dir }

// Segments lists regular files in lexicographic name order. Hidden and in-flight
// (.partial) files are ignored.
func (a *Archive) Segments() ([]Segment, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return nil, fmt.Errorf("read wal archive %s: %w", a.dir, err)
	}

	segments := make([]Segment, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".partial") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("stat segment %s: %w", name, err)
		}
		path := filepath.Join(a.dir, name)
		segments = append(segments, Segment{
			Name: name,
			Path: path,
			Time: a.timestamp(path, info),
			Size: info.Size(),
		})
	}

	sort.Slice(segments, func(i, j int) bool { return segments[i].Name < segments[j].Name })
	return segments, nil
}

// Freshness summarises recent archive activity.
type Freshness struct {
	Recent int
	Latest time.Time
	Total  int
}

// CheckFreshness counts segments newer than now-window. It returns ErrWALStalled
// alongside the report when there are none.
func (a *Archive) CheckFreshness(now time.Time, window time.Duration) (Freshness, error) {
	segments, err := a.Segments()
	if err != nil {
		return Freshness{}, err
	}

	cutoff := now.Add(-window)
	f := Freshness{Total: len(segments)}
	for _, s := range segments {
		if s.Time.After(f.Latest) {
			f.Latest = s.Time
		}
		if s.Time.After(cutoff) {
			f.Recent++
		}
	}
	if f.Recent == 0 {
		return f, fmt.Errorf("%w: no segment in %s within the last %s", ErrWALStalled, a.dir, window)
	}
	return f, nil
}
