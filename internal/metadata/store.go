package metadata

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/renameio"
)

const Filename = "metadata.json"

// Store is the durable registry of backup records. The in-memory map is a cache of
// the metadata file; callers persist after every mutation.
type Store struct {
	path string

	mu      sync.RWMutex
	records map[string]Record
	// gen counts cache changes; dirty is set until the change reaches the file.
	gen   uint64
	dirty bool

	// serializes whole-file rewrites
	persistMu sync.Mutex
}

// NewStore returns an empty store backed by <dir>/metadata.json. Call Load before use.
func NewStore(dir string) *Store {
	return &Store{
		path:    filepath.Join(dir, Filename),
		records: make(map[string]Record),
	}
}

// Path returns the metadata file location.
func (s *Store) Path() string { return s.path }

// Load replaces the cache with the contents of the metadata file, discarding
// unpersisted changes. A missing file yields an empty store.
func (s *Store) Load() error {
	records, err := s.read()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.records = records
	s.gen++
	s.dirty = false
	s.mu.Unlock()
	return nil
}

// Refresh picks up records written by other processes. Unlike Load it never
// discards local changes: a dirty cache, or one changed while the file was read,
// is kept as is.
func (s *Store) Refresh() error {
	s.mu.RLock()
	gen, dirty := s.gen, s.dirty
	s.mu.RUnlock()
	if dirty {
		return nil
	}

	records, err := s.read()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dirty || s.gen != gen {
		return nil
	}
	s.records = records
	s.gen++
	return nil
}

func (s *Store) read() (map[string]Record, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]Record), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read metadata file %q: %w", s.path, err)
	}

	var list []Record
	if len(data) > 0 {
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("decode metadata JSON %q: %w", s.path, err)
		}
	}

	records := make(map[string]Record, len(list))
	for _, r := range list {
		if r.ID == "" {
			return nil, fmt.Errorf("decode metadata JSON %q: record without id", s.path)
		}
		records[r.ID] = r
	}
	return records, nil
}

// Persist atomically rewrites the metadata file with every cached record,
// oldest first. Readers never observe a half-written file.
func (s *Store) Persist() error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.RLock()
	list := s.snapshotLocked()
	gen := s.gen
	s.mu.RUnlock()
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata JSON: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("ensure metadata directory: %w", err)
	}
	if err := renameio.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write metadata file %q: %w", s.path, err)
	}

	s.mu.Lock()
	if s.gen == gen {
		s.dirty = false
	}
	s.mu.Unlock()
	return nil
}

// Upsert inserts or replaces a record in the cache.
func (s *Store) Upsert(r Record) {
	s.mu.Lock()
	s.records[r.ID] = r
	s.gen++
	s.dirty = true
	s.mu.Unlock()
}

// Delete removes a record from the cache and reports whether it existed.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[id]
	if ok {
		delete(s.records, id)
		s.gen++
		s.dirty = true
	}
	return ok
}

// Get returns a copy of the record with the given id.
func (s *Store) Get(id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	return r, ok
}

// All returns every record, most recent first.
func (s *Store) All() []Record {
	list := s.snapshot()
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID > list[j].ID
		}
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	return list
}

// Len returns the number of cached records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *Store) snapshot() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() []Record {
	list := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		list = append(list, r)
	}
	return list
}
