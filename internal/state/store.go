package state

import (
	"sort"
	"sync"
	"time"
)

// Logger is the narrow logging surface injected at construction.
type Logger interface {
	Printf(format string, args ...any)
}

// Store is the in-memory view of the persisted base state. The watcher is its
// sole writer: every mutation persists through the configured backend before
// returning. A missing or corrupt persisted snapshot degrades to an empty
// base state rather than failing construction.
type Store struct {
	mu      sync.Mutex
	backend Backend
	logger  Logger
	snap    Snapshot
}

func NewStore(backend Backend, logger Logger) *Store {
	s := &Store{
		backend: backend,
		snap:    Snapshot{Workflows: map[string]Entry{}},
	}
	s.logger = logger
	if backend == nil {
		return s
	}
	snapshot, err := backend.Load()
	if err != nil {
		s.logf("state load failed, starting with empty base state: %v", err)
		return s
	}
	if snapshot != nil && snapshot.Workflows != nil {
		s.snap = *snapshot
	}
	return s
}

// BaseHash returns the last-synced hash for a workflow id.
func (s *Store) BaseHash(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.snap.Workflows[id]
	if !ok {
		return "", false
	}
	return entry.LastSyncedHash, true
}

// SetBase records a new base hash after a confirmed sync point.
func (s *Store) SetBase(id, hash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Workflows[id] = Entry{
		LastSyncedHash: hash,
		LastSyncedAt:   at.UTC().Format(time.RFC3339),
	}
	return s.persistLocked()
}

// Remove drops the base entry; only called once a deletion is confirmed on
// both sides.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snap.Workflows, id)
	return s.persistLocked()
}

// Migrate rebinds a base entry to a new workflow id after a self-healing
// create (old record deleted out-of-band).
func (s *Store) Migrate(oldID, newID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.snap.Workflows[oldID]
	if !ok {
		return nil
	}
	delete(s.snap.Workflows, oldID)
	s.snap.Workflows[newID] = entry
	return s.persistLocked()
}

// IDs lists workflow ids with a known base, sorted for determinism.
func (s *Store) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.snap.Workflows))
	for id := range s.snap.Workflows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Store) persistLocked() error {
	if s.backend == nil {
		return nil
	}
	clone, err := cloneSnapshot(&s.snap)
	if err != nil {
		return err
	}
	return s.backend.Save(clone)
}

func (s *Store) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
