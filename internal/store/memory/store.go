// Package memory is an in-process implementation of the record and
// relationship stores, with the same versioning and rollback rules as the
// PostgreSQL store.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"dsprocessor/internal/domain"
	dErrors "dsprocessor/pkg/domain-errors"
	"dsprocessor/pkg/platform/sentinel"
)

type entry struct {
	current     domain.Record
	versions    map[int]domain.Record
	lastChecked time.Time
}

// Store keeps records and the relationship log in maps guarded by one mutex.
type Store struct {
	mu        sync.RWMutex
	records   map[domain.Kind]map[string]*entry // kind -> pid
	byKey     map[domain.Kind]map[string]string // kind -> natural key -> pid
	relations []domain.EntityRelationship
}

func New() *Store {
	return &Store{
		records: map[domain.Kind]map[string]*entry{},
		byKey:   map[domain.Kind]map[string]string{},
	}
}

func (s *Store) GetByNaturalKeys(_ context.Context, kind domain.Kind, keys []string) (map[string]domain.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]domain.Record, len(keys))
	for _, k := range keys {
		key := domain.NormalizeKey(k)
		pid, ok := s.byKey[kind][key]
		if !ok {
			continue
		}
		out[key] = s.records[kind][pid].current
	}
	return out, nil
}

func (s *Store) GetByPIDs(_ context.Context, kind domain.Kind, pids []string) (map[string]domain.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]domain.Record, len(pids))
	for _, pid := range pids {
		if e, ok := s.records[kind][pid]; ok {
			out[pid] = e.current
		}
	}
	return out, nil
}

// UpsertBatch applies all records or none.
func (s *Store) UpsertBatch(_ context.Context, kind domain.Kind, records []domain.VersionedRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := s.byKey[kind]
	seen := map[string]string{}
	for _, vr := range records {
		r := vr.Record
		e, exists := s.records[kind][r.PID]
		if vr.PreviousVersion == 0 {
			if exists {
				return 0, conflict("pid %s already exists", r.PID)
			}
			if owner, taken := keys[r.NaturalKey()]; taken && owner != r.PID {
				return 0, conflict("natural key %s already belongs to %s", r.NaturalKey(), owner)
			}
		} else {
			if !exists || e.current.Version != vr.PreviousVersion || e.current.Tombstoned {
				return 0, conflict("record %s is no longer at version %d", r.PID, vr.PreviousVersion)
			}
		}
		if owner, dup := seen[r.NaturalKey()]; dup && owner != r.PID {
			return 0, conflict("natural key %s appears twice in batch", r.NaturalKey())
		}
		seen[r.NaturalKey()] = r.PID
	}

	if s.records[kind] == nil {
		s.records[kind] = map[string]*entry{}
		s.byKey[kind] = map[string]string{}
	}
	now := time.Now().UTC()
	for _, vr := range records {
		r := vr.Record
		e, ok := s.records[kind][r.PID]
		if !ok {
			e = &entry{versions: map[int]domain.Record{}}
			s.records[kind][r.PID] = e
		} else if e.current.NaturalKey() != r.NaturalKey() {
			delete(s.byKey[kind], e.current.NaturalKey())
		}
		e.current = r
		e.versions[r.Version] = r
		e.lastChecked = now
		s.byKey[kind][r.NaturalKey()] = r.PID
	}
	return int64(len(records)), nil
}

func (s *Store) Rollback(_ context.Context, kind domain.Kind, pid string, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.records[kind][pid]
	if !ok || e.current.Version != version {
		return nil
	}
	delete(e.versions, version)
	if version <= 1 {
		delete(s.records[kind], pid)
		delete(s.byKey[kind], e.current.NaturalKey())
		return nil
	}
	prev, ok := e.versions[version-1]
	if !ok {
		return dErrors.Wrap(sentinel.ErrNotFound, dErrors.CodeNotFound, fmt.Sprintf("version %d of %s", version-1, pid))
	}
	delete(s.byKey[kind], e.current.NaturalKey())
	prev.Tombstoned = e.current.Tombstoned
	e.current = prev
	s.byKey[kind][prev.NaturalKey()] = pid
	return nil
}

func (s *Store) UpdateLastChecked(_ context.Context, kind domain.Kind, pids []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pid := range pids {
		if e, ok := s.records[kind][pid]; ok {
			e.lastChecked = at
		}
	}
	return nil
}

// LastChecked reports when pid was last stamped.
func (s *Store) LastChecked(kind domain.Kind, pid string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.records[kind][pid]
	if !ok {
		return time.Time{}, false
	}
	return e.lastChecked, true
}

// Versions lists the stored version numbers of pid in ascending order.
func (s *Store) Versions(kind domain.Kind, pid string) []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.records[kind][pid]
	if !ok {
		return nil
	}
	out := make([]int, 0, len(e.versions))
	for v := range e.versions {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

func (s *Store) Tombstone(_ context.Context, kind domain.Kind, pid string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.records[kind][pid]
	if !ok || e.current.Tombstoned {
		return dErrors.Wrap(sentinel.ErrNotFound, dErrors.CodeNotFound, "active record "+pid)
	}
	e.current.Tombstoned = true
	return nil
}

func (s *Store) RestoreTombstone(_ context.Context, kind domain.Kind, pid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.records[kind][pid]; ok {
		e.current.Tombstoned = false
	}
	return nil
}

// ActiveRelationships returns the latest non-tombstoned row per link.
func (s *Store) ActiveRelationships(_ context.Context, sourcePIDs []string) (map[string][]domain.EntityRelationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wanted := make(map[string]struct{}, len(sourcePIDs))
	for _, pid := range sourcePIDs {
		wanted[pid] = struct{}{}
	}
	type slot struct {
		source string
		key    domain.RelationshipKey
	}
	latest := map[slot]domain.EntityRelationship{}
	for _, rel := range s.relations {
		if _, ok := wanted[rel.SourcePID]; !ok {
			continue
		}
		latest[slot{rel.SourcePID, rel.Key()}] = rel
	}
	out := make(map[string][]domain.EntityRelationship, len(sourcePIDs))
	for k, rel := range latest {
		if rel.Tombstoned {
			continue
		}
		out[k.source] = append(out[k.source], rel)
	}
	for src := range out {
		slices.SortFunc(out[src], func(a, b domain.EntityRelationship) int {
			if a.Type != b.Type {
				if a.Type < b.Type {
					return -1
				}
				return 1
			}
			switch {
			case a.RelatedPID < b.RelatedPID:
				return -1
			case a.RelatedPID > b.RelatedPID:
				return 1
			}
			return 0
		})
	}
	return out, nil
}

func (s *Store) AppendRelationships(_ context.Context, rels []domain.EntityRelationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relations = append(s.relations, rels...)
	return nil
}

func (s *Store) DeleteRelationships(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	s.relations = slices.DeleteFunc(s.relations, func(r domain.EntityRelationship) bool {
		_, ok := drop[r.ID]
		return ok
	})
	return nil
}

// Relationships returns a copy of the whole log in append order.
func (s *Store) Relationships() []domain.EntityRelationship {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.relations)
}

func conflict(format string, args ...any) error {
	return dErrors.Wrap(sentinel.ErrConflict, dErrors.CodeConflict, fmt.Sprintf(format, args...))
}
