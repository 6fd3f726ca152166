package storage

import "sync"

// MemoryStore keeps records in memory. Used by tests and single-process
// deployments that don't need persistence across restarts.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]map[string]Record // type -> id -> record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]map[string]Record),
	}
}

// Put inserts or replaces a record.
func (s *MemoryStore) Put(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.records[rec.Type]
	if !ok {
		byID = make(map[string]Record)
		s.records[rec.Type] = byID
	}
	byID[rec.ID] = rec
	return nil
}

// Get returns the record for id and typ, or ErrNotFound.
func (s *MemoryStore) Get(id, typ string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[typ][id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// ListIDs returns all record ids of the given type.
func (s *MemoryStore) ListIDs(typ string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.records[typ]))
	for id := range s.records[typ] {
		ids = append(ids, id)
	}
	return ids, nil
}

// Query returns all records matching the filter.
func (s *MemoryStore) Query(f Filter) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	for typ, byID := range s.records {
		if f.Type != "" && typ != f.Type {
			continue
		}
		for _, rec := range byID {
			if f.matches(rec) {
				out = append(out, rec)
			}
		}
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }
