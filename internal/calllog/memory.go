package calllog

import (
	"cmp"
	"context"
	"slices"
	"sync"
)

// DefaultMemoryCapacity bounds a [MemoryStore] created with capacity 0.
const DefaultMemoryCapacity = 1000

// MemoryStore keeps the most recent records in memory. When full, the
// oldest call is evicted.
type MemoryStore struct {
	capacity int

	mu      sync.Mutex
	records map[string]Record
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryStore{capacity: capacity, records: make(map[string]Record)}
}

func (s *MemoryStore) Save(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[r.SessionID]; !ok && len(s.records) >= s.capacity {
		oldest := ""
		for id, rec := range s.records {
			if oldest == "" || rec.StartedAt.Before(s.records[oldest].StartedAt) {
				oldest = id
			}
		}
		delete(s.records, oldest)
	}
	s.records[r.SessionID] = r
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) Recent(_ context.Context, limit int) ([]Record, error) {
	s.mu.Lock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b Record) int { return cmp.Compare(b.StartedAt.UnixNano(), a.StartedAt.UnixNano()) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
