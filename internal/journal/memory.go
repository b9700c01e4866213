package journal

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore keeps the journal in process memory. Used when no database DSN
// is configured and in tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryStore constructs an empty in-memory journal.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

// Upsert inserts or overwrites the entry keyed by id, merging metadata so
// status updates do not drop earlier annotations.
func (s *MemoryStore) Upsert(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[entry.ID]; ok && len(existing.Metadata) > 0 {
		merged := make(map[string]string, len(existing.Metadata)+len(entry.Metadata))
		for k, v := range existing.Metadata {
			merged[k] = v
		}
		for k, v := range entry.Metadata {
			merged[k] = v
		}
		entry.Metadata = merged
	}
	s.entries[entry.ID] = entry
	return nil
}

// Query returns matching entries newest-first with limit/offset pagination.
func (s *MemoryStore) Query(_ context.Context, filter Filter) ([]Entry, error) {
	s.mu.RLock()
	matched := make([]Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		if matches(entry, filter) {
			matched = append(matched, entry)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func matches(entry Entry, filter Filter) bool {
	if filter.OwnerAddress != "" && !strings.EqualFold(entry.OwnerAddress, filter.OwnerAddress) {
		return false
	}
	if filter.Type != "" && entry.Type != filter.Type {
		return false
	}
	if filter.Status != "" && entry.Status != filter.Status {
		return false
	}
	return true
}

var _ Store = (*MemoryStore)(nil)
