package docstore

import (
	"context"
	"sync"

	"github.com/moonguard/moonguard/pkg/core"
)

// MemoryStore is an in-process Store for tests and single-node setups.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]Document
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: map[string]map[string]Document{}}
}

func (s *MemoryStore) Get(ctx context.Context, collection, key string) (Document, error) {
	s.mu.RLock()
	doc, ok := s.collections[collection][key]
	s.mu.RUnlock()
	if !ok {
		return nil, core.ErrEntityNotFound
	}
	// Callers get a snapshot, never the stored map: a persistent engine
	// would decode a fresh value on every read, and readers must not race
	// concurrent patches.
	return Encode(doc)
}

func (s *MemoryStore) Put(ctx context.Context, collection, key string, doc Document) error {
	// Round-trip through Encode so stored values carry the same JSON types a
	// persistent engine would return.
	normalized, err := Encode(doc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.collections[collection] == nil {
		s.collections[collection] = map[string]Document{}
	}
	s.collections[collection][key] = normalized
	return nil
}

func (s *MemoryStore) Query(ctx context.Context, collection string, filter Filter) ([]Keyed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Keyed
	for key, doc := range s.collections[collection] {
		if Matches(doc, filter) {
			snapshot, err := Encode(doc)
			if err != nil {
				return nil, err
			}
			out = append(out, Keyed{Key: key, Doc: snapshot})
		}
	}
	return out, nil
}

func (s *MemoryStore) Update(ctx context.Context, collection, key string, patch Document) error {
	normalized, err := Encode(patch)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.collections[collection][key]
	if !ok {
		return core.ErrEntityNotFound
	}
	// Replace on write: stored documents are immutable once inserted, so
	// snapshots handed out by Get/Query stay coherent.
	merged := make(Document, len(doc)+len(normalized))
	for field, value := range doc {
		merged[field] = value
	}
	for field, value := range normalized {
		merged[field] = value
	}
	s.collections[collection][key] = merged
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, collection, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections[collection], key)
	return nil
}
