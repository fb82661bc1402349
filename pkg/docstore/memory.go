package docstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store used in tests and local development.
// It applies the same predicate semantics as the Postgres implementation:
// values are compared through their string form, which keeps RFC 3339
// timestamps ordered chronologically.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]Document
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]map[string]Document),
	}
}

// Get retrieves a single document by id
func (s *MemoryStore) Get(ctx context.Context, collection, id string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.collections[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDoc(doc), nil
}

// Put upserts a single document
func (s *MemoryStore) Put(ctx context.Context, collection, id string, doc Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.collections[collection] == nil {
		s.collections[collection] = make(map[string]Document)
	}
	s.collections[collection][id] = cloneDoc(doc)
	return nil
}

// PutBatch writes all documents; the single lock makes the batch atomic
func (s *MemoryStore) PutBatch(ctx context.Context, collection string, docs map[string]Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.collections[collection] == nil {
		s.collections[collection] = make(map[string]Document)
	}
	for id, doc := range docs {
		s.collections[collection][id] = cloneDoc(doc)
	}
	return nil
}

// Delete removes a document
func (s *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.collections[collection][id]; !ok {
		return ErrNotFound
	}
	delete(s.collections[collection], id)
	return nil
}

// Query runs a filtered scan over a collection
func (s *MemoryStore) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var docs []Document
	for _, doc := range s.collections[collection] {
		if matchesFilters(doc, q.Filters) {
			docs = append(docs, cloneDoc(doc))
		}
	}

	if q.OrderBy != "" {
		sort.SliceStable(docs, func(i, j int) bool {
			a := stringValue(docs[i][q.OrderBy])
			b := stringValue(docs[j][q.OrderBy])
			if q.Descending {
				return a > b
			}
			return a < b
		})
	}

	if q.Limit > 0 && len(docs) > q.Limit {
		docs = docs[:q.Limit]
	}

	return docs, nil
}

// Count returns the number of documents in a collection
func (s *MemoryStore) Count(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections[collection])
}

func matchesFilters(doc Document, filters []Filter) bool {
	for _, f := range filters {
		have := stringValue(doc[f.Field])
		want := stringValue(f.Value)

		switch f.Op {
		case OpEq:
			if have != want {
				return false
			}
		case OpGt:
			if !(have > want) {
				return false
			}
		case OpGte:
			if !(have >= want) {
				return false
			}
		case OpLt:
			if !(have < want) {
				return false
			}
		case OpLte:
			if !(have <= want) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func stringValue(v interface{}) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

func cloneDoc(doc Document) Document {
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}
