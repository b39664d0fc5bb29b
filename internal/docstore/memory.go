package docstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps documents in process. It backs tests and local runs.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]map[string]interface{}
	now         func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: map[string]map[string]map[string]interface{}{},
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the clock used for ServerTimestamp.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Get(ctx context.Context, collection, id string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	if !validPath(collection) {
		return Document{}, ErrInvalidPath
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.collections[collection][id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return Document{ID: id, Collection: collection, Data: clone(data).(map[string]interface{})}, nil
}

func (s *MemoryStore) Query(ctx context.Context, collection string, filters ...Filter) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !validPath(collection) {
		return nil, ErrInvalidPath
	}
	values, err := normalizeFilters(filters)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scan(collection, filters, values), nil
}

func (s *MemoryStore) QueryGroup(ctx context.Context, group string, filters ...Filter) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	values, err := normalizeFilters(filters)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0)
	for name := range s.collections {
		if Group(name) == group {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	docs := []Document{}
	for _, name := range names {
		docs = append(docs, s.scan(name, filters, values)...)
	}
	return docs, nil
}

func (s *MemoryStore) scan(collection string, filters []Filter, values []interface{}) []Document {
	docs := []Document{}
	for id, data := range s.collections[collection] {
		ok := true
		for i, f := range filters {
			if !matches(data, f, values[i]) {
				ok = false
				break
			}
		}
		if ok {
			docs = append(docs, Document{ID: id, Collection: collection, Data: clone(data).(map[string]interface{})})
		}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs
}

func (s *MemoryStore) Set(ctx context.Context, collection, id string, data map[string]interface{}) error {
	return s.commit(ctx, []write{{kind: writeSet, collection: collection, id: id, data: data}})
}

func (s *MemoryStore) Update(ctx context.Context, collection, id string, fields map[string]interface{}) error {
	return s.commit(ctx, []write{{kind: writeUpdate, collection: collection, id: id, data: fields}})
}

func (s *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	return s.commit(ctx, []write{{kind: writeDelete, collection: collection, id: id}})
}

func (s *MemoryStore) NewBatch() Batch {
	return &memoryBatch{store: s}
}

// commit applies all writes or none of them.
func (s *MemoryStore) commit(ctx context.Context, writes []write) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkWrites(writes); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	prepared := make([]map[string]interface{}, len(writes))
	for i, w := range writes {
		if w.kind == writeDelete {
			continue
		}
		data, err := normalizeData(w.data, now, w.kind == writeUpdate)
		if err != nil {
			return err
		}
		prepared[i] = data
	}
	staged := map[string]map[string]map[string]interface{}{}
	lookup := func(collection, id string) (map[string]interface{}, bool) {
		if docs, ok := staged[collection]; ok {
			if data, ok := docs[id]; ok {
				return data, data != nil
			}
		}
		data, ok := s.collections[collection][id]
		return data, ok
	}
	stage := func(collection, id string, data map[string]interface{}) {
		if staged[collection] == nil {
			staged[collection] = map[string]map[string]interface{}{}
		}
		staged[collection][id] = data
	}
	for i, w := range writes {
		switch w.kind {
		case writeSet:
			stage(w.collection, w.id, prepared[i])
		case writeUpdate:
			current, ok := lookup(w.collection, w.id)
			if !ok {
				return ErrNotFound
			}
			merged := clone(current).(map[string]interface{})
			for key, value := range prepared[i] {
				if value == DeleteField {
					delete(merged, key)
					continue
				}
				merged[key] = value
			}
			stage(w.collection, w.id, merged)
		case writeDelete:
			stage(w.collection, w.id, nil)
		}
	}
	for collection, docs := range staged {
		for id, data := range docs {
			if data == nil {
				delete(s.collections[collection], id)
				continue
			}
			if s.collections[collection] == nil {
				s.collections[collection] = map[string]map[string]interface{}{}
			}
			s.collections[collection][id] = data
		}
	}
	return nil
}

type memoryBatch struct {
	store  *MemoryStore
	writes []write
}

func (b *memoryBatch) Set(collection, id string, data map[string]interface{}) {
	b.writes = append(b.writes, write{kind: writeSet, collection: collection, id: id, data: data})
}

func (b *memoryBatch) Update(collection, id string, fields map[string]interface{}) {
	b.writes = append(b.writes, write{kind: writeUpdate, collection: collection, id: id, data: fields})
}

func (b *memoryBatch) Delete(collection, id string) {
	b.writes = append(b.writes, write{kind: writeDelete, collection: collection, id: id})
}

func (b *memoryBatch) Len() int { return len(b.writes) }

func (b *memoryBatch) Commit(ctx context.Context) error {
	return b.store.commit(ctx, b.writes)
}
