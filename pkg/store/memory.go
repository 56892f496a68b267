package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/platinummonkey/consortium/pkg/errs"
)

type memoryEntry struct {
	seq     int64
	version int64
	data    json.RawMessage
}

// MemoryStore is an in-process Store
type MemoryStore struct {
	mu          sync.RWMutex
	seq         int64
	collections map[string]map[string]*memoryEntry
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]map[string]*memoryEntry),
	}
}

// List implements Store
func (m *MemoryStore) List(ctx context.Context, collection string) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.collections[collection]
	docs := make([]Document, 0, len(entries))
	seqs := make(map[string]int64, len(entries))
	for id, e := range entries {
		docs = append(docs, e.document(id))
		seqs[id] = e.seq
	}
	sort.Slice(docs, func(i, j int) bool {
		return seqs[docs[i].ID] < seqs[docs[j].ID]
	})
	return docs, nil
}

// Get implements Store
func (m *MemoryStore) Get(ctx context.Context, collection, id string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.collections[collection][id]
	if !ok {
		return Document{}, errs.NotFound(collection, id)
	}
	return e.document(id), nil
}

// Create implements Store
func (m *MemoryStore) Create(ctx context.Context, collection string, doc Document) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}

	data, err := prepareCreate(collection, doc)
	if err != nil {
		return Document{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entries, ok := m.collections[collection]
	if !ok {
		entries = make(map[string]*memoryEntry)
		m.collections[collection] = entries
	}
	if _, exists := entries[doc.ID]; exists {
		return Document{}, errs.Conflict(collection, doc.ID)
	}

	m.seq++
	e := &memoryEntry{seq: m.seq, version: 1, data: data}
	entries[doc.ID] = e
	return e.document(doc.ID), nil
}

// Update implements Store
func (m *MemoryStore) Update(ctx context.Context, collection, id string, patch Patch) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.collections[collection][id]
	if !ok {
		return Document{}, errs.NotFound(collection, id)
	}

	data, err := applyPatch(collection, id, e.version, e.data, patch)
	if err != nil {
		return Document{}, err
	}
	e.data = data
	e.version++
	return e.document(id), nil
}

// Delete implements Store
func (m *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.collections[collection][id]; !ok {
		return errs.NotFound(collection, id)
	}
	delete(m.collections[collection], id)
	return nil
}

func (e *memoryEntry) document(id string) Document {
	data := make(json.RawMessage, len(e.data))
	copy(data, e.data)
	return Document{ID: id, Version: e.version, Data: data}
}
