package storage

import (
	"context"
	"sort"
	"sync"
)

// MemoryBackend is the last-resort fallback: a flat in-process key/value
// store. Nothing survives a restart, but the engine stays usable when both
// the filesystem and SQLite backends are unavailable.
type MemoryBackend struct {
	mu       sync.RWMutex
	docs     map[string][]byte
	entities map[string]map[string][]byte
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		docs:     make(map[string][]byte),
		entities: make(map[string]map[string][]byte),
	}
}

// Load implements Backend.
func (b *MemoryBackend) Load(ctx context.Context, name string) ([]byte, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	doc, ok := b.docs[name]
	if !ok {
		return nil, false, nil
	}
	// Copy so callers cannot mutate stored state.
	out := make([]byte, len(doc))
	copy(out, doc)
	return out, true, nil
}

// Save implements Backend.
func (b *MemoryBackend) Save(ctx context.Context, name string, doc []byte) error {
	stored := make([]byte, len(doc))
	copy(stored, doc)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.docs[name] = stored
	return nil
}

// Delete implements Backend.
func (b *MemoryBackend) Delete(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.docs, name)
	delete(b.entities, name)
	return nil
}

// DeleteDoc implements Backend.
func (b *MemoryBackend) DeleteDoc(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.docs, name)
	return nil
}

// List implements Backend.
func (b *MemoryBackend) List(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	seen := make(map[string]bool, len(b.docs))
	for name := range b.docs {
		seen[name] = true
	}
	for name := range b.entities {
		seen[name] = true
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// LoadEntities implements Backend.
func (b *MemoryBackend) LoadEntities(ctx context.Context, collection string) (map[string][]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	docs := make(map[string][]byte, len(b.entities[collection]))
	for id, doc := range b.entities[collection] {
		out := make([]byte, len(doc))
		copy(out, doc)
		docs[id] = out
	}
	return docs, nil
}

// SaveEntity implements Backend.
func (b *MemoryBackend) SaveEntity(ctx context.Context, collection, id string, doc []byte) error {
	stored := make([]byte, len(doc))
	copy(stored, doc)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.entities[collection] == nil {
		b.entities[collection] = make(map[string][]byte)
	}
	b.entities[collection][id] = stored
	return nil
}

// DeleteEntity implements Backend.
func (b *MemoryBackend) DeleteEntity(ctx context.Context, collection, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entities[collection], id)
	return nil
}

// Close implements Backend.
func (b *MemoryBackend) Close() error {
	return nil
}
