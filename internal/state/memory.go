package state

import (
	"context"
	"sync"
)

// MemoryStore keeps every namespace in process memory. It is the default
// backend and the one the tests run against.
type MemoryStore struct {
	mu         sync.Mutex
	namespaces map[string]map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{namespaces: make(map[string]map[string][]byte)}
}

func (s *MemoryStore) Namespace(kind, id string) KV {
	return &memoryKV{store: s, key: kind + "/" + id}
}

type memoryKV struct {
	store *MemoryStore
	key   string
}

func (kv *memoryKV) bucket() map[string][]byte {
	b, ok := kv.store.namespaces[kv.key]
	if !ok {
		b = make(map[string][]byte)
		kv.store.namespaces[kv.key] = b
	}
	return b
}

func (kv *memoryKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	kv.store.mu.Lock()
	defer kv.store.mu.Unlock()
	raw, ok := kv.bucket()[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, true, nil
}

func (kv *memoryKV) Put(_ context.Context, key string, value []byte) error {
	kv.store.mu.Lock()
	defer kv.store.mu.Unlock()
	kv.bucket()[key] = clone(value)
	return nil
}

func (kv *memoryKV) PutMany(_ context.Context, entries map[string][]byte) error {
	kv.store.mu.Lock()
	defer kv.store.mu.Unlock()
	b := kv.bucket()
	for k, v := range entries {
		b[k] = clone(v)
	}
	return nil
}

func (kv *memoryKV) Delete(_ context.Context, keys ...string) error {
	kv.store.mu.Lock()
	defer kv.store.mu.Unlock()
	b := kv.bucket()
	for _, k := range keys {
		delete(b, k)
	}
	return nil
}

func (kv *memoryKV) Clear(_ context.Context) error {
	kv.store.mu.Lock()
	defer kv.store.mu.Unlock()
	delete(kv.store.namespaces, kv.key)
	return nil
}

func clone(in []byte) []byte {
	out := make([]byte, len(in))
	copy(out, in)
	return out
}
