package storage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-memory ObjectStore for tests and local development.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	types   map[string]string

	// Err, when set, is returned from every operation.
	Err error

	// PutCalls counts Put invocations per key, useful for idempotency checks.
	PutCalls map[string]int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects:  make(map[string][]byte),
		types:    make(map[string]string),
		PutCalls: make(map[string]int),
	}
}

// Put stores the object under the key, overwriting any previous content.
func (m *MemoryStore) Put(ctx context.Context, key, contentType string, body []byte) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data := make([]byte, len(body))
	copy(data, body)
	m.objects[key] = data
	m.types[key] = contentType
	m.PutCalls[key]++
	return nil
}

// Get retrieves the stored bytes.
func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("no such key %s", key)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Exists reports whether the key is present.
func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	if m.Err != nil {
		return false, m.Err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok, nil
}

// PresignGet returns a deterministic fake URL.
func (m *MemoryStore) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if m.Err != nil {
		return "", m.Err
	}
	return "https://objects.local/" + key + "?sig=get", nil
}

// PresignPut returns a deterministic fake URL.
func (m *MemoryStore) PresignPut(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if m.Err != nil {
		return "", m.Err
	}
	return "https://objects.local/" + key + "?sig=put", nil
}

// Keys returns a snapshot of stored keys.
func (m *MemoryStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	return keys
}
