package syncpoint

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryStore is the in-process sync-point store used by tests and local
// development.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]json.RawMessage
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]json.RawMessage)}
}

// Get returns the blob at key, or an empty blob when absent.
func (s *MemoryStore) Get(ctx context.Context, key string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append(json.RawMessage(nil), s.data[key]...), nil
}

// Set stores value at key.
func (s *MemoryStore) Set(ctx context.Context, key string, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append(json.RawMessage(nil), value...)
	return nil
}

// Update applies fn under the store lock.
func (s *MemoryStore) Update(ctx context.Context, key string, fn func(current json.RawMessage) (json.RawMessage, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := fn(append(json.RawMessage(nil), s.data[key]...))
	if err != nil {
		return err
	}
	s.data[key] = append(json.RawMessage(nil), next...)
	return nil
}

// Delete removes the blob at key.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}
