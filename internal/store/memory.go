package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore implements Store with an in-memory map. Used for testing
// and development. Not suitable for production (no persistence).
//
// MaxBytes, when positive, caps the total size of keys plus values so
// capacity failures can be exercised.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string][]byte
	size     int
	MaxBytes int
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	// Return a copy to avoid external mutation.
	return append([]byte(nil), v...), nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	newSize := s.size + len(key) + len(value)
	if old, ok := s.data[key]; ok {
		newSize -= len(key) + len(old)
	}
	if s.MaxBytes > 0 && newSize > s.MaxBytes {
		return &PersistenceError{Op: "set", Key: key, Err: ErrQuotaExceeded}
	}

	s.data[key] = append([]byte(nil), value...)
	s.size = newSize
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.data[key]; ok {
		s.size -= len(key) + len(old)
		delete(s.data, key)
	}
	return nil
}

func (s *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Size returns the number of bytes currently held.
func (s *MemoryStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}
