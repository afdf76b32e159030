package storage

import (
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory KV for tests. It can simulate quota
// exhaustion to exercise the snapshot prune-and-retry path.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool

	// MaxBytes caps total stored bytes when positive; Set returns
	// ErrQuotaExceeded beyond it.
	MaxBytes int

	// FailSets makes the next N Set calls fail with ErrQuotaExceeded.
	FailSets int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Get retrieves a value.
func (s *MemoryStore) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	v, ok := s.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), v...), nil
}

// Set stores a value.
func (s *MemoryStore) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if s.FailSets > 0 {
		s.FailSets--
		return ErrQuotaExceeded
	}
	if s.MaxBytes > 0 {
		total := len(value)
		for k, v := range s.data {
			if k != key {
				total += len(v)
			}
		}
		if total > s.MaxBytes {
			return ErrQuotaExceeded
		}
	}
	s.data[key] = append([]byte(nil), value...)
	return nil
}

// Delete removes a key.
func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	delete(s.data, key)
	return nil
}

// List returns sorted keys with the given prefix.
func (s *MemoryStore) List(prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Len returns the number of stored keys.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
