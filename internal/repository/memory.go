package repository

import (
	"context"
	"sync"

	"techsync/internal/domain"
)

type memoryBucket struct {
	order  []string
	values map[string][]byte
}

// MemoryStore is a process-local domain.KVStore. It is used in tests and as
// the failover target when the primary store is unreachable.
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[string]*memoryBucket
}

var _ domain.KVStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*memoryBucket)}
}

func (s *MemoryStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.buckets[bucket]
	if !ok {
		return nil, domain.ErrNotFound
	}
	val, ok := b.values[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return append([]byte(nil), val...), nil
}

func (s *MemoryStore) Set(ctx context.Context, bucket, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[bucket]
	if !ok {
		b = &memoryBucket{values: make(map[string][]byte)}
		s.buckets[bucket] = b
	}
	if _, exists := b.values[key]; !exists {
		b.order = append(b.order, key)
	}
	b.values[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[bucket]
	if !ok {
		return nil
	}
	if _, exists := b.values[key]; !exists {
		return nil
	}
	delete(b.values, key)
	for i, k := range b.order {
		if k == key {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) List(ctx context.Context, bucket string) ([]domain.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.buckets[bucket]
	if !ok {
		return nil, nil
	}
	entries := make([]domain.Entry, 0, len(b.order))
	for _, k := range b.order {
		entries = append(entries, domain.Entry{Key: k, Value: append([]byte(nil), b.values[k]...)})
	}
	return entries, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
