package state

import (
	"bytes"
	"context"
	"sync"

	"github.com/devrev/pairdb/streamstate/internal/storage/memtable"
)

// MemoryStateStore is an ordered in-memory StateStore. Batches are applied
// under a single write lock, so readers never observe half of a batch.
type MemoryStateStore struct {
	mu   sync.RWMutex
	data *memtable.SkipList
}

// NewMemoryStateStore creates an empty store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		data: memtable.NewSkipList(),
	}
}

// Get retrieves the value stored under key
func (s *MemoryStateStore) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	value, found := s.data.Search(key)
	if !found {
		return nil, false, nil
	}
	return bytes.Clone(value), true, nil
}

// Scan returns up to limit pairs under prefix in key order
func (s *MemoryStateStore) Scan(ctx context.Context, prefix []byte, limit int) ([]KV, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.scanLocked(prefix, limit), nil
}

func (s *MemoryStateStore) scanLocked(prefix []byte, limit int) []KV {
	var pairs []KV
	it := s.data.Iterator()
	it.Seek(prefix)
	for it.Next() {
		if !bytes.HasPrefix(it.Key(), prefix) {
			break
		}
		pairs = append(pairs, KV{
			Key:   bytes.Clone(it.Key()),
			Value: bytes.Clone(it.Value()),
		})
		if limit > 0 && len(pairs) >= limit {
			break
		}
	}
	return pairs
}

// IngestBatch applies the writes atomically, in order
func (s *MemoryStateStore) IngestBatch(ctx context.Context, batch []Write) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.applyLocked(batch)
	return nil
}

func (s *MemoryStateStore) applyLocked(batch []Write) {
	for _, w := range batch {
		if w.IsDelete() {
			s.data.Delete(w.Key)
			continue
		}
		s.data.Insert(w.Key, w.Value)
	}
}

// Iter returns an iterator over a snapshot of the pairs under prefix taken
// at call time
func (s *MemoryStateStore) Iter(ctx context.Context, prefix []byte) (Iterator, error) {
	pairs, err := s.Scan(ctx, prefix, 0)
	if err != nil {
		return nil, err
	}
	return NewSliceIterator(pairs), nil
}

// Len returns the number of live keys.
func (s *MemoryStateStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Len()
}

// ApproximateBytes returns the summed size of all live keys and values.
func (s *MemoryStateStore) ApproximateBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.ApproximateBytes()
}
