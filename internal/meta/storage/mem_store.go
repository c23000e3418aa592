package storage

import (
	"bytes"
	"context"
	"sort"
	"sync"
)

// MemStore is an in-process MetaStore.
type MemStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

func (s *MemStore) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.data[string(key)]
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(v), true, nil
}

func (s *MemStore) ListCF(ctx context.Context, cf string) ([]KV, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []KV
	for k, v := range s.data {
		if len(k) >= len(cf) && k[:len(cf)] == cf {
			out = append(out, KV{Key: []byte(k[len(cf):]), Value: bytes.Clone(v)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Key, out[j].Key) < 0 })
	return out, nil
}

func (s *MemStore) Txn(ctx context.Context, trx *Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cond := range conditions(trx) {
		current, found := s.data[string(cond.Key)]
		if !cond.holds(current, found) {
			return ErrConditionFailed
		}
	}
	for _, op := range trx.ops {
		switch op.Kind {
		case OpPut:
			s.data[string(op.Key)] = bytes.Clone(op.Value)
		case OpDelete:
			delete(s.data, string(op.Key))
		}
	}
	return nil
}

func (s *MemStore) Close() error {
	return nil
}
