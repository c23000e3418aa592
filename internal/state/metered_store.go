package state

import (
	"context"
	"time"

	"github.com/devrev/pairdb/streamstate/internal/metrics"
)

// MeteredStateStore records latency and outcome of every call on an
// underlying StateStore.
type MeteredStateStore struct {
	inner   StateStore
	metrics *metrics.Metrics
}

// NewMeteredStateStore wraps inner.
func NewMeteredStateStore(inner StateStore, m *metrics.Metrics) *MeteredStateStore {
	return &MeteredStateStore{inner: inner, metrics: m}
}

func (s *MeteredStateStore) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	start := time.Now()
	value, found, err := s.inner.Get(ctx, key)
	s.metrics.RecordStoreOp("get", time.Since(start).Seconds(), err)
	return value, found, err
}

func (s *MeteredStateStore) Scan(ctx context.Context, prefix []byte, limit int) ([]KV, error) {
	start := time.Now()
	pairs, err := s.inner.Scan(ctx, prefix, limit)
	s.metrics.RecordStoreOp("scan", time.Since(start).Seconds(), err)
	return pairs, err
}

func (s *MeteredStateStore) IngestBatch(ctx context.Context, batch []Write) error {
	start := time.Now()
	err := s.inner.IngestBatch(ctx, batch)
	s.metrics.RecordStoreOp("ingest_batch", time.Since(start).Seconds(), err)
	if err == nil {
		s.metrics.IngestBatchBytes.Observe(float64(batchBytes(batch)))
		if sized, ok := s.inner.(interface {
			Len() int
			ApproximateBytes() int64
		}); ok {
			s.metrics.UpdateStoreStats(sized.Len(), sized.ApproximateBytes())
		}
	}
	return err
}

func (s *MeteredStateStore) Iter(ctx context.Context, prefix []byte) (Iterator, error) {
	start := time.Now()
	it, err := s.inner.Iter(ctx, prefix)
	s.metrics.RecordStoreOp("iter", time.Since(start).Seconds(), err)
	return it, err
}

// Unwrap returns the decorated store.
func (s *MeteredStateStore) Unwrap() StateStore {
	return s.inner
}

func batchBytes(batch []Write) int {
	n := 0
	for _, w := range batch {
		n += len(w.Key) + len(w.Value)
	}
	return n
}
