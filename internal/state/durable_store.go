package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/devrev/pairdb/streamstate/internal/errors"
	"github.com/devrev/pairdb/streamstate/internal/storage/commitlog"
	"go.uber.org/zap"
)

// DurableStateStore is a MemoryStateStore whose batches are first appended to
// a commit log. Reopening the same directory replays the log, so committed
// batches survive restarts.
type DurableStateStore struct {
	*MemoryStateStore

	log    *commitlog.CommitLog
	guard  WriteGuard
	logger *zap.Logger
	mu     sync.Mutex
}

// WriteGuard admits or rejects a logged write of the given size, e.g. when
// the log's filesystem is full.
type WriteGuard interface {
	CheckBeforeWrite(estimatedBytes uint64) error
}

// batchRecord is the commit log payload for one ingested batch.
type batchRecord struct {
	Writes []Write `json:"writes"`
}

// OpenDurableStateStore opens (or creates) a durable store in dataDir and
// replays any batches already logged there.
func OpenDurableStateStore(ctx context.Context, cfg *commitlog.Config, dataDir string, logger *zap.Logger) (*DurableStateStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	log, err := commitlog.Open(cfg, dataDir, logger)
	if err != nil {
		return nil, err
	}

	s := &DurableStateStore{
		MemoryStateStore: NewMemoryStateStore(),
		log:              log,
		logger:           logger,
	}

	recovered, err := log.Replay(ctx, func(payload []byte) error {
		var rec batchRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return fmt.Errorf("failed to decode logged batch: %w", err)
		}
		s.MemoryStateStore.applyLocked(rec.Writes)
		return nil
	})
	if err != nil {
		log.Close()
		return nil, err
	}

	logger.Info("Durable state store opened",
		zap.String("dir", dataDir),
		zap.Int("batches_replayed", recovered),
		zap.Int("keys", s.Len()))
	return s, nil
}

// IngestBatch logs the batch and then applies it atomically
func (s *DurableStateStore) IngestBatch(ctx context.Context, batch []Write) error {
	payload, err := json.Marshal(batchRecord{Writes: batch})
	if err != nil {
		return fmt.Errorf("failed to encode batch: %w", err)
	}

	// log order must equal apply order
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.guard != nil {
		if err := s.guard.CheckBeforeWrite(uint64(len(payload))); err != nil {
			return errors.Store("ingest_batch", err)
		}
	}
	if err := s.log.Append(ctx, payload); err != nil {
		return err
	}

	s.logger.Debug("Batch logged", zap.Int("writes", len(batch)), zap.Int("bytes", len(payload)))

	s.MemoryStateStore.mu.Lock()
	s.MemoryStateStore.applyLocked(batch)
	s.MemoryStateStore.mu.Unlock()
	return nil
}

// SetWriteGuard installs g in front of every logged batch.
func (s *DurableStateStore) SetWriteGuard(g WriteGuard) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guard = g
}

// Close closes the commit log.
func (s *DurableStateStore) Close() error {
	return s.log.Close()
}
