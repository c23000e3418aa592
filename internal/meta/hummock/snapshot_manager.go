// Package hummock tracks committed epochs and the snapshots readers pin on
// them, and derives the epoch below which old versions may be reclaimed.
package hummock

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/devrev/pairdb/streamstate/internal/epoch"
	"github.com/devrev/pairdb/streamstate/internal/errors"
	"github.com/devrev/pairdb/streamstate/internal/meta/model"
	"github.com/devrev/pairdb/streamstate/internal/meta/storage"
	"github.com/devrev/pairdb/streamstate/internal/metrics"
	"go.uber.org/zap"
)

// committedEpochCF holds the single max committed epoch record.
const committedEpochCF = "cf/hummock_max_committed_epoch"

// SnapshotManager owns the pinned snapshot records of all contexts. Every
// change is committed to the meta store before the in-memory view is
// updated, so a failed commit leaves both unchanged.
type SnapshotManager struct {
	store   storage.MetaStore
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu                sync.Mutex
	maxCommittedEpoch epoch.Epoch
	pinned            map[uint32]*model.HummockContextPinnedSnapshot
}

// NewSnapshotManager loads persisted state from store.
func NewSnapshotManager(ctx context.Context, store storage.MetaStore, logger *zap.Logger, m *metrics.Metrics) (*SnapshotManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNopMetrics()
	}

	sm := &SnapshotManager{
		store:   store,
		logger:  logger,
		metrics: m,
		pinned:  make(map[uint32]*model.HummockContextPinnedSnapshot),
	}

	raw, found, err := store.Get(ctx, committedEpochKey())
	if err != nil {
		return nil, err
	}
	if found {
		if len(raw) != 8 {
			return nil, errors.CorruptedData(fmt.Sprintf("committed epoch record has %d bytes", len(raw)), nil)
		}
		sm.maxCommittedEpoch = epoch.Epoch(binary.BigEndian.Uint64(raw))
	}

	kvs, err := store.ListCF(ctx, model.PinnedSnapshotCF)
	if err != nil {
		return nil, err
	}
	for _, kv := range kvs {
		rec, err := model.UnmarshalPinnedSnapshot(kv.Value)
		if err != nil {
			return nil, err
		}
		sm.pinned[rec.ContextID] = rec
	}

	sm.updateGaugesLocked()
	logger.Info("Snapshot manager loaded",
		zap.Stringer("max_committed_epoch", sm.maxCommittedEpoch),
		zap.Int("contexts", len(sm.pinned)))
	return sm, nil
}

func committedEpochKey() []byte {
	return storage.PrefixKeyWithCF(nil, committedEpochCF)
}

// CommitEpoch advances the max committed epoch. Epochs must strictly
// increase.
func (m *SnapshotManager) CommitEpoch(ctx context.Context, e epoch.Epoch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e <= m.maxCommittedEpoch {
		return errors.InvalidArgument(
			fmt.Sprintf("epoch %s does not advance committed epoch %s", e, m.maxCommittedEpoch), nil)
	}

	trx := storage.NewTransaction()
	trx.AddOperations(storage.Put(committedEpochKey(), binary.BigEndian.AppendUint64(nil, uint64(e)), nil))
	if err := m.store.Txn(ctx, trx); err != nil {
		return err
	}

	m.maxCommittedEpoch = e
	m.updateGaugesLocked()
	m.logger.Debug("Epoch committed", zap.Stringer("epoch", e))
	return nil
}

// MaxCommittedEpoch returns the latest committed epoch.
func (m *SnapshotManager) MaxCommittedEpoch() epoch.Epoch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxCommittedEpoch
}

// PinSnapshot pins the latest committed epoch for contextID and returns it.
func (m *SnapshotManager) PinSnapshot(ctx context.Context, contextID uint32) (epoch.Epoch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.maxCommittedEpoch
	rec := m.recordLocked(contextID)
	rec.PinSnapshot(uint64(e))
	if err := m.commitLocked(ctx, rec); err != nil {
		return 0, err
	}

	m.metrics.RecordPinOp("pin")
	return e, nil
}

// UnpinSnapshot releases one pinned epoch of contextID. Unpinning an epoch
// that is not pinned succeeds without changes.
func (m *SnapshotManager) UnpinSnapshot(ctx context.Context, contextID uint32, e epoch.Epoch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.pinned[contextID]
	if !ok {
		return nil
	}
	rec := clone(current)
	rec.UnpinSnapshot(uint64(e))
	if len(rec.SnapshotIDs) == len(current.SnapshotIDs) {
		return nil
	}
	if err := m.commitLocked(ctx, rec); err != nil {
		return err
	}

	m.metrics.RecordPinOp("unpin")
	return nil
}

// ReleaseContext drops every pin of contextID, e.g. when the context is
// deregistered.
func (m *SnapshotManager) ReleaseContext(ctx context.Context, contextID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pinned[contextID]; !ok {
		return nil
	}
	rec := &model.HummockContextPinnedSnapshot{ContextID: contextID}
	if err := m.commitLocked(ctx, rec); err != nil {
		return err
	}
	m.logger.Info("Released context pins", zap.Uint32("context_id", contextID))
	return nil
}

// MinPinnedEpoch returns the oldest epoch any context still reads, or the
// max committed epoch when nothing is pinned. Versions older than it may be
// reclaimed.
func (m *SnapshotManager) MinPinnedEpoch() epoch.Epoch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.minPinnedLocked()
}

func (m *SnapshotManager) minPinnedLocked() epoch.Epoch {
	low := m.maxCommittedEpoch
	for _, rec := range m.pinned {
		if e, ok := rec.Min(); ok && epoch.Epoch(e) < low {
			low = epoch.Epoch(e)
		}
	}
	return low
}

// ListPinned returns copies of all records ordered by context id.
func (m *SnapshotManager) ListPinned() []model.HummockContextPinnedSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.HummockContextPinnedSnapshot, 0, len(m.pinned))
	for _, rec := range m.pinned {
		out = append(out, *clone(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContextID < out[j].ContextID })
	return out
}

// recordLocked returns a copy of the record of contextID, or a new one.
func (m *SnapshotManager) recordLocked(contextID uint32) *model.HummockContextPinnedSnapshot {
	if rec, ok := m.pinned[contextID]; ok {
		return clone(rec)
	}
	return &model.HummockContextPinnedSnapshot{ContextID: contextID}
}

// commitLocked persists rec and then installs it in memory.
func (m *SnapshotManager) commitLocked(ctx context.Context, rec *model.HummockContextPinnedSnapshot) error {
	trx := storage.NewTransaction()
	rec.Update(trx)
	if err := m.store.Txn(ctx, trx); err != nil {
		return err
	}

	if len(rec.SnapshotIDs) == 0 {
		delete(m.pinned, rec.ContextID)
	} else {
		m.pinned[rec.ContextID] = rec
	}
	m.updateGaugesLocked()
	return nil
}

func (m *SnapshotManager) updateGaugesLocked() {
	total := 0
	for _, rec := range m.pinned {
		total += len(rec.SnapshotIDs)
	}
	m.metrics.UpdatePinnedStats(total, uint64(m.minPinnedLocked()))
}

func clone(rec *model.HummockContextPinnedSnapshot) *model.HummockContextPinnedSnapshot {
	return &model.HummockContextPinnedSnapshot{
		ContextID:   rec.ContextID,
		SnapshotIDs: append([]uint64(nil), rec.SnapshotIDs...),
	}
}
