package hummock

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/devrev/pairdb/streamstate/internal/epoch"
	"github.com/devrev/pairdb/streamstate/internal/errors"
	"github.com/devrev/pairdb/streamstate/internal/meta/model"
	"github.com/devrev/pairdb/streamstate/internal/meta/storage"
	"github.com/devrev/pairdb/streamstate/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyStore struct {
	*storage.MemStore
	txnErr error
}

func (s *flakyStore) Txn(ctx context.Context, trx *storage.Transaction) error {
	if s.txnErr != nil {
		return s.txnErr
	}
	return s.MemStore.Txn(ctx, trx)
}

func newManager(t *testing.T, store storage.MetaStore) (*SnapshotManager, *metrics.Metrics) {
	t.Helper()
	m := metrics.NewNopMetrics()
	sm, err := NewSnapshotManager(context.Background(), store, nil, m)
	require.NoError(t, err)
	return sm, m
}

func TestPinUnpinLifecycle(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	sm, m := newManager(t, store)

	require.NoError(t, sm.CommitEpoch(ctx, epoch.Epoch(100)))
	e1, err := sm.PinSnapshot(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, epoch.Epoch(100), e1)

	// same epoch pinned twice stays a single entry
	_, err = sm.PinSnapshot(ctx, 1)
	require.NoError(t, err)
	require.Len(t, sm.ListPinned(), 1)
	assert.Equal(t, []uint64{100}, sm.ListPinned()[0].SnapshotIDs)

	require.NoError(t, sm.CommitEpoch(ctx, epoch.Epoch(200)))
	e2, err := sm.PinSnapshot(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, epoch.Epoch(200), e2)

	assert.Equal(t, epoch.Epoch(100), sm.MinPinnedEpoch())
	assert.Equal(t, 100.0, testutil.ToFloat64(m.MinPinnedEpoch))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PinnedSnapshotsTotal))

	require.NoError(t, sm.UnpinSnapshot(ctx, 1, epoch.Epoch(999)))
	require.NoError(t, sm.UnpinSnapshot(ctx, 1, e1))
	assert.Equal(t, epoch.Epoch(200), sm.MinPinnedEpoch())

	// the emptied record is deleted, not stored empty
	kvs, err := store.ListCF(ctx, model.PinnedSnapshotCF)
	require.NoError(t, err)
	require.Len(t, kvs, 1)
	assert.Equal(t, model.EncodeContextRefID(2), kvs[0].Key)

	require.NoError(t, sm.ReleaseContext(ctx, 2))
	assert.Empty(t, sm.ListPinned())
	assert.Equal(t, epoch.Epoch(200), sm.MinPinnedEpoch())
	kvs, err = store.ListCF(ctx, model.PinnedSnapshotCF)
	require.NoError(t, err)
	assert.Empty(t, kvs)
}

func TestCommitEpochMustAdvance(t *testing.T) {
	ctx := context.Background()
	sm, _ := newManager(t, storage.NewMemStore())

	require.NoError(t, sm.CommitEpoch(ctx, epoch.Epoch(10)))
	err := sm.CommitEpoch(ctx, epoch.Epoch(10))
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))
	assert.Equal(t, epoch.Epoch(10), sm.MaxCommittedEpoch())
}

func TestStateSurvivesReload(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	sm, _ := newManager(t, store)

	require.NoError(t, sm.CommitEpoch(ctx, epoch.Epoch(1<<20)))
	_, err := sm.PinSnapshot(ctx, 7)
	require.NoError(t, err)

	reloaded, _ := newManager(t, store)
	assert.Equal(t, epoch.Epoch(1<<20), reloaded.MaxCommittedEpoch())
	pinned := reloaded.ListPinned()
	require.Len(t, pinned, 1)
	assert.Equal(t, uint32(7), pinned[0].ContextID)
	assert.Equal(t, []uint64{1 << 20}, pinned[0].SnapshotIDs)
}

func TestFailedCommitLeavesMemoryUnchanged(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{MemStore: storage.NewMemStore()}
	sm, _ := newManager(t, store)

	require.NoError(t, sm.CommitEpoch(ctx, epoch.Epoch(5)))
	_, err := sm.PinSnapshot(ctx, 1)
	require.NoError(t, err)

	cause := stderrors.New("meta store down")
	store.txnErr = cause

	_, err = sm.PinSnapshot(ctx, 2)
	assert.ErrorIs(t, err, cause)
	err = sm.UnpinSnapshot(ctx, 1, epoch.Epoch(5))
	assert.ErrorIs(t, err, cause)

	pinned := sm.ListPinned()
	require.Len(t, pinned, 1)
	assert.Equal(t, uint32(1), pinned[0].ContextID)
	assert.Equal(t, []uint64{5}, pinned[0].SnapshotIDs)
}
