package checkpoint

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devrev/pairdb/streamstate/internal/aggregation"
	"github.com/devrev/pairdb/streamstate/internal/epoch"
	"github.com/devrev/pairdb/streamstate/internal/keyspace"
	"github.com/devrev/pairdb/streamstate/internal/managedstate"
	"github.com/devrev/pairdb/streamstate/internal/meta/hummock"
	"github.com/devrev/pairdb/streamstate/internal/meta/storage"
	"github.com/devrev/pairdb/streamstate/internal/metrics"
	"github.com/devrev/pairdb/streamstate/internal/state"
	"github.com/devrev/pairdb/streamstate/internal/types"
	"github.com/devrev/pairdb/streamstate/internal/util/workerpool"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingStore rejects batches while fail is set.
type failingStore struct {
	*state.MemoryStateStore
	fail    atomic.Bool
	ingests atomic.Int32
}

func (s *failingStore) IngestBatch(ctx context.Context, batch []state.Write) error {
	s.ingests.Add(1)
	if s.fail.Load() {
		return stderrors.New("disk full")
	}
	return s.MemoryStateStore.IngestBatch(ctx, batch)
}

func testConfig() *Config {
	return &Config{Workers: 1, QueueSize: 4}
}

func countCall() aggregation.AggCall {
	return aggregation.AggCall{
		Kind:       aggregation.RowCount,
		Args:       aggregation.NoArgs(),
		ReturnType: types.Int64,
	}
}

func newValueState(t *testing.T, store state.StateStore, prefix string) *managedstate.ManagedValueState {
	t.Helper()
	s, err := managedstate.NewManagedValueState(context.Background(), countCall(), keyspace.New(store, []byte(prefix)))
	require.NoError(t, err)
	return s
}

func insertRows(t *testing.T, s *managedstate.ManagedValueState, n int) {
	t.Helper()
	ops := make([]types.Op, n)
	for i := range ops {
		ops[i] = types.OpInsert
	}
	require.NoError(t, s.ApplyBatch(ops, nil, nil))
}

func TestCheckpoint_FlushesAllState(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStateStore()
	m := metrics.NewNopMetrics()
	sm, err := hummock.NewSnapshotManager(ctx, storage.NewMemStore(), nil, m)
	require.NoError(t, err)

	c := NewCoordinator(testConfig(), epoch.NewMemGenerator(), store, sm, nil, m)
	defer c.pool.Stop(time.Second)

	agg := newValueState(t, store, "agg-1")
	insertRows(t, agg, 3)
	require.NoError(t, c.RegisterValueState("agg-1", agg))

	schema := types.NewSchema(types.Int32, types.Varchar)
	mv := managedstate.NewManagedMViewState([]byte("mv-1"), schema, []int{0}, store)
	require.NoError(t, mv.Put(types.Row{int32(1)}, types.Row{int32(1), "one"}))
	require.NoError(t, mv.Put(types.Row{int32(2)}, types.Row{int32(2), "two"}))
	require.NoError(t, c.RegisterMViewState("mv-1", mv))

	e, err := c.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, e, c.LastEpoch())
	assert.Equal(t, e, sm.MaxCommittedEpoch())

	assert.False(t, agg.IsDirty())
	assert.Equal(t, 0, mv.Len())

	reloaded := newValueState(t, store, "agg-1")
	out, err := reloaded.GetOutput()
	require.NoError(t, err)
	assert.Equal(t, int64(3), out)

	row, found, err := mv.Get(ctx, types.Row{int32(2)})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, types.Row{int32(2), "two"}, row)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CheckpointsTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AggStatesFlushedTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MViewRowsFlushedTotal))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.MViewCellsFlushedTotal))
}

func TestCheckpoint_EpochsAdvance(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(testConfig(), epoch.NewMemGenerator(), state.NewMemoryStateStore(), nil, nil, nil)
	defer c.pool.Stop(time.Second)

	first, err := c.Checkpoint(ctx)
	require.NoError(t, err)
	second, err := c.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Greater(t, second, first)
}

func TestCheckpoint_CleanStatesAreSkipped(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{MemoryStateStore: state.NewMemoryStateStore()}
	c := NewCoordinator(testConfig(), epoch.NewMemGenerator(), store, nil, nil, nil)
	defer c.pool.Stop(time.Second)

	require.NoError(t, c.RegisterValueState("agg", newValueState(t, store, "agg")))
	_, err := c.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(0), store.ingests.Load())
}

func TestCheckpoint_FailedIngestKeepsStatesDirty(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{MemoryStateStore: state.NewMemoryStateStore()}
	m := metrics.NewNopMetrics()
	c := NewCoordinator(testConfig(), epoch.NewMemGenerator(), store, nil, nil, m)
	defer c.pool.Stop(time.Second)

	a := newValueState(t, store, "agg-a")
	b := newValueState(t, store, "agg-b")
	insertRows(t, a, 1)
	insertRows(t, b, 2)
	require.NoError(t, c.RegisterValueState("agg-a", a))
	require.NoError(t, c.RegisterValueState("agg-b", b))

	store.fail.Store(true)
	_, err := c.Checkpoint(ctx)
	require.Error(t, err)
	assert.True(t, a.IsDirty())
	assert.True(t, b.IsDirty())
	assert.Equal(t, 0, store.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CheckpointsTotal.WithLabelValues("failed")))

	// the retry writes both values in a single batch
	store.fail.Store(false)
	_, err = c.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, store.Len())
	assert.Equal(t, int32(2), store.ingests.Load())
}

func TestCheckpoint_MViewFailureIsReturned(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{MemoryStateStore: state.NewMemoryStateStore()}
	c := NewCoordinator(testConfig(), epoch.NewMemGenerator(), store, nil, nil, nil)
	defer c.pool.Stop(time.Second)

	mv := managedstate.NewManagedMViewState([]byte("mv"), types.NewSchema(types.Int64), []int{0}, store)
	require.NoError(t, mv.Put(types.Row{int64(7)}, types.Row{int64(7)}))
	require.NoError(t, c.RegisterMViewState("mv", mv))

	store.fail.Store(true)
	_, err := c.Checkpoint(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `mview state "mv"`)
	assert.Equal(t, 1, mv.Len())
}

func TestRegister_RejectsDuplicates(t *testing.T) {
	store := state.NewMemoryStateStore()
	c := NewCoordinator(testConfig(), epoch.NewMemGenerator(), store, nil, nil, nil)
	defer c.pool.Stop(time.Second)

	require.NoError(t, c.RegisterValueState("x", newValueState(t, store, "x")))
	assert.Error(t, c.RegisterValueState("x", newValueState(t, store, "x")))

	c.Unregister("x")
	assert.NoError(t, c.RegisterValueState("x", newValueState(t, store, "x")))
}

func TestTriggerAsync(t *testing.T) {
	store := state.NewMemoryStateStore()
	c := NewCoordinator(testConfig(), epoch.NewMemGenerator(), store, nil, nil, nil)
	defer c.pool.Stop(time.Second)

	agg := newValueState(t, store, "agg")
	insertRows(t, agg, 5)
	require.NoError(t, c.RegisterValueState("agg", agg))

	done, err := c.TriggerAsync()
	require.NoError(t, err)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("checkpoint did not complete")
	}
	assert.False(t, agg.IsDirty())
	assert.NotZero(t, c.LastEpoch())
}

func TestStartStop_RunsFinalCheckpoint(t *testing.T) {
	store := state.NewMemoryStateStore()
	cfg := testConfig()
	cfg.Interval = time.Hour
	c := NewCoordinator(cfg, epoch.NewMemGenerator(), store, nil, nil, nil)

	agg := newValueState(t, store, "agg")
	insertRows(t, agg, 1)
	require.NoError(t, c.RegisterValueState("agg", agg))

	c.Start()
	require.NoError(t, c.Stop(context.Background()))
	assert.False(t, agg.IsDirty())
	assert.Equal(t, 1, store.Len())
}

func TestStop_FailsQueuedCheckpointsAndIsIdempotent(t *testing.T) {
	store := state.NewMemoryStateStore()
	c := NewCoordinator(testConfig(), epoch.NewMemGenerator(), store, nil, nil, nil)

	agg := newValueState(t, store, "agg")
	insertRows(t, agg, 2)
	require.NoError(t, c.RegisterValueState("agg", agg))

	// occupy the only worker so the triggered checkpoint stays queued
	started := make(chan struct{})
	require.NoError(t, c.pool.Submit(workerpool.Task{ID: "busy", Fn: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return nil
	}}))
	<-started

	done, err := c.TriggerAsync()
	require.NoError(t, err)

	require.NoError(t, c.Stop(context.Background()))
	select {
	case err := <-done:
		assert.ErrorIs(t, err, workerpool.ErrStopped)
	case <-time.After(5 * time.Second):
		t.Fatal("queued checkpoint never reported")
	}
	assert.False(t, agg.IsDirty())
	assert.NoError(t, c.Stop(context.Background()))

	_, err = c.TriggerAsync()
	assert.Error(t, err)
}
