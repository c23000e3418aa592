package managedstate

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/devrev/pairdb/streamstate/internal/errors"
	"github.com/devrev/pairdb/streamstate/internal/state"
	"github.com/devrev/pairdb/streamstate/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingStore captures every ingested batch and can be told to fail.
type recordingStore struct {
	*state.MemoryStateStore
	batches [][]state.Write
	failErr error
}

func newRecordingStore() *recordingStore {
	return &recordingStore{MemoryStateStore: state.NewMemoryStateStore()}
}

func (s *recordingStore) IngestBatch(ctx context.Context, batch []state.Write) error {
	if s.failErr != nil {
		return s.failErr
	}
	s.batches = append(s.batches, batch)
	return s.MemoryStateStore.IngestBatch(ctx, batch)
}

func twoIntSchema() types.Schema {
	return types.NewSchema(types.Int32, types.Int32)
}

func pk(v int32) types.Row {
	return types.Row{v}
}

func row(v int32) types.Row {
	return types.Row{v, v * 11}
}

func TestManagedMViewState_CellCount(t *testing.T) {
	ctx := context.Background()
	store := newRecordingStore()
	prefix := []byte("test-prefix-42")
	s := NewManagedMViewState(prefix, twoIntSchema(), []int{0}, store)

	require.NoError(t, s.Put(pk(1), row(1)))
	require.NoError(t, s.Put(pk(2), row(2)))
	require.NoError(t, s.Put(pk(3), row(3)))
	require.NoError(t, s.Delete(pk(2)))
	assert.Equal(t, 3, s.Len())

	require.NoError(t, s.Flush(ctx))
	assert.Equal(t, 0, s.Len())
	data, err := store.Scan(ctx, prefix, 0)
	require.NoError(t, err)
	assert.Len(t, data, 4)

	require.NoError(t, s.Delete(pk(3)))
	require.NoError(t, s.Flush(ctx))
	data, err = store.Scan(ctx, prefix, 0)
	require.NoError(t, err)
	assert.Len(t, data, 2)
}

func TestManagedMViewState_PutThenDeleteEmitsOnlyDeletes(t *testing.T) {
	ctx := context.Background()
	store := newRecordingStore()
	s := NewManagedMViewState([]byte("mv"), twoIntSchema(), []int{0}, store)

	require.NoError(t, s.Put(pk(7), row(7)))
	require.NoError(t, s.Delete(pk(7)))
	require.NoError(t, s.Flush(ctx))

	require.Len(t, store.batches, 1)
	batch := store.batches[0]
	require.Len(t, batch, 2)
	for _, w := range batch {
		assert.True(t, w.IsDelete(), "key %x should be a delete", w.Key)
	}
}

func TestManagedMViewState_LastPutWins(t *testing.T) {
	ctx := context.Background()
	store := newRecordingStore()
	s := NewManagedMViewState([]byte("mv"), twoIntSchema(), []int{0}, store)

	require.NoError(t, s.Put(pk(1), types.Row{int32(1), int32(100)}))
	require.NoError(t, s.Put(pk(1), types.Row{int32(1), int32(200)}))
	assert.Equal(t, 1, s.Len())
	require.NoError(t, s.Flush(ctx))

	got, ok, err := s.Get(ctx, pk(1))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.Row{int32(1), int32(200)}, got)
}

func TestManagedMViewState_ReusedBuffers(t *testing.T) {
	ctx := context.Background()
	s := NewManagedMViewState([]byte("mv"), twoIntSchema(), []int{0}, newRecordingStore())

	key := types.Row{int32(1)}
	buf := types.Row{int32(1), int32(100)}
	require.NoError(t, s.Put(key, buf))
	key[0], buf[0], buf[1] = int32(2), int32(2), int32(200)
	require.NoError(t, s.Put(key, buf))
	key[0] = int32(3)
	require.NoError(t, s.Delete(key))
	key[0] = int32(9)
	require.NoError(t, s.Flush(ctx))

	got, ok, err := s.Get(ctx, pk(1))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.Row{int32(1), int32(100)}, got)

	got, ok, err = s.Get(ctx, pk(2))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.Row{int32(2), int32(200)}, got)
}

func TestManagedMViewState_GetReadsPendingThenStore(t *testing.T) {
	ctx := context.Background()
	store := newRecordingStore()
	schema := types.Schema{Fields: []types.Field{
		{Name: "id", Type: types.Int64},
		{Name: "name", Type: types.Varchar},
		{Name: "score", Type: types.Float64},
	}}
	s := NewManagedMViewState([]byte("mv/users"), schema, []int{0}, store)

	alice := types.Row{int64(1), "alice", nil}
	require.NoError(t, s.Put(types.Row{int64(1)}, alice))

	got, ok, err := s.Get(ctx, types.Row{int64(1)})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, alice, got)
	assert.Empty(t, store.batches)

	require.NoError(t, s.Flush(ctx))
	got, ok, err = s.Get(ctx, types.Row{int64(1)})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, alice, got)

	require.NoError(t, s.Delete(types.Row{int64(1)}))
	_, ok, err = s.Get(ctx, types.Row{int64(1)})
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.Get(ctx, types.Row{int64(2)})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestManagedMViewState_FlushFailureRestoresMemtable(t *testing.T) {
	ctx := context.Background()
	store := newRecordingStore()
	s := NewManagedMViewState([]byte("mv"), twoIntSchema(), []int{0}, store)

	require.NoError(t, s.Put(pk(1), row(1)))
	require.NoError(t, s.Put(pk(2), row(2)))

	cause := stderrors.New("store unavailable")
	store.failErr = cause
	err := s.Flush(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.True(t, errors.Is(err, errors.ErrCodeStore))
	assert.Equal(t, 2, s.Len())

	store.failErr = nil
	require.NoError(t, s.Flush(ctx))
	assert.Equal(t, 0, s.Len())
	data, err := store.Scan(ctx, []byte("mv"), 0)
	require.NoError(t, err)
	assert.Len(t, data, 4)
}

func TestManagedMViewState_RejectsBadShapes(t *testing.T) {
	s := NewManagedMViewState([]byte("mv"), twoIntSchema(), []int{0}, newRecordingStore())

	err := s.Put(pk(1), types.Row{int32(1)})
	assert.Equal(t, errors.ErrCodeInvariant, errors.GetCode(err))

	err = s.Put(types.Row{int32(1), int32(2)}, row(1))
	assert.Equal(t, errors.ErrCodeInvariant, errors.GetCode(err))

	err = s.Put(pk(1), types.Row{int32(1), "x"})
	assert.Equal(t, errors.ErrCodeEncoding, errors.GetCode(err))

	err = s.Delete(types.Row{"not-an-int"})
	assert.Equal(t, errors.ErrCodeEncoding, errors.GetCode(err))
	assert.Equal(t, 0, s.Len())
}

func TestManagedMViewState_EmptyFlushIsNoop(t *testing.T) {
	store := newRecordingStore()
	s := NewManagedMViewState([]byte("mv"), twoIntSchema(), []int{0}, store)
	require.NoError(t, s.Flush(context.Background()))
	assert.Empty(t, store.batches)
}
