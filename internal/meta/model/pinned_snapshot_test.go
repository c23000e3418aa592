package model

import (
	"context"
	"testing"

	"github.com/devrev/pairdb/streamstate/internal/errors"
	"github.com/devrev/pairdb/streamstate/internal/meta/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestPinIsIdempotent(t *testing.T) {
	p := &HummockContextPinnedSnapshot{ContextID: 1}
	p.PinSnapshot(100)
	p.PinSnapshot(100)
	assert.Equal(t, []uint64{100}, p.SnapshotIDs)

	p.PinSnapshot(200)
	assert.ElementsMatch(t, []uint64{100, 200}, p.SnapshotIDs)
}

func TestUnpinMissingIsNoop(t *testing.T) {
	p := &HummockContextPinnedSnapshot{ContextID: 1, SnapshotIDs: []uint64{5, 9}}
	p.UnpinSnapshot(7)
	assert.Equal(t, []uint64{5, 9}, p.SnapshotIDs)

	p.UnpinSnapshot(5)
	assert.Equal(t, []uint64{9}, p.SnapshotIDs)
}

func TestUpdateStagesDeleteWhenEmpty(t *testing.T) {
	p := &HummockContextPinnedSnapshot{ContextID: 3}
	p.PinSnapshot(42)

	trx := storage.NewTransaction()
	p.Update(trx)
	require.Len(t, trx.Operations(), 1)
	assert.Equal(t, storage.OpPut, trx.Operations()[0].Kind)

	p.UnpinSnapshot(42)
	trx = storage.NewTransaction()
	p.Update(trx)
	require.Len(t, trx.Operations(), 1)
	op := trx.Operations()[0]
	assert.Equal(t, storage.OpDelete, op.Kind)
	assert.Equal(t, p.StoreKey(), op.Key)
}

func TestUpdateCommitsThroughMetaStore(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()

	p := &HummockContextPinnedSnapshot{ContextID: 8}
	p.PinSnapshot(1 << 20)
	p.PinSnapshot(1 << 21)
	trx := storage.NewTransaction()
	p.Update(trx)
	require.NoError(t, store.Txn(ctx, trx))

	kvs, err := store.ListCF(ctx, PinnedSnapshotCF)
	require.NoError(t, err)
	require.Len(t, kvs, 1)
	assert.Equal(t, EncodeContextRefID(8), kvs[0].Key)

	got, err := UnmarshalPinnedSnapshot(kvs[0].Value)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	p.UnpinSnapshot(1 << 20)
	p.UnpinSnapshot(1 << 21)
	trx = storage.NewTransaction()
	p.Update(trx)
	require.NoError(t, store.Txn(ctx, trx))

	kvs, err = store.ListCF(ctx, PinnedSnapshotCF)
	require.NoError(t, err)
	assert.Empty(t, kvs)
}

func TestMarshalWireFormat(t *testing.T) {
	p := &HummockContextPinnedSnapshot{ContextID: 1, SnapshotIDs: []uint64{1, 300}}
	// field 1 varint 1; field 2 packed [1, 300]
	assert.Equal(t, []byte{0x08, 0x01, 0x12, 0x03, 0x01, 0xAC, 0x02}, p.Marshal())
	assert.Empty(t, (&HummockContextPinnedSnapshot{}).Marshal())
}

func TestUnmarshalAcceptsUnpackedAndUnknownFields(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, 4)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, 10)
	b = protowire.AppendTag(b, 9, protowire.BytesType)
	b = protowire.AppendString(b, "future field")
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, 11)

	p, err := UnmarshalPinnedSnapshot(b)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), p.ContextID)
	assert.Equal(t, []uint64{10, 11}, p.SnapshotIDs)
}

func TestUnmarshalRejectsTruncated(t *testing.T) {
	_, err := UnmarshalPinnedSnapshot([]byte{0x12, 0x05, 0x01})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeEncoding))
}

func TestMin(t *testing.T) {
	_, ok := (&HummockContextPinnedSnapshot{}).Min()
	assert.False(t, ok)

	m, ok := (&HummockContextPinnedSnapshot{SnapshotIDs: []uint64{9, 3, 7}}).Min()
	assert.True(t, ok)
	assert.Equal(t, uint64(3), m)
}
