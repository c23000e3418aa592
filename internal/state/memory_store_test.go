package state

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func keysOf(pairs []KV) []string {
	keys := make([]string, 0, len(pairs))
	for _, kv := range pairs {
		keys = append(keys, string(kv.Key))
	}
	return keys
}

func TestMemoryStateStore_GetAndScan(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStateStore()

	var batch WriteBatch
	batch.Put([]byte("a/2"), []byte("two"))
	batch.Put([]byte("a/1"), []byte("one"))
	batch.Put([]byte("b/1"), []byte("other"))
	batch.Put([]byte("a/3"), nil)
	require.NoError(t, s.IngestBatch(ctx, batch))

	v, ok, err := s.Get(ctx, []byte("a/1"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("one"), v)

	// empty value is a present value, not a delete
	v, ok, err = s.Get(ctx, []byte("a/3"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, v)

	_, ok, err = s.Get(ctx, []byte("missing"))
	require.NoError(t, err)
	assert.False(t, ok)

	pairs, err := s.Scan(ctx, []byte("a/"), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a/1", "a/2", "a/3"}, keysOf(pairs))

	pairs, err = s.Scan(ctx, []byte("a/"), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a/1", "a/2"}, keysOf(pairs))

	pairs, err = s.Scan(ctx, []byte("c/"), 0)
	require.NoError(t, err)
	assert.Empty(t, pairs)
}

func TestMemoryStateStore_BatchWithDeletes(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStateStore()

	var first WriteBatch
	first.Put([]byte("k1"), []byte("v1"))
	first.Put([]byte("k2"), []byte("v2"))
	require.NoError(t, s.IngestBatch(ctx, first))

	var second WriteBatch
	second.Delete([]byte("k1"))
	second.Put([]byte("k2"), []byte("v2b"))
	second.Delete([]byte("never-written"))
	require.NoError(t, s.IngestBatch(ctx, second))

	_, ok, err := s.Get(ctx, []byte("k1"))
	require.NoError(t, err)
	assert.False(t, ok)

	v, _, err := s.Get(ctx, []byte("k2"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v2b"), v)
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, int64(len("k2")+len("v2b")), s.ApproximateBytes())
}

func TestMemoryStateStore_ReturnedValuesAreCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStateStore()
	require.NoError(t, s.IngestBatch(ctx, []Write{{Key: []byte("k"), Value: []byte("abc")}}))

	v, _, err := s.Get(ctx, []byte("k"))
	require.NoError(t, err)
	v[0] = 'z'

	again, _, err := s.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again)
}

func TestMemoryStateStore_Iter(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStateStore()
	require.NoError(t, s.IngestBatch(ctx, []Write{
		{Key: []byte("p/b"), Value: []byte("2")},
		{Key: []byte("p/a"), Value: []byte("1")},
		{Key: []byte("q/a"), Value: []byte("3")},
	}))

	it, err := s.Iter(ctx, []byte("p/"))
	require.NoError(t, err)
	defer it.Close()

	var got []string
	for it.Next() {
		got = append(got, string(it.Key())+"="+string(it.Value()))
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []string{"p/a=1", "p/b=2"}, got)
	assert.False(t, it.Next())
	assert.Nil(t, it.Key())
}

func TestMemoryStateStore_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewMemoryStateStore()
	_, _, err := s.Get(ctx, []byte("k"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, s.IngestBatch(ctx, []Write{{Key: []byte("k"), Value: []byte("v")}}), context.Canceled)
	assert.Equal(t, 0, s.Len())
}

func TestPrefixUpperBound(t *testing.T) {
	tests := []struct {
		name   string
		prefix []byte
		want   []byte
	}{
		{name: "simple", prefix: []byte("ab"), want: []byte("ac")},
		{name: "trailing ff", prefix: []byte{0x01, 0xFF}, want: []byte{0x02}},
		{name: "all ff", prefix: []byte{0xFF, 0xFF}, want: nil},
		{name: "empty", prefix: nil, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PrefixUpperBound(tt.prefix))
		})
	}
}

func TestPrefixUpperBound_DoesNotAliasInput(t *testing.T) {
	prefix := []byte("ab")
	_ = PrefixUpperBound(prefix)
	assert.Equal(t, []byte("ab"), prefix)
}
