package storage

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// metaStoreContract runs the behaviour every MetaStore must share.
func metaStoreContract(t *testing.T, s MetaStore) {
	ctx := context.Background()

	t.Run("put get delete", func(t *testing.T) {
		key := PrefixKeyWithCF([]byte("k1"), "cf/a")

		trx := NewTransaction()
		trx.AddOperations(Put(key, []byte("v1"), nil))
		require.NoError(t, s.Txn(ctx, trx))

		v, ok, err := s.Get(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, []byte("v1"), v)

		trx = NewTransaction()
		trx.AddOperations(Delete(key, nil))
		require.NoError(t, s.Txn(ctx, trx))

		_, ok, err = s.Get(ctx, key)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("list cf is isolated and ordered", func(t *testing.T) {
		trx := NewTransaction()
		trx.AddOperations(
			Put(PrefixKeyWithCF([]byte("2"), "cf/list"), []byte("b"), nil),
			Put(PrefixKeyWithCF([]byte("1"), "cf/list"), []byte("a"), nil),
			Put(PrefixKeyWithCF([]byte("1"), "cf/other"), []byte("x"), nil),
		)
		require.NoError(t, s.Txn(ctx, trx))

		kvs, err := s.ListCF(ctx, "cf/list")
		require.NoError(t, err)
		require.Len(t, kvs, 2)
		assert.Equal(t, []byte("1"), kvs[0].Key)
		assert.Equal(t, []byte("a"), kvs[0].Value)
		assert.Equal(t, []byte("2"), kvs[1].Key)
	})

	t.Run("failed condition applies nothing", func(t *testing.T) {
		guard := PrefixKeyWithCF([]byte("guard"), "cf/cond")
		target := PrefixKeyWithCF([]byte("target"), "cf/cond")

		trx := NewTransaction()
		trx.AddOperations(Put(target, []byte("v"), &Condition{Key: guard, Expected: []byte("ready")}))
		assert.ErrorIs(t, s.Txn(ctx, trx), ErrConditionFailed)

		_, ok, err := s.Get(ctx, target)
		require.NoError(t, err)
		assert.False(t, ok)

		setup := NewTransaction()
		setup.AddOperations(Put(guard, []byte("ready"), &Condition{Key: guard}))
		require.NoError(t, s.Txn(ctx, setup))
		require.NoError(t, s.Txn(ctx, trx))

		v, ok, err := s.Get(ctx, target)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, []byte("v"), v)
	})
}

func TestMemStore(t *testing.T) {
	metaStoreContract(t, NewMemStore())
}

func TestRedisMetaStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	namespace := "streamstate-test:" + uuid.NewString()
	s := NewRedisMetaStoreFromClient(client, namespace, nil)
	defer s.Close()
	defer func() {
		keys, _ := client.Keys(context.Background(), namespace+":*").Result()
		if len(keys) > 0 {
			client.Del(context.Background(), keys...)
		}
	}()

	metaStoreContract(t, s)
}

func TestPrefixKeyWithCF(t *testing.T) {
	assert.Equal(t, []byte("cf/x\x08\x01"), PrefixKeyWithCF([]byte{0x08, 0x01}, "cf/x"))
}

func TestTransactionStagesInOrder(t *testing.T) {
	trx := NewTransaction()
	assert.True(t, trx.IsEmpty())
	trx.AddOperations(Put([]byte("a"), []byte("1"), nil))
	trx.AddOperations(Delete([]byte("b"), nil))

	ops := trx.Operations()
	require.Len(t, ops, 2)
	assert.Equal(t, OpPut, ops[0].Kind)
	assert.Equal(t, OpDelete, ops[1].Kind)
}
