package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/devrev/pairdb/streamstate/internal/errors"
	"github.com/devrev/pairdb/streamstate/internal/state"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultNamespace = "streamstate:meta"

// RedisMetaStore keeps metadata records as Redis strings plus a sorted-set
// index of all keys, so column families can be listed in key order.
// Transactions run under WATCH on every conditioned key and commit with
// MULTI/EXEC.
type RedisMetaStore struct {
	client    *redis.Client
	namespace string
	logger    *zap.Logger
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	Namespace string
}

// NewRedisMetaStore connects to Redis and verifies the connection
func NewRedisMetaStore(cfg RedisConfig, logger *zap.Logger) (*RedisMetaStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Connection(cfg.Addr, fmt.Errorf("failed to connect to Redis: %w", err))
	}

	return NewRedisMetaStoreFromClient(client, cfg.Namespace, logger), nil
}

// NewRedisMetaStoreFromClient wraps an existing client
func NewRedisMetaStoreFromClient(client *redis.Client, namespace string, logger *zap.Logger) *RedisMetaStore {
	if namespace == "" {
		namespace = defaultNamespace
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisMetaStore{client: client, namespace: namespace, logger: logger}
}

func (s *RedisMetaStore) dataKey(key []byte) string {
	return s.namespace + ":data:" + string(key)
}

func (s *RedisMetaStore) indexKey() string {
	return s.namespace + ":index"
}

func (s *RedisMetaStore) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, s.dataKey(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Store("meta_get", err)
	}
	return data, true, nil
}

func (s *RedisMetaStore) ListCF(ctx context.Context, cf string) ([]KV, error) {
	maxLex := "+"
	if upper := state.PrefixUpperBound([]byte(cf)); upper != nil {
		maxLex = "(" + string(upper)
	}
	keys, err := s.client.ZRangeByLex(ctx, s.indexKey(), &redis.ZRangeBy{
		Min: "[" + cf,
		Max: maxLex,
	}).Result()
	if err != nil {
		return nil, errors.Store("meta_list", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	dataKeys := make([]string, len(keys))
	for i, k := range keys {
		dataKeys[i] = s.dataKey([]byte(k))
	}
	values, err := s.client.MGet(ctx, dataKeys...).Result()
	if err != nil {
		return nil, errors.Store("meta_list", err)
	}

	out := make([]KV, 0, len(keys))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			// indexed but deleted between the two reads
			continue
		}
		out = append(out, KV{Key: []byte(keys[i][len(cf):]), Value: []byte(str)})
	}
	return out, nil
}

func (s *RedisMetaStore) Txn(ctx context.Context, trx *Transaction) error {
	conds := conditions(trx)
	watched := make([]string, 0, len(conds))
	for _, c := range conds {
		watched = append(watched, s.dataKey(c.Key))
	}

	txf := func(tx *redis.Tx) error {
		for _, c := range conds {
			current, err := tx.Get(ctx, s.dataKey(c.Key)).Bytes()
			found := true
			if err == redis.Nil {
				found = false
			} else if err != nil {
				return err
			}
			if !c.holds(current, found) {
				return ErrConditionFailed
			}
		}

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, op := range trx.ops {
				switch op.Kind {
				case OpPut:
					pipe.Set(ctx, s.dataKey(op.Key), op.Value, 0)
					pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: 0, Member: string(op.Key)})
				case OpDelete:
					pipe.Del(ctx, s.dataKey(op.Key))
					pipe.ZRem(ctx, s.indexKey(), string(op.Key))
				}
			}
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txf, watched...)
	switch {
	case err == nil:
		s.logger.Debug("Meta transaction committed", zap.Int("operations", len(trx.ops)))
		return nil
	case err == ErrConditionFailed:
		return err
	case err == redis.TxFailedErr:
		return errors.Store("meta_txn", fmt.Errorf("concurrent modification of watched keys: %w", err))
	default:
		return errors.Store("meta_txn", err)
	}
}

// Ping checks the Redis connection
func (s *RedisMetaStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (s *RedisMetaStore) Close() error {
	return s.client.Close()
}
