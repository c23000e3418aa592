// Package postgres provides a StateStore backed by a PostgreSQL table of
// binary keys and values.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/devrev/pairdb/streamstate/internal/errors"
	"github.com/devrev/pairdb/streamstate/internal/state"
	"go.uber.org/zap"

	_ "github.com/lib/pq"
)

const (
	DefaultTable = "state_kv"

	queryCreateTable = `
		CREATE TABLE IF NOT EXISTS %s (
			key   BYTEA PRIMARY KEY,
			value BYTEA NOT NULL
		)
	`

	queryGet = `SELECT value FROM %s WHERE key = $1`

	queryScanRange = `
		SELECT key, value
		FROM %s
		WHERE key >= $1
		  AND key < $2
		ORDER BY key ASC
	`

	queryScanOpen = `
		SELECT key, value
		FROM %s
		WHERE key >= $1
		ORDER BY key ASC
	`

	queryUpsert = `
		INSERT INTO %s (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`

	queryDelete = `DELETE FROM %s WHERE key = $1`
)

// StateStore implements state.StateStore on a single PostgreSQL table.
// Batches are applied in one transaction.
type StateStore struct {
	db     *sql.DB
	table  string
	logger *zap.Logger
}

// Open connects to dsn with the lib/pq driver.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return db, nil
}

// NewStateStore creates a StateStore sharing the given connection.
func NewStateStore(db *sql.DB, table string, logger *zap.Logger) *StateStore {
	if table == "" {
		table = DefaultTable
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateStore{db: db, table: table, logger: logger}
}

func (s *StateStore) q(query string) string {
	return fmt.Sprintf(query, s.table)
}

// EnsureSchema creates the backing table if it does not exist.
func (s *StateStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.q(queryCreateTable)); err != nil {
		return errors.Store("ensure_schema", err)
	}
	return nil
}

func (s *StateStore) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, s.q(queryGet), key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Store("get", err)
	}
	if value == nil {
		value = []byte{}
	}
	return value, true, nil
}

func (s *StateStore) Scan(ctx context.Context, prefix []byte, limit int) ([]state.KV, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if end := state.PrefixUpperBound(prefix); end != nil {
		rows, err = s.db.QueryContext(ctx, s.q(queryScanRange), prefix, end)
	} else {
		rows, err = s.db.QueryContext(ctx, s.q(queryScanOpen), prefix)
	}
	if err != nil {
		return nil, errors.Store("scan", err)
	}
	defer rows.Close()

	var pairs []state.KV
	for rows.Next() {
		var kv state.KV
		if err := rows.Scan(&kv.Key, &kv.Value); err != nil {
			return nil, errors.Store("scan", err)
		}
		if kv.Value == nil {
			kv.Value = []byte{}
		}
		pairs = append(pairs, kv)
		if limit > 0 && len(pairs) >= limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Store("scan", err)
	}
	return pairs, nil
}

// IngestBatch applies every write in one transaction, in order.
func (s *StateStore) IngestBatch(ctx context.Context, batch []state.Write) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Store("ingest_batch", fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback() //nolint:errcheck

	upsertStmt, err := tx.PrepareContext(ctx, s.q(queryUpsert))
	if err != nil {
		return errors.Store("ingest_batch", fmt.Errorf("prepare upsert: %w", err))
	}
	defer upsertStmt.Close()

	deleteStmt, err := tx.PrepareContext(ctx, s.q(queryDelete))
	if err != nil {
		return errors.Store("ingest_batch", fmt.Errorf("prepare delete: %w", err))
	}
	defer deleteStmt.Close()

	for _, w := range batch {
		if w.IsDelete() {
			_, err = deleteStmt.ExecContext(ctx, w.Key)
		} else {
			_, err = upsertStmt.ExecContext(ctx, w.Key, w.Value)
		}
		if err != nil {
			return errors.Store("ingest_batch", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Store("ingest_batch", fmt.Errorf("commit: %w", err))
	}

	s.logger.Debug("Batch ingested", zap.String("table", s.table), zap.Int("writes", len(batch)))
	return nil
}

// Iter materializes the prefix scan and walks it.
func (s *StateStore) Iter(ctx context.Context, prefix []byte) (state.Iterator, error) {
	pairs, err := s.Scan(ctx, prefix, 0)
	if err != nil {
		return nil, err
	}
	return state.NewSliceIterator(pairs), nil
}

var _ state.StateStore = (*StateStore)(nil)
