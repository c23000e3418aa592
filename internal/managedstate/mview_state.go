package managedstate

import (
	"context"
	"fmt"
	"sort"

	"github.com/devrev/pairdb/streamstate/internal/errors"
	"github.com/devrev/pairdb/streamstate/internal/state"
	"github.com/devrev/pairdb/streamstate/internal/types"
	"github.com/devrev/pairdb/streamstate/internal/types/memcmp"
)

// pendingRow is the latest mutation of one primary key. A nil row is a
// deletion.
type pendingRow struct {
	pk  types.Row
	row types.Row
}

// ManagedMViewState buffers row mutations of a materialized view and writes
// them on Flush using a cell-based layout: one key per column,
// prefix ‖ memcmp(pk) ‖ memcmp(int32 column index).
type ManagedMViewState struct {
	prefix    []byte
	schema    types.Schema
	pkColumns []int
	pkTypes   []types.DataType
	store     state.StateStore

	// keyed by encoded primary key, so the last mutation of a key wins
	memtable map[string]*pendingRow
}

// NewManagedMViewState creates an empty view state. It performs no I/O.
func NewManagedMViewState(prefix []byte, schema types.Schema, pkColumns []int, store state.StateStore) *ManagedMViewState {
	pkTypes := make([]types.DataType, len(pkColumns))
	for i, idx := range pkColumns {
		pkTypes[i] = schema.Fields[idx].Type
	}
	return &ManagedMViewState{
		prefix:    append([]byte(nil), prefix...),
		schema:    schema,
		pkColumns: pkColumns,
		pkTypes:   pkTypes,
		store:     store,
		memtable:  make(map[string]*pendingRow),
	}
}

// Put records row as the latest value of pk. Both slices are copied, so the
// caller may reuse them.
func (s *ManagedMViewState) Put(pk, row types.Row) error {
	if len(row) != s.schema.Len() {
		return errors.InvariantViolation(fmt.Sprintf("row has %d cells, schema has %d", len(row), s.schema.Len()))
	}
	for i, f := range s.schema.Fields {
		if err := types.CheckDatum(f.Type, row[i]); err != nil {
			return errors.Encoding(fmt.Sprintf("cell %d", i), err)
		}
	}
	key, err := s.encodePK(pk)
	if err != nil {
		return err
	}
	s.memtable[string(key)] = &pendingRow{pk: append(types.Row(nil), pk...), row: append(types.Row(nil), row...)}
	return nil
}

// Delete records the deletion of pk, replacing any pending put.
func (s *ManagedMViewState) Delete(pk types.Row) error {
	key, err := s.encodePK(pk)
	if err != nil {
		return err
	}
	s.memtable[string(key)] = &pendingRow{pk: append(types.Row(nil), pk...)}
	return nil
}

func (s *ManagedMViewState) encodePK(pk types.Row) ([]byte, error) {
	if len(pk) != len(s.pkColumns) {
		return nil, errors.InvariantViolation(fmt.Sprintf("pk has %d datums, want %d", len(pk), len(s.pkColumns)))
	}
	return memcmp.EncodeRow(s.pkTypes, pk)
}

// Len returns the number of pending mutations.
func (s *ManagedMViewState) Len() int {
	return len(s.memtable)
}

// Schema returns the view schema.
func (s *ManagedMViewState) Schema() types.Schema {
	return s.schema
}

func (s *ManagedMViewState) cellKey(encodedPK string, idx int) ([]byte, error) {
	key := make([]byte, 0, len(s.prefix)+len(encodedPK)+5)
	key = append(key, s.prefix...)
	key = append(key, encodedPK...)
	return memcmp.AppendDatum(key, types.Int32, int32(idx))
}

// Flush drains the memtable into one atomic batch. Rows become one write per
// cell; deleted rows become one delete per cell. If the store rejects the
// batch, the drained mutations are put back unless a newer mutation of the
// same key was recorded meanwhile, so a retried Flush writes them again.
func (s *ManagedMViewState) Flush(ctx context.Context) error {
	if len(s.memtable) == 0 {
		return nil
	}

	drained := s.memtable
	s.memtable = make(map[string]*pendingRow, len(drained))

	keys := make([]string, 0, len(drained))
	for k := range drained {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	batch := make(state.WriteBatch, 0, len(drained)*s.schema.Len())
	for _, pk := range keys {
		pending := drained[pk]
		for idx := 0; idx < s.schema.Len(); idx++ {
			key, err := s.cellKey(pk, idx)
			if err != nil {
				s.restore(drained)
				return err
			}
			if pending.row == nil {
				batch.Delete(key)
				continue
			}
			value, err := memcmp.EncodeDatum(s.schema.Fields[idx].Type, pending.row[idx])
			if err != nil {
				s.restore(drained)
				return err
			}
			batch.Put(key, value)
		}
	}

	if err := s.store.IngestBatch(ctx, batch); err != nil {
		s.restore(drained)
		if errors.IsStateError(err) {
			return err
		}
		return errors.Store("ingest_batch", err)
	}
	return nil
}

func (s *ManagedMViewState) restore(drained map[string]*pendingRow) {
	for k, v := range drained {
		if _, newer := s.memtable[k]; !newer {
			s.memtable[k] = v
		}
	}
}

// Get returns the row of pk, reading the pending mutation first and the
// stored cells otherwise.
func (s *ManagedMViewState) Get(ctx context.Context, pk types.Row) (types.Row, bool, error) {
	encoded, err := s.encodePK(pk)
	if err != nil {
		return nil, false, err
	}
	if pending, ok := s.memtable[string(encoded)]; ok {
		if pending.row == nil {
			return nil, false, nil
		}
		return append(types.Row(nil), pending.row...), true, nil
	}

	rowPrefix := append(append([]byte(nil), s.prefix...), encoded...)
	pairs, err := s.store.Scan(ctx, rowPrefix, 0)
	if err != nil {
		return nil, false, err
	}
	if len(pairs) == 0 {
		return nil, false, nil
	}

	row := make(types.Row, s.schema.Len())
	for _, kv := range pairs {
		idxDatum, rest, err := memcmp.DecodeDatum(types.Int32, kv.Key[len(rowPrefix):])
		if err != nil {
			return nil, false, err
		}
		i32, ok := idxDatum.(int32)
		idx := int(i32)
		if !ok || len(rest) != 0 || idx < 0 || idx >= s.schema.Len() {
			return nil, false, errors.CorruptedData(fmt.Sprintf("unexpected cell key %x", kv.Key), nil)
		}
		cell, _, err := memcmp.DecodeDatum(s.schema.Fields[idx].Type, kv.Value)
		if err != nil {
			return nil, false, err
		}
		row[idx] = cell
	}
	return row, true, nil
}
