// Package managedstate holds operator-owned in-memory state that mirrors
// persisted state and is flushed on checkpoint. Instances are not safe for
// concurrent use; each belongs to the operator that created it.
package managedstate

import (
	"context"

	"github.com/devrev/pairdb/streamstate/internal/aggregation"
	"github.com/devrev/pairdb/streamstate/internal/errors"
	"github.com/devrev/pairdb/streamstate/internal/keyspace"
	"github.com/devrev/pairdb/streamstate/internal/state"
	"github.com/devrev/pairdb/streamstate/internal/types"
	"github.com/devrev/pairdb/streamstate/internal/types/memcmp"
)

// ManagedValueState keeps a single-value aggregate under the key of its
// keyspace.
type ManagedValueState struct {
	state    aggregation.StreamingAggState
	call     aggregation.AggCall
	keyspace *keyspace.Keyspace

	// a dirty state holds changes not yet written to a batch
	isDirty bool
}

// NewManagedValueState loads the persisted value of ks, if any, and builds
// the accumulator from it.
func NewManagedValueState(ctx context.Context, call aggregation.AggCall, ks *keyspace.Keyspace) (*ManagedValueState, error) {
	raw, found, err := ks.Value(ctx)
	if err != nil {
		return nil, err
	}

	var initial types.Datum
	if found {
		datum, rest, err := memcmp.DecodeDatum(call.ReturnType, raw)
		if err != nil {
			return nil, err
		}
		if len(rest) != 0 {
			return nil, errors.Encoding("trailing bytes after aggregate value", nil).
				WithDetail("trailing", len(rest))
		}
		initial = datum
	}

	aggState, err := aggregation.CreateStreamingAggState(call, initial)
	if err != nil {
		return nil, err
	}

	return &ManagedValueState{
		state:    aggState,
		call:     call,
		keyspace: ks,
	}, nil
}

// ApplyBatch folds a batch into the accumulator and marks the state dirty.
// It performs no I/O.
func (s *ManagedValueState) ApplyBatch(ops []types.Op, visibility *types.Bitmap, columns []*types.Column) error {
	s.isDirty = true
	return s.state.ApplyBatch(ops, visibility, columns)
}

// GetOutput returns the current aggregate value.
func (s *ManagedValueState) GetOutput() (types.Datum, error) {
	return s.state.GetOutput()
}

// IsDirty reports whether the state needs a flush.
func (s *ManagedValueState) IsDirty() bool {
	return s.isDirty
}

// MarkDirty re-arms the state after a flushed batch failed to commit.
func (s *ManagedValueState) MarkDirty() {
	s.isDirty = true
}

// Keyspace returns the keyspace the state is stored under.
func (s *ManagedValueState) Keyspace() *keyspace.Keyspace {
	return s.keyspace
}

// Flush appends the encoded output to batch and clears the dirty flag.
// Flushing a clean state is harmless but writes an unchanged value.
func (s *ManagedValueState) Flush(batch *state.WriteBatch) error {
	out, err := s.state.GetOutput()
	if err != nil {
		return err
	}
	value, err := memcmp.EncodeDatum(s.call.ReturnType, out)
	if err != nil {
		return err
	}
	batch.Put(append([]byte(nil), s.keyspace.Key()...), value)
	s.isDirty = false
	return nil
}
