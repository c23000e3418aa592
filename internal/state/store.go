// Package state defines the contract the streaming state layer requires from
// a backing key-value engine, plus in-process implementations of it.
package state

import (
	"bytes"
	"context"
)

// KV is a key-value pair returned by scans and iterators.
type KV struct {
	Key   []byte
	Value []byte
}

// Write is one mutation in an atomic batch. A nil Value deletes Key.
type Write struct {
	Key   []byte
	Value []byte
}

// IsDelete reports whether the write is a deletion marker.
func (w Write) IsDelete() bool {
	return w.Value == nil
}

// WriteBatch accumulates writes that are later applied with IngestBatch.
type WriteBatch []Write

// Put appends an upsert of key to value.
func (b *WriteBatch) Put(key, value []byte) {
	if value == nil {
		value = []byte{}
	}
	*b = append(*b, Write{Key: key, Value: value})
}

// Delete appends a deletion of key.
func (b *WriteBatch) Delete(key []byte) {
	*b = append(*b, Write{Key: key})
}

// Len returns the number of pending writes.
func (b WriteBatch) Len() int {
	return len(b)
}

// Iterator walks key-value pairs in key order. It is finite and not
// restartable; Close must be called once iteration is done.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Err() error
	Close() error
}

// StateStore is the capability the state layer consumes. Any engine, whether
// embedded, remote, or in-memory, must provide exactly this contract,
// including atomicity of IngestBatch.
type StateStore interface {
	// Get returns the value stored under key.
	Get(ctx context.Context, key []byte) ([]byte, bool, error)

	// Scan returns up to limit pairs whose keys start with prefix, in key
	// order. A limit <= 0 scans the whole prefix.
	Scan(ctx context.Context, prefix []byte, limit int) ([]KV, error)

	// IngestBatch applies all writes atomically.
	IngestBatch(ctx context.Context, batch []Write) error

	// Iter lazily walks the pairs under prefix.
	Iter(ctx context.Context, prefix []byte) (Iterator, error)
}

// PrefixUpperBound returns the smallest key greater than every key that has
// the given prefix, or nil when no such bound exists (the prefix is empty or
// all 0xFF).
func PrefixUpperBound(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// SliceIterator iterates over an already materialized slice of pairs.
type SliceIterator struct {
	pairs []KV
	pos   int
}

// NewSliceIterator wraps pairs, which must already be in key order.
func NewSliceIterator(pairs []KV) *SliceIterator {
	return &SliceIterator{pairs: pairs, pos: -1}
}

func (it *SliceIterator) Next() bool {
	if it.pos+1 >= len(it.pairs) {
		it.pos = len(it.pairs)
		return false
	}
	it.pos++
	return true
}

func (it *SliceIterator) Key() []byte {
	if it.pos < 0 || it.pos >= len(it.pairs) {
		return nil
	}
	return it.pairs[it.pos].Key
}

func (it *SliceIterator) Value() []byte {
	if it.pos < 0 || it.pos >= len(it.pairs) {
		return nil
	}
	return it.pairs[it.pos].Value
}

func (it *SliceIterator) Err() error { return nil }

func (it *SliceIterator) Close() error { return nil }
