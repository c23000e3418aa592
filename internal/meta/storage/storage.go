// Package storage is the transactional metadata store used by the meta
// service. Records of one kind live under a column family prefix.
package storage

import (
	"bytes"
	"context"
	stderrors "errors"
)

// ErrConditionFailed is returned by Txn when a precondition does not hold.
// Nothing of the transaction is applied.
var ErrConditionFailed = stderrors.New("meta transaction condition failed")

// OperationKind is the kind of a staged mutation.
type OperationKind uint8

const (
	OpPut OperationKind = iota + 1
	OpDelete
)

// Condition guards an operation. A nil Expected requires Key to be absent;
// otherwise Key must hold exactly Expected.
type Condition struct {
	Key      []byte
	Expected []byte
}

func (c *Condition) holds(current []byte, found bool) bool {
	if c.Expected == nil {
		return !found
	}
	return found && bytes.Equal(current, c.Expected)
}

// Operation is one staged mutation with an optional condition.
type Operation struct {
	Kind      OperationKind
	Key       []byte
	Value     []byte
	Condition *Condition
}

// Put stages an upsert.
func Put(key, value []byte, cond *Condition) Operation {
	return Operation{Kind: OpPut, Key: key, Value: value, Condition: cond}
}

// Delete stages a deletion.
func Delete(key []byte, cond *Condition) Operation {
	return Operation{Kind: OpDelete, Key: key, Condition: cond}
}

// Transaction accumulates operations that a MetaStore commits atomically.
// Staging never touches the store.
type Transaction struct {
	ops []Operation
}

// NewTransaction returns an empty transaction.
func NewTransaction() *Transaction {
	return &Transaction{}
}

// AddOperations stages ops in order.
func (t *Transaction) AddOperations(ops ...Operation) {
	t.ops = append(t.ops, ops...)
}

// Operations returns the staged operations.
func (t *Transaction) Operations() []Operation {
	return t.ops
}

// IsEmpty reports whether nothing is staged.
func (t *Transaction) IsEmpty() bool {
	return len(t.ops) == 0
}

// PrefixKeyWithCF places key inside column family cf.
func PrefixKeyWithCF(key []byte, cf string) []byte {
	out := make([]byte, 0, len(cf)+len(key))
	out = append(out, cf...)
	return append(out, key...)
}

// KV is a stored record with its column family prefix removed from Key.
type KV struct {
	Key   []byte
	Value []byte
}

// MetaStore is a transactional key-value store for metadata.
type MetaStore interface {
	// Get reads a full (column family prefixed) key.
	Get(ctx context.Context, key []byte) ([]byte, bool, error)

	// ListCF returns every record of column family cf in key order.
	ListCF(ctx context.Context, cf string) ([]KV, error)

	// Txn commits every operation of trx atomically, or none of them.
	Txn(ctx context.Context, trx *Transaction) error

	Close() error
}

// conditions returns the distinct conditions of trx.
func conditions(trx *Transaction) []*Condition {
	var out []*Condition
	for _, op := range trx.ops {
		if op.Condition != nil {
			out = append(out, op.Condition)
		}
	}
	return out
}
