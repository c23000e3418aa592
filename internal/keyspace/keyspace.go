// Package keyspace builds collision-free key prefixes over a shared
// StateStore and reads through them.
package keyspace

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/devrev/pairdb/streamstate/internal/errors"
	"github.com/devrev/pairdb/streamstate/internal/state"
)

const (
	executorTag = "e"
	tableTag    = "t"
)

// SegmentKind selects how a Segment is encoded.
type SegmentKind uint8

const (
	// FixedLength segments are written verbatim.
	FixedLength SegmentKind = iota
	// VariantLength segments are prefixed with a big-endian u16 length.
	VariantLength
)

// Segment is one unit of a keyspace prefix.
type Segment struct {
	Kind  SegmentKind
	Bytes []byte
}

// Fixed returns a FixedLength segment.
func Fixed(b []byte) Segment {
	return Segment{Kind: FixedLength, Bytes: b}
}

// Variant returns a VariantLength segment.
func Variant(b []byte) Segment {
	return Segment{Kind: VariantLength, Bytes: b}
}

func U16(id uint16) Segment {
	return Fixed(binary.BigEndian.AppendUint16(nil, id))
}

func U32(id uint32) Segment {
	return Fixed(binary.BigEndian.AppendUint32(nil, id))
}

// Encode appends the segment encoding to buf. A variant segment longer than
// 65535 bytes is an encoding error.
func (s Segment) Encode(buf []byte) ([]byte, error) {
	if s.Kind == VariantLength {
		if len(s.Bytes) > math.MaxUint16 {
			return nil, errors.SegmentTooLong(len(s.Bytes))
		}
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(s.Bytes)))
	}
	return append(buf, s.Bytes...), nil
}

// TableID identifies a table.
type TableID struct {
	TableID uint32
}

func (id TableID) String() string {
	return fmt.Sprintf("TableId { table_id: %d }", id.TableID)
}

// Keyspace is a byte prefix over a StateStore. Derived keyspaces share the
// store but own their prefix.
type Keyspace struct {
	store  state.StateStore
	prefix []byte
}

// New creates a keyspace with a raw prefix.
func New(store state.StateStore, prefix []byte) *Keyspace {
	return &Keyspace{store: store, prefix: append([]byte(nil), prefix...)}
}

// ExecutorRoot creates the root keyspace of an executor: "e" ‖ u32 id.
func ExecutorRoot(store state.StateStore, id uint32) *Keyspace {
	ks := &Keyspace{store: store, prefix: make([]byte, 0, 5)}
	ks.mustPush(Fixed([]byte(executorTag)))
	ks.mustPush(U32(id))
	return ks
}

// TableRoot creates the root keyspace of a table: "t" ‖ u16-prefixed id.
func TableRoot(store state.StateStore, id TableID) *Keyspace {
	ks := &Keyspace{store: store}
	ks.mustPush(Fixed([]byte(tableTag)))
	ks.mustPush(Variant([]byte(id.String())))
	return ks
}

// root segments are bounded, so they cannot fail to encode
func (k *Keyspace) mustPush(seg Segment) {
	if err := k.Push(seg); err != nil {
		panic(err)
	}
}

// Push appends seg to the prefix. Only the goroutine building a fresh
// keyspace may call it.
func (k *Keyspace) Push(seg Segment) error {
	prefix, err := seg.Encode(k.prefix)
	if err != nil {
		return err
	}
	k.prefix = prefix
	return nil
}

// WithSegment returns a child keyspace; the receiver is unchanged.
func (k *Keyspace) WithSegment(seg Segment) (*Keyspace, error) {
	child := &Keyspace{
		store:  k.store,
		prefix: append(make([]byte, 0, len(k.prefix)+len(seg.Bytes)+2), k.prefix...),
	}
	if err := child.Push(seg); err != nil {
		return nil, err
	}
	return child, nil
}

// Key treats the keyspace as a single key and returns it. The result has no
// spare capacity, so appending to it always copies.
func (k *Keyspace) Key() []byte {
	return k.prefix[:len(k.prefix):len(k.prefix)]
}

// PrefixedKey returns prefix ‖ key.
func (k *Keyspace) PrefixedKey(key []byte) []byte {
	out := make([]byte, 0, len(k.prefix)+len(key))
	out = append(out, k.prefix...)
	return append(out, key...)
}

// Value reads the keyspace as a single key.
func (k *Keyspace) Value(ctx context.Context) ([]byte, bool, error) {
	return k.store.Get(ctx, k.prefix)
}

// Get reads PrefixedKey(key).
func (k *Keyspace) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	return k.store.Get(ctx, k.PrefixedKey(key))
}

// Scan returns up to limit pairs under the prefix; limit <= 0 scans all.
func (k *Keyspace) Scan(ctx context.Context, limit int) ([]state.KV, error) {
	return k.store.Scan(ctx, k.prefix, limit)
}

// ScanStripPrefix is Scan with the keyspace prefix removed from every key.
func (k *Keyspace) ScanStripPrefix(ctx context.Context, limit int) ([]state.KV, error) {
	pairs, err := k.Scan(ctx, limit)
	if err != nil {
		return nil, err
	}
	for i := range pairs {
		pairs[i].Key = pairs[i].Key[len(k.prefix):]
	}
	return pairs, nil
}

// Iter returns an iterator over the prefix.
func (k *Keyspace) Iter(ctx context.Context) (state.Iterator, error) {
	return k.store.Iter(ctx, k.prefix)
}

// StateStore returns the underlying store.
func (k *Keyspace) StateStore() state.StateStore {
	return k.store
}
