// Package model holds metadata records persisted in the meta store.
package model

import (
	"fmt"

	"github.com/devrev/pairdb/streamstate/internal/errors"
	"github.com/devrev/pairdb/streamstate/internal/meta/storage"
	"google.golang.org/protobuf/encoding/protowire"
)

// PinnedSnapshotCF is the column family of pinned snapshot records:
// context ref id -> HummockContextPinnedSnapshot.
const PinnedSnapshotCF = "cf/hummock_context_pinned_snapshot"

const (
	fieldContextID  protowire.Number = 1
	fieldSnapshotID protowire.Number = 2
)

// HummockContextPinnedSnapshot records the epochs one execution context
// still reads from. Order of SnapshotIDs is not meaningful.
type HummockContextPinnedSnapshot struct {
	ContextID   uint32
	SnapshotIDs []uint64
}

// PinSnapshot adds epoch unless already pinned.
func (p *HummockContextPinnedSnapshot) PinSnapshot(epoch uint64) {
	for _, e := range p.SnapshotIDs {
		if e == epoch {
			return
		}
	}
	p.SnapshotIDs = append(p.SnapshotIDs, epoch)
}

// UnpinSnapshot removes epoch if pinned; otherwise it does nothing.
func (p *HummockContextPinnedSnapshot) UnpinSnapshot(epoch uint64) {
	for i, e := range p.SnapshotIDs {
		if e == epoch {
			p.SnapshotIDs = append(p.SnapshotIDs[:i], p.SnapshotIDs[i+1:]...)
			return
		}
	}
}

// Update stages the record into trx: a delete when nothing is pinned, an
// upsert otherwise. It never commits.
func (p *HummockContextPinnedSnapshot) Update(trx *storage.Transaction) {
	if len(p.SnapshotIDs) == 0 {
		p.Delete(trx)
		return
	}
	p.Upsert(trx)
}

// Upsert stages a put of the full record.
func (p *HummockContextPinnedSnapshot) Upsert(trx *storage.Transaction) {
	trx.AddOperations(storage.Put(p.StoreKey(), p.Marshal(), nil))
}

// Delete stages a delete of the record.
func (p *HummockContextPinnedSnapshot) Delete(trx *storage.Transaction) {
	trx.AddOperations(storage.Delete(p.StoreKey(), nil))
}

// StoreKey is the column family prefixed key of the record.
func (p *HummockContextPinnedSnapshot) StoreKey() []byte {
	return storage.PrefixKeyWithCF(EncodeContextRefID(p.ContextID), PinnedSnapshotCF)
}

// Min returns the smallest pinned epoch.
func (p *HummockContextPinnedSnapshot) Min() (uint64, bool) {
	if len(p.SnapshotIDs) == 0 {
		return 0, false
	}
	m := p.SnapshotIDs[0]
	for _, e := range p.SnapshotIDs[1:] {
		if e < m {
			m = e
		}
	}
	return m, true
}

// EncodeContextRefID encodes a context reference id message {1: id}.
func EncodeContextRefID(id uint32) []byte {
	var b []byte
	if id != 0 {
		b = protowire.AppendTag(b, fieldContextID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(id))
	}
	return b
}

// Marshal encodes the record in protobuf wire format:
// {1: context_id varint, 2: packed repeated uint64 snapshot_id}.
func (p *HummockContextPinnedSnapshot) Marshal() []byte {
	var b []byte
	if p.ContextID != 0 {
		b = protowire.AppendTag(b, fieldContextID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.ContextID))
	}
	if len(p.SnapshotIDs) > 0 {
		var packed []byte
		for _, e := range p.SnapshotIDs {
			packed = protowire.AppendVarint(packed, e)
		}
		b = protowire.AppendTag(b, fieldSnapshotID, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	return b
}

// UnmarshalPinnedSnapshot decodes a record, accepting packed and unpacked
// snapshot ids and skipping unknown fields.
func UnmarshalPinnedSnapshot(b []byte) (*HummockContextPinnedSnapshot, error) {
	p := &HummockContextPinnedSnapshot{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, decodeErr(n)
		}
		b = b[n:]

		switch {
		case num == fieldContextID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, decodeErr(n)
			}
			p.ContextID = uint32(v)
			b = b[n:]

		case num == fieldSnapshotID && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, decodeErr(n)
			}
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return nil, decodeErr(m)
				}
				p.SnapshotIDs = append(p.SnapshotIDs, v)
				packed = packed[m:]
			}
			b = b[n:]

		case num == fieldSnapshotID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, decodeErr(n)
			}
			p.SnapshotIDs = append(p.SnapshotIDs, v)
			b = b[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, decodeErr(n)
			}
			b = b[n:]
		}
	}
	return p, nil
}

func decodeErr(n int) error {
	return errors.Encoding(fmt.Sprintf("invalid pinned snapshot record: %v", protowire.ParseError(n)), nil)
}
