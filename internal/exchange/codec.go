package exchange

import (
	"github.com/devrev/pairdb/streamstate/internal/errors"
	"github.com/devrev/pairdb/streamstate/internal/types"
	"github.com/devrev/pairdb/streamstate/internal/types/memcmp"
	"google.golang.org/protobuf/encoding/protowire"
)

// Wire layout of a chunk:
//
//	1: packed varint   column types
//	2: varint          visible row count
//	3: repeated bytes  memcomparable-encoded rows
//
// Only visible rows are shipped, so a decoded chunk is fully visible.
const (
	chunkFieldTypes protowire.Number = 1
	chunkFieldCount protowire.Number = 2
	chunkFieldRows  protowire.Number = 3

	sinkFieldTask protowire.Number = 1
	sinkFieldSink protowire.Number = 2
)

// EncodeChunk serializes the visible rows of chunk.
func EncodeChunk(chunk *types.DataChunk) ([]byte, error) {
	colTypes := chunk.Types()
	rows := chunk.Rows()

	var packed []byte
	for _, t := range colTypes {
		packed = protowire.AppendVarint(packed, uint64(t))
	}

	var buf []byte
	buf = protowire.AppendTag(buf, chunkFieldTypes, protowire.BytesType)
	buf = protowire.AppendBytes(buf, packed)
	buf = protowire.AppendTag(buf, chunkFieldCount, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(len(rows)))

	for _, row := range rows {
		encoded, err := memcmp.EncodeRow(colTypes, row)
		if err != nil {
			return nil, err
		}
		buf = protowire.AppendTag(buf, chunkFieldRows, protowire.BytesType)
		buf = protowire.AppendBytes(buf, encoded)
	}
	return buf, nil
}

// DecodeChunk is the inverse of EncodeChunk.
func DecodeChunk(data []byte) (*types.DataChunk, error) {
	var (
		colTypes []types.DataType
		count    uint64
		rawRows  [][]byte
	)

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, errors.Encoding("malformed chunk tag", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == chunkFieldTypes && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, errors.Encoding("malformed column types", protowire.ParseError(n))
			}
			data = data[n:]
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return nil, errors.Encoding("malformed column type", protowire.ParseError(m))
				}
				t := types.DataType(v)
				if !t.Valid() {
					return nil, errors.Encoding("unknown column type", nil).WithDetail("type", v)
				}
				colTypes = append(colTypes, t)
				packed = packed[m:]
			}

		case num == chunkFieldCount && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, errors.Encoding("malformed row count", protowire.ParseError(n))
			}
			count = v
			data = data[n:]

		case num == chunkFieldRows && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, errors.Encoding("malformed row", protowire.ParseError(n))
			}
			rawRows = append(rawRows, v)
			data = data[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, errors.Encoding("malformed chunk field", protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	// rows without columns carry only their count
	if len(colTypes) == 0 {
		visibility := types.NewBitmap(int(count))
		for i := 0; i < int(count); i++ {
			visibility.Set(i, true)
		}
		return &types.DataChunk{Visibility: visibility}, nil
	}

	if uint64(len(rawRows)) != count {
		return nil, errors.Encoding("row count does not match rows", nil).
			WithDetail("count", count).
			WithDetail("rows", len(rawRows))
	}

	rows := make([]types.Row, len(rawRows))
	for i, raw := range rawRows {
		row, rest, err := memcmp.DecodeRow(colTypes, raw)
		if err != nil {
			return nil, err
		}
		if len(rest) != 0 {
			return nil, errors.Encoding("trailing bytes after row", nil).WithDetail("row", i)
		}
		rows[i] = row
	}
	return types.ChunkFromRows(colTypes, rows)
}

func encodeSinkID(id TaskSinkID) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, sinkFieldTask, protowire.BytesType)
	buf = protowire.AppendString(buf, id.TaskID)
	buf = protowire.AppendTag(buf, sinkFieldSink, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(id.SinkID))
	return buf
}

func decodeSinkID(data []byte) (TaskSinkID, error) {
	var id TaskSinkID
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return id, errors.Encoding("malformed sink id tag", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == sinkFieldTask && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return id, errors.Encoding("malformed task id", protowire.ParseError(n))
			}
			id.TaskID = v
			data = data[n:]
		case num == sinkFieldSink && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return id, errors.Encoding("malformed sink id", protowire.ParseError(n))
			}
			id.SinkID = uint32(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return id, errors.Encoding("malformed sink id field", protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return id, nil
}
