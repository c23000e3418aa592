// Package memcmp implements an order-preserving byte encoding of datums:
// for two values a < b of one type, bytes.Compare(enc(a), enc(b)) < 0.
// NULL sorts before every non-NULL value.
package memcmp

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/devrev/pairdb/streamstate/internal/errors"
	"github.com/devrev/pairdb/streamstate/internal/types"
	"github.com/shopspring/decimal"
)

const (
	flagNull    = 0x00
	flagPresent = 0x01

	stringGroupSize = 8
	stringMarker    = 0xFF

	decimalNegative = 0x01
	decimalZero     = 0x02
	decimalPositive = 0x03
)

// AppendDatum appends the encoding of d, of type t, to buf.
func AppendDatum(buf []byte, t types.DataType, d types.Datum) ([]byte, error) {
	if err := types.CheckDatum(t, d); err != nil {
		return nil, errors.Encoding("cannot serialize datum", err)
	}
	if d == nil {
		return append(buf, flagNull), nil
	}
	buf = append(buf, flagPresent)

	switch t {
	case types.Int32:
		return binary.BigEndian.AppendUint32(buf, uint32(d.(int32))^(1<<31)), nil
	case types.Int64:
		return binary.BigEndian.AppendUint64(buf, uint64(d.(int64))^(1<<63)), nil
	case types.Float64:
		return binary.BigEndian.AppendUint64(buf, encodeFloat(d.(float64))), nil
	case types.Boolean:
		if d.(bool) {
			return append(buf, 1), nil
		}
		return append(buf, 0), nil
	case types.Varchar:
		return appendString(buf, d.(string)), nil
	case types.Decimal:
		return appendDecimal(buf, d.(decimal.Decimal)), nil
	}
	return nil, errors.Encoding(fmt.Sprintf("unsupported type %s", t), nil)
}

// EncodeDatum returns the encoding of a single datum.
func EncodeDatum(t types.DataType, d types.Datum) ([]byte, error) {
	return AppendDatum(nil, t, d)
}

// AppendRow appends every datum of row using the matching column type.
func AppendRow(buf []byte, colTypes []types.DataType, row types.Row) ([]byte, error) {
	if len(colTypes) != len(row) {
		return nil, errors.Encoding(fmt.Sprintf("row has %d datums, want %d", len(row), len(colTypes)), nil)
	}
	var err error
	for i, t := range colTypes {
		if buf, err = AppendDatum(buf, t, row[i]); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// EncodeRow returns the concatenated encoding of row.
func EncodeRow(colTypes []types.DataType, row types.Row) ([]byte, error) {
	return AppendRow(nil, colTypes, row)
}

// DecodeDatum decodes one datum of type t from the front of data and returns
// the remaining bytes.
func DecodeDatum(t types.DataType, data []byte) (types.Datum, []byte, error) {
	if len(data) == 0 {
		return nil, nil, errors.Encoding("unexpected end of input", nil)
	}
	flag, data := data[0], data[1:]
	switch flag {
	case flagNull:
		return nil, data, nil
	case flagPresent:
	default:
		return nil, nil, errors.Encoding(fmt.Sprintf("invalid null flag 0x%02x", flag), nil)
	}

	switch t {
	case types.Int32:
		if len(data) < 4 {
			return nil, nil, errors.Encoding("truncated int32", nil)
		}
		return int32(binary.BigEndian.Uint32(data) ^ (1 << 31)), data[4:], nil
	case types.Int64:
		if len(data) < 8 {
			return nil, nil, errors.Encoding("truncated int64", nil)
		}
		return int64(binary.BigEndian.Uint64(data) ^ (1 << 63)), data[8:], nil
	case types.Float64:
		if len(data) < 8 {
			return nil, nil, errors.Encoding("truncated float64", nil)
		}
		return decodeFloat(binary.BigEndian.Uint64(data)), data[8:], nil
	case types.Boolean:
		if len(data) < 1 || data[0] > 1 {
			return nil, nil, errors.Encoding("invalid boolean", nil)
		}
		return data[0] == 1, data[1:], nil
	case types.Varchar:
		return decodeString(data)
	case types.Decimal:
		return decodeDecimal(data)
	}
	return nil, nil, errors.Encoding(fmt.Sprintf("unsupported type %s", t), nil)
}

// DecodeRow decodes len(colTypes) datums and returns the remaining bytes.
func DecodeRow(colTypes []types.DataType, data []byte) (types.Row, []byte, error) {
	row := make(types.Row, len(colTypes))
	var err error
	for i, t := range colTypes {
		if row[i], data, err = DecodeDatum(t, data); err != nil {
			return nil, nil, err
		}
	}
	return row, data, nil
}

func encodeFloat(f float64) uint64 {
	if f == 0 {
		f = 0 // -0 and +0 encode identically
	}
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		return ^bits
	}
	return bits | (1 << 63)
}

func decodeFloat(u uint64) float64 {
	if u&(1<<63) != 0 {
		return math.Float64frombits(u &^ (1 << 63))
	}
	return math.Float64frombits(^u)
}

// Strings are written in 8-byte groups, each followed by a marker. A full
// group has marker 0xFF and is always followed by another group; the last
// group is zero padded by 1 to 8 bytes and its marker is 0xFF minus the pad
// length.
func appendString(buf []byte, s string) []byte {
	for {
		if len(s) >= stringGroupSize {
			buf = append(buf, s[:stringGroupSize]...)
			buf = append(buf, stringMarker)
			s = s[stringGroupSize:]
			continue
		}
		pad := stringGroupSize - len(s)
		buf = append(buf, s...)
		for i := 0; i < pad; i++ {
			buf = append(buf, 0)
		}
		return append(buf, byte(stringMarker-pad))
	}
}

func decodeString(data []byte) (types.Datum, []byte, error) {
	var sb strings.Builder
	for {
		if len(data) < stringGroupSize+1 {
			return nil, nil, errors.Encoding("truncated string group", nil)
		}
		marker := data[stringGroupSize]
		if marker == stringMarker {
			sb.Write(data[:stringGroupSize])
			data = data[stringGroupSize+1:]
			continue
		}
		pad := stringMarker - int(marker)
		if pad < 1 || pad > stringGroupSize {
			return nil, nil, errors.Encoding(fmt.Sprintf("invalid string marker 0x%02x", marker), nil)
		}
		sb.Write(data[:stringGroupSize-pad])
		return sb.String(), data[stringGroupSize+1:], nil
	}
}

// Decimals are normalized to sign, exponent E and significant digits with
// value 0.d1d2...dn * 10^E. Digits are written as d+1 so the 0x00 terminator
// sorts below any digit. Negative values complement exponent and digits.
func appendDecimal(buf []byte, d decimal.Decimal) []byte {
	switch d.Sign() {
	case 0:
		return append(buf, decimalZero)
	case -1:
		buf = append(buf, decimalNegative)
	default:
		buf = append(buf, decimalPositive)
	}
	neg := d.Sign() < 0

	digits := new(big.Int).Abs(d.Coefficient()).String()
	exp := int(d.Exponent())
	trimmed := strings.TrimRight(digits, "0")
	exp += len(digits) - len(trimmed)
	digits = trimmed
	e := int32(len(digits) + exp)

	start := len(buf)
	buf = binary.BigEndian.AppendUint32(buf, uint32(e)^(1<<31))
	for i := 0; i < len(digits); i++ {
		buf = append(buf, digits[i]-'0'+1)
	}
	buf = append(buf, 0x00)
	if neg {
		for i := start; i < len(buf); i++ {
			buf[i] = ^buf[i]
		}
	}
	return buf
}

func decodeDecimal(data []byte) (types.Datum, []byte, error) {
	if len(data) < 1 {
		return nil, nil, errors.Encoding("truncated decimal", nil)
	}
	sign := data[0]
	data = data[1:]
	var mask byte
	switch sign {
	case decimalZero:
		return decimal.Zero, data, nil
	case decimalNegative:
		mask = 0xFF
	case decimalPositive:
	default:
		return nil, nil, errors.Encoding(fmt.Sprintf("invalid decimal sign 0x%02x", sign), nil)
	}

	if len(data) < 4 {
		return nil, nil, errors.Encoding("truncated decimal exponent", nil)
	}
	var expBytes [4]byte
	for i := range expBytes {
		expBytes[i] = data[i] ^ mask
	}
	e := int32(binary.BigEndian.Uint32(expBytes[:]) ^ (1 << 31))
	data = data[4:]

	var digits strings.Builder
	for {
		if len(data) == 0 {
			return nil, nil, errors.Encoding("unterminated decimal digits", nil)
		}
		b := data[0] ^ mask
		data = data[1:]
		if b == 0x00 {
			break
		}
		if b < 1 || b > 10 {
			return nil, nil, errors.Encoding(fmt.Sprintf("invalid decimal digit 0x%02x", b), nil)
		}
		digits.WriteByte('0' + b - 1)
	}
	if digits.Len() == 0 {
		return nil, nil, errors.Encoding("decimal without digits", nil)
	}

	coef, ok := new(big.Int).SetString(digits.String(), 10)
	if !ok {
		return nil, nil, errors.Encoding("invalid decimal digits", nil)
	}
	if mask != 0 {
		coef.Neg(coef)
	}
	return decimal.NewFromBigInt(coef, e-int32(digits.Len())), data, nil
}
