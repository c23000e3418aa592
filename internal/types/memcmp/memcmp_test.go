package memcmp

import (
	"bytes"
	"math"
	"sort"
	"testing"

	"github.com/devrev/pairdb/streamstate/internal/errors"
	"github.com/devrev/pairdb/streamstate/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// assertOrderPreserved encodes values, which must already be in ascending
// order, and checks the encodings sort the same way.
func assertOrderPreserved(t *testing.T, typ types.DataType, values []types.Datum) {
	t.Helper()
	encoded := make([][]byte, len(values))
	for i, v := range values {
		enc, err := EncodeDatum(typ, v)
		require.NoError(t, err)
		encoded[i] = enc
	}
	for i := 1; i < len(encoded); i++ {
		assert.Negative(t, bytes.Compare(encoded[i-1], encoded[i]),
			"enc(%v) should sort before enc(%v)", values[i-1], values[i])
	}
}

func roundTrip(t *testing.T, typ types.DataType, v types.Datum) types.Datum {
	t.Helper()
	enc, err := EncodeDatum(typ, v)
	require.NoError(t, err)
	got, rest, err := DecodeDatum(typ, enc)
	require.NoError(t, err)
	assert.Empty(t, rest)
	return got
}

func TestOrderPreserved(t *testing.T) {
	tests := []struct {
		name   string
		typ    types.DataType
		values []types.Datum
	}{
		{
			name:   "int32",
			typ:    types.Int32,
			values: []types.Datum{nil, int32(math.MinInt32), int32(-1), int32(0), int32(1), int32(math.MaxInt32)},
		},
		{
			name:   "int64",
			typ:    types.Int64,
			values: []types.Datum{nil, int64(math.MinInt64), int64(-42), int64(0), int64(7), int64(math.MaxInt64)},
		},
		{
			name:   "float64",
			typ:    types.Float64,
			values: []types.Datum{nil, math.Inf(-1), -1e10, -0.5, 0.0, 1e-9, 2.5, math.Inf(1)},
		},
		{
			name:   "boolean",
			typ:    types.Boolean,
			values: []types.Datum{nil, false, true},
		},
		{
			name:   "varchar",
			typ:    types.Varchar,
			values: []types.Datum{nil, "", "a", "a\x00", "abcdefgh", "abcdefgh\x00", "abcdefghi", "b"},
		},
		{
			name: "decimal",
			typ:  types.Decimal,
			values: []types.Datum{
				nil,
				decimal.RequireFromString("-1000"),
				decimal.RequireFromString("-12.5"),
				decimal.RequireFromString("-12"),
				decimal.RequireFromString("-0.55"),
				decimal.RequireFromString("-0.5"),
				decimal.Zero,
				decimal.RequireFromString("0.001"),
				decimal.RequireFromString("0.5"),
				decimal.RequireFromString("0.55"),
				decimal.RequireFromString("9.99"),
				decimal.RequireFromString("10"),
				decimal.RequireFromString("100.01"),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertOrderPreserved(t, tt.typ, tt.values)
		})
	}
}

func TestRoundTrip(t *testing.T) {
	assert.Equal(t, int32(-7), roundTrip(t, types.Int32, int32(-7)))
	assert.Equal(t, int64(1)<<40, roundTrip(t, types.Int64, int64(1)<<40))
	assert.Equal(t, -3.25, roundTrip(t, types.Float64, -3.25))
	assert.Equal(t, true, roundTrip(t, types.Boolean, true))
	assert.Equal(t, "hello, streaming world", roundTrip(t, types.Varchar, "hello, streaming world"))
	assert.Equal(t, "", roundTrip(t, types.Varchar, ""))
	assert.Nil(t, roundTrip(t, types.Decimal, nil))

	for _, s := range []string{"0", "100", "-100", "3.14159", "-0.0001", "123456789012345678901234567890.5"} {
		want := decimal.RequireFromString(s)
		got := roundTrip(t, types.Decimal, want)
		assert.True(t, want.Equal(got.(decimal.Decimal)), "decimal %s round trip gave %v", s, got)
	}
}

func TestEqualDecimalsEncodeIdentically(t *testing.T) {
	a, err := EncodeDatum(types.Decimal, decimal.RequireFromString("1.50"))
	require.NoError(t, err)
	b, err := EncodeDatum(types.Decimal, decimal.RequireFromString("1.5"))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestRowEncodingSortsLexicographically(t *testing.T) {
	colTypes := []types.DataType{types.Varchar, types.Int32}
	rows := []types.Row{
		{"b", int32(1)},
		{"a", int32(2)},
		{"ab", int32(0)},
		{"a", int32(-5)},
		{nil, int32(9)},
	}

	encoded := make([][]byte, len(rows))
	for i, r := range rows {
		enc, err := EncodeRow(colTypes, r)
		require.NoError(t, err)
		encoded[i] = enc
	}
	sort.Slice(encoded, func(i, j int) bool { return bytes.Compare(encoded[i], encoded[j]) < 0 })

	var got []types.Row
	for _, enc := range encoded {
		row, rest, err := DecodeRow(colTypes, enc)
		require.NoError(t, err)
		assert.Empty(t, rest)
		got = append(got, row)
	}
	assert.Equal(t, []types.Row{
		{nil, int32(9)},
		{"a", int32(-5)},
		{"a", int32(2)},
		{"ab", int32(0)},
		{"b", int32(1)},
	}, got)
}

func TestEncodingErrors(t *testing.T) {
	_, err := EncodeDatum(types.Int32, int64(1))
	assert.True(t, errors.Is(err, errors.ErrCodeEncoding))

	_, err = EncodeRow([]types.DataType{types.Int32}, types.Row{int32(1), int32(2)})
	assert.True(t, errors.Is(err, errors.ErrCodeEncoding))

	tests := []struct {
		name string
		typ  types.DataType
		data []byte
	}{
		{name: "empty", typ: types.Int64, data: nil},
		{name: "bad flag", typ: types.Int64, data: []byte{0x07}},
		{name: "truncated int", typ: types.Int64, data: []byte{0x01, 0x80}},
		{name: "truncated string", typ: types.Varchar, data: []byte{0x01, 'a', 'b'}},
		{name: "bad string marker", typ: types.Varchar, data: []byte{0x01, 'a', 0, 0, 0, 0, 0, 0, 0, 0x10}},
		{name: "bad decimal sign", typ: types.Decimal, data: []byte{0x01, 0x09}},
		{name: "unterminated decimal", typ: types.Decimal, data: []byte{0x01, 0x03, 0x80, 0, 0, 1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := DecodeDatum(tt.typ, tt.data)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrCodeEncoding))
		})
	}
}
