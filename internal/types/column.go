package types

import "fmt"

// Bitmap is a fixed-length bit set, used for validity and visibility.
type Bitmap struct {
	words []uint64
	n     int
}

// NewBitmap returns a bitmap of n cleared bits.
func NewBitmap(n int) *Bitmap {
	return &Bitmap{words: make([]uint64, (n+63)/64), n: n}
}

// BitmapOf builds a bitmap from bools.
func BitmapOf(bits ...bool) *Bitmap {
	b := NewBitmap(len(bits))
	for i, v := range bits {
		b.Set(i, v)
	}
	return b
}

func (b *Bitmap) Len() int {
	return b.n
}

func (b *Bitmap) Set(i int, v bool) {
	if v {
		b.words[i/64] |= 1 << (uint(i) % 64)
	} else {
		b.words[i/64] &^= 1 << (uint(i) % 64)
	}
}

func (b *Bitmap) Get(i int) bool {
	return b.words[i/64]&(1<<(uint(i)%64)) != 0
}

// CountOnes returns the number of set bits.
func (b *Bitmap) CountOnes() int {
	n := 0
	for i := 0; i < b.n; i++ {
		if b.Get(i) {
			n++
		}
	}
	return n
}

// Column is a typed columnar array with a validity bitmap.
type Column struct {
	typ      DataType
	values   []Datum
	validity *Bitmap
}

// NewColumn builds a column of type t. A nil element is NULL.
func NewColumn(t DataType, values ...Datum) (*Column, error) {
	validity := NewBitmap(len(values))
	for i, v := range values {
		if err := CheckDatum(t, v); err != nil {
			return nil, fmt.Errorf("column row %d: %w", i, err)
		}
		validity.Set(i, v != nil)
	}
	return &Column{typ: t, values: values, validity: validity}, nil
}

// MustColumn is NewColumn that panics on a type mismatch. For literals.
func MustColumn(t DataType, values ...Datum) *Column {
	c, err := NewColumn(t, values...)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Column) Type() DataType {
	return c.typ
}

func (c *Column) Len() int {
	return len(c.values)
}

func (c *Column) Datum(i int) Datum {
	return c.values[i]
}

func (c *Column) IsNull(i int) bool {
	return !c.validity.Get(i)
}

// Validity returns the column's null bitmap; a set bit means non-NULL.
func (c *Column) Validity() *Bitmap {
	return c.validity
}

// DataChunk is a batch of rows in columnar form, with an optional visibility
// bitmap. Rows whose visibility bit is cleared are logically absent.
type DataChunk struct {
	Columns    []*Column
	Visibility *Bitmap
}

// NewDataChunk builds a chunk; all columns must share one length.
func NewDataChunk(columns []*Column, visibility *Bitmap) (*DataChunk, error) {
	for i, c := range columns {
		if c.Len() != columns[0].Len() {
			return nil, fmt.Errorf("column %d has %d rows, want %d", i, c.Len(), columns[0].Len())
		}
	}
	if visibility != nil && len(columns) > 0 && visibility.Len() != columns[0].Len() {
		return nil, fmt.Errorf("visibility has %d bits, want %d", visibility.Len(), columns[0].Len())
	}
	return &DataChunk{Columns: columns, Visibility: visibility}, nil
}

// Capacity returns the number of physical rows.
func (c *DataChunk) Capacity() int {
	if len(c.Columns) == 0 {
		if c.Visibility != nil {
			return c.Visibility.Len()
		}
		return 0
	}
	return c.Columns[0].Len()
}

// Cardinality returns the number of visible rows.
func (c *DataChunk) Cardinality() int {
	if c.Visibility == nil {
		return c.Capacity()
	}
	return c.Visibility.CountOnes()
}

// Types returns the column types in order.
func (c *DataChunk) Types() []DataType {
	out := make([]DataType, len(c.Columns))
	for i, col := range c.Columns {
		out[i] = col.Type()
	}
	return out
}

// Rows returns the visible rows.
func (c *DataChunk) Rows() []Row {
	rows := make([]Row, 0, c.Cardinality())
	for i := 0; i < c.Capacity(); i++ {
		if c.Visibility != nil && !c.Visibility.Get(i) {
			continue
		}
		row := make(Row, len(c.Columns))
		for j, col := range c.Columns {
			row[j] = col.Datum(i)
		}
		rows = append(rows, row)
	}
	return rows
}

// ChunkFromRows builds a fully visible chunk with the given column types.
func ChunkFromRows(types []DataType, rows []Row) (*DataChunk, error) {
	columns := make([]*Column, len(types))
	for j, t := range types {
		values := make([]Datum, len(rows))
		for i, r := range rows {
			if len(r) != len(types) {
				return nil, fmt.Errorf("row %d has %d datums, want %d", i, len(r), len(types))
			}
			values[i] = r[j]
		}
		col, err := NewColumn(t, values...)
		if err != nil {
			return nil, err
		}
		columns[j] = col
	}
	return &DataChunk{Columns: columns}, nil
}
