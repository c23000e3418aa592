// Package types holds the scalar, row and columnar value model shared by the
// managed states and the exchange layer.
package types

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// DataType identifies the scalar type of a column.
type DataType uint8

const (
	Int32 DataType = iota + 1
	Int64
	Float64
	Boolean
	Varchar
	Decimal
)

func (t DataType) String() string {
	switch t {
	case Int32:
		return "INT32"
	case Int64:
		return "INT64"
	case Float64:
		return "FLOAT64"
	case Boolean:
		return "BOOLEAN"
	case Varchar:
		return "VARCHAR"
	case Decimal:
		return "DECIMAL"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// Valid reports whether t is a known type.
func (t DataType) Valid() bool {
	return t >= Int32 && t <= Decimal
}

// IsNumeric reports whether values of t can be summed.
func (t DataType) IsNumeric() bool {
	switch t {
	case Int32, Int64, Float64, Decimal:
		return true
	}
	return false
}

// Datum is a nullable scalar. A nil Datum is NULL; otherwise the dynamic type
// is int32, int64, float64, bool, string or decimal.Decimal according to the
// column's DataType.
type Datum any

// CheckDatum reports whether d is NULL or a value of type t.
func CheckDatum(t DataType, d Datum) error {
	if d == nil {
		return nil
	}
	ok := false
	switch t {
	case Int32:
		_, ok = d.(int32)
	case Int64:
		_, ok = d.(int64)
	case Float64:
		_, ok = d.(float64)
	case Boolean:
		_, ok = d.(bool)
	case Varchar:
		_, ok = d.(string)
	case Decimal:
		_, ok = d.(decimal.Decimal)
	}
	if !ok {
		return fmt.Errorf("datum %v (%T) is not a %s", d, d, t)
	}
	return nil
}

// Field is one column of a Schema.
type Field struct {
	Name string
	Type DataType
}

// Schema is an ordered list of fields.
type Schema struct {
	Fields []Field
}

// NewSchema builds an unnamed schema from column types.
func NewSchema(types ...DataType) Schema {
	fields := make([]Field, len(types))
	for i, t := range types {
		fields[i] = Field{Type: t}
	}
	return Schema{Fields: fields}
}

// Len returns the number of columns.
func (s Schema) Len() int {
	return len(s.Fields)
}

// Types returns the column types in order.
func (s Schema) Types() []DataType {
	out := make([]DataType, len(s.Fields))
	for i, f := range s.Fields {
		out[i] = f.Type
	}
	return out
}

// Row is an ordered tuple of datums.
type Row []Datum

// Project returns the datums at the given indices.
func (r Row) Project(indices []int) Row {
	out := make(Row, len(indices))
	for i, idx := range indices {
		out[i] = r[idx]
	}
	return out
}

func (r Row) String() string {
	parts := make([]string, len(r))
	for i, d := range r {
		if d == nil {
			parts[i] = "NULL"
			continue
		}
		parts[i] = fmt.Sprint(d)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Op is the change kind of one row in a stream chunk.
type Op uint8

const (
	OpInsert Op = iota + 1
	OpDelete
	OpUpdateDelete
	OpUpdateInsert
)

// IsRetraction reports whether op removes a previously emitted row.
func (op Op) IsRetraction() bool {
	return op == OpDelete || op == OpUpdateDelete
}

func (op Op) String() string {
	switch op {
	case OpInsert:
		return "Insert"
	case OpDelete:
		return "Delete"
	case OpUpdateDelete:
		return "UpdateDelete"
	case OpUpdateInsert:
		return "UpdateInsert"
	default:
		return fmt.Sprintf("Op(%d)", uint8(op))
	}
}
