// Package aggregation implements the in-memory accumulators of streaming
// aggregates.
package aggregation

import (
	"fmt"
	"math"

	"github.com/devrev/pairdb/streamstate/internal/errors"
	"github.com/devrev/pairdb/streamstate/internal/types"
	"github.com/devrev/pairdb/streamstate/internal/validation"
	"github.com/shopspring/decimal"
)

// AggKind is the aggregate function.
type AggKind uint8

const (
	Count AggKind = iota + 1
	Sum
	Min
	Max
	RowCount
)

func (k AggKind) String() string {
	switch k {
	case Count:
		return "count"
	case Sum:
		return "sum"
	case Min:
		return "min"
	case Max:
		return "max"
	case RowCount:
		return "row_count"
	default:
		return fmt.Sprintf("agg(%d)", uint8(k))
	}
}

// AggArgs lists the argument types and the input column each is read from.
type AggArgs struct {
	Types   []types.DataType
	Columns []int
}

// NoArgs is the argument list of row_count.
func NoArgs() AggArgs {
	return AggArgs{}
}

// Unary is a single argument of type t read from column idx.
func Unary(t types.DataType, idx int) AggArgs {
	return AggArgs{Types: []types.DataType{t}, Columns: []int{idx}}
}

// AggCall describes one aggregate call.
type AggCall struct {
	Kind       AggKind
	Args       AggArgs
	ReturnType types.DataType
}

// StreamingAggState is the accumulator of one aggregate call. The set of
// implementations is closed; use CreateStreamingAggState.
type StreamingAggState interface {
	// ApplyBatch folds the visible rows of a batch into the accumulator.
	ApplyBatch(ops []types.Op, visibility *types.Bitmap, columns []*types.Column) error

	// GetOutput returns the current aggregate value.
	GetOutput() (types.Datum, error)

	// Kind returns the aggregate function of the state.
	Kind() AggKind

	sealed()
}

// CreateStreamingAggState builds the accumulator for call, seeded with a
// previously persisted output when initial is non-nil.
func CreateStreamingAggState(call AggCall, initial types.Datum) (StreamingAggState, error) {
	if err := types.CheckDatum(call.ReturnType, initial); err != nil {
		return nil, errors.Encoding("persisted aggregate value has wrong type", err)
	}

	switch call.Kind {
	case RowCount:
		if len(call.Args.Types) != 0 {
			return nil, invalidCall(call, "row_count takes no arguments")
		}
		if call.ReturnType != types.Int64 {
			return nil, invalidCall(call, "row_count returns INT64")
		}
		return newCountState(call, -1, initial), nil

	case Count:
		if len(call.Args.Types) != 1 {
			return nil, invalidCall(call, "count takes one argument")
		}
		if call.ReturnType != types.Int64 {
			return nil, invalidCall(call, "count returns INT64")
		}
		return newCountState(call, call.Args.Columns[0], initial), nil

	case Sum:
		if len(call.Args.Types) != 1 {
			return nil, invalidCall(call, "sum takes one argument")
		}
		if want, ok := sumReturnType(call.Args.Types[0]); !ok || want != call.ReturnType {
			return nil, invalidCall(call, fmt.Sprintf("sum over %s cannot return %s", call.Args.Types[0], call.ReturnType))
		}
		return &sumState{argType: call.Args.Types[0], column: call.Args.Columns[0], result: initial}, nil

	case Min, Max:
		if len(call.Args.Types) != 1 {
			return nil, invalidCall(call, fmt.Sprintf("%s takes one argument", call.Kind))
		}
		if call.Args.Types[0] != call.ReturnType {
			return nil, invalidCall(call, fmt.Sprintf("%s over %s cannot return %s", call.Kind, call.Args.Types[0], call.ReturnType))
		}
		return &extremeState{kind: call.Kind, typ: call.ReturnType, column: call.Args.Columns[0], result: initial}, nil
	}

	return nil, invalidCall(call, "unsupported aggregate")
}

func invalidCall(call AggCall, msg string) error {
	return errors.InvalidArgument(msg, nil).
		WithDetail("kind", call.Kind.String()).
		WithDetail("return_type", call.ReturnType.String())
}

func sumReturnType(arg types.DataType) (types.DataType, bool) {
	switch arg {
	case types.Int32, types.Int64:
		return types.Int64, true
	case types.Float64:
		return types.Float64, true
	case types.Decimal:
		return types.Decimal, true
	}
	return 0, false
}

// argColumn returns the argument column at idx after checking it exists and
// holds typ.
func argColumn(columns []*types.Column, idx int, typ types.DataType) (*types.Column, error) {
	if idx < 0 || idx >= len(columns) || columns[idx] == nil {
		return nil, errors.InvariantViolation(fmt.Sprintf("argument column %d missing from batch of %d columns", idx, len(columns)))
	}
	if col := columns[idx]; col.Type() != typ {
		return nil, errors.InvariantViolation(fmt.Sprintf("argument column %d is %s, want %s", idx, col.Type(), typ))
	}
	return columns[idx], nil
}

func visible(visibility *types.Bitmap, i int) bool {
	return visibility == nil || visibility.Get(i)
}

// countState serves count(x), which skips NULLs, and row_count, which has
// no argument column (column < 0).
type countState struct {
	kind    AggKind
	column  int
	argType types.DataType
	count   int64
}

func newCountState(call AggCall, column int, initial types.Datum) *countState {
	s := &countState{kind: call.Kind, column: column}
	if column >= 0 {
		s.argType = call.Args.Types[0]
	}
	if initial != nil {
		s.count = initial.(int64)
	}
	return s
}

func (s *countState) ApplyBatch(ops []types.Op, visibility *types.Bitmap, columns []*types.Column) error {
	if err := validation.VerifyBatch(ops, visibility, columns); err != nil {
		return err
	}
	var col *types.Column
	if s.column >= 0 {
		var err error
		if col, err = argColumn(columns, s.column, s.argType); err != nil {
			return err
		}
	}
	for i, op := range ops {
		if !visible(visibility, i) {
			continue
		}
		if col != nil && col.IsNull(i) {
			continue
		}
		if op.IsRetraction() {
			s.count--
		} else {
			s.count++
		}
	}
	return nil
}

func (s *countState) GetOutput() (types.Datum, error) {
	return s.count, nil
}

func (s *countState) Kind() AggKind { return s.kind }

func (s *countState) sealed() {}

// sumState is NULL until the first non-NULL input. A batch that would
// overflow an INT64 sum is rejected whole.
type sumState struct {
	argType types.DataType
	column  int
	result  types.Datum
}

func (s *sumState) ApplyBatch(ops []types.Op, visibility *types.Bitmap, columns []*types.Column) error {
	if err := validation.VerifyBatch(ops, visibility, columns); err != nil {
		return err
	}
	col, err := argColumn(columns, s.column, s.argType)
	if err != nil {
		return err
	}
	result := s.result
	for i, op := range ops {
		if !visible(visibility, i) || col.IsNull(i) {
			continue
		}
		if result, err = addDatum(s.argType, result, col.Datum(i), op.IsRetraction()); err != nil {
			return err
		}
	}
	s.result = result
	return nil
}

func addDatum(argType types.DataType, acc, v types.Datum, negate bool) (types.Datum, error) {
	switch argType {
	case types.Int32, types.Int64:
		var delta int64
		if argType == types.Int32 {
			delta = int64(v.(int32))
		} else {
			delta = v.(int64)
		}
		var sum int64
		if acc != nil {
			sum = acc.(int64)
		}
		if negate {
			if delta == math.MinInt64 {
				return nil, errors.InvariantViolation("sum overflows INT64")
			}
			delta = -delta
		}
		if (delta > 0 && sum > math.MaxInt64-delta) || (delta < 0 && sum < math.MinInt64-delta) {
			return nil, errors.InvariantViolation("sum overflows INT64")
		}
		return sum + delta, nil

	case types.Float64:
		delta := v.(float64)
		if negate {
			delta = -delta
		}
		if acc == nil {
			return delta, nil
		}
		return acc.(float64) + delta, nil

	default:
		delta := v.(decimal.Decimal)
		if negate {
			delta = delta.Neg()
		}
		if acc == nil {
			return delta, nil
		}
		return acc.(decimal.Decimal).Add(delta), nil
	}
}

func (s *sumState) GetOutput() (types.Datum, error) {
	return s.result, nil
}

func (s *sumState) Kind() AggKind { return Sum }

func (s *sumState) sealed() {}

// extremeState serves append-only min and max. A retraction cannot be
// answered without the full input, so a batch carrying one is rejected
// before any row is folded.
type extremeState struct {
	kind   AggKind
	typ    types.DataType
	column int
	result types.Datum
}

func (s *extremeState) ApplyBatch(ops []types.Op, visibility *types.Bitmap, columns []*types.Column) error {
	if err := validation.VerifyBatch(ops, visibility, columns); err != nil {
		return err
	}
	col, err := argColumn(columns, s.column, s.typ)
	if err != nil {
		return err
	}
	for i, op := range ops {
		if visible(visibility, i) && !col.IsNull(i) && op.IsRetraction() {
			return errors.InvariantViolation(fmt.Sprintf("append-only %s received %s", s.kind, op))
		}
	}
	for i := range ops {
		if !visible(visibility, i) || col.IsNull(i) {
			continue
		}
		v := col.Datum(i)
		if s.result == nil {
			s.result = v
			continue
		}
		c := Compare(s.typ, v, s.result)
		if (s.kind == Min && c < 0) || (s.kind == Max && c > 0) {
			s.result = v
		}
	}
	return nil
}

func (s *extremeState) GetOutput() (types.Datum, error) {
	return s.result, nil
}

func (s *extremeState) Kind() AggKind { return s.kind }

func (s *extremeState) sealed() {}

// Compare orders two non-NULL datums of type t.
func Compare(t types.DataType, a, b types.Datum) int {
	switch t {
	case types.Int32:
		return cmpOrdered(a.(int32), b.(int32))
	case types.Int64:
		return cmpOrdered(a.(int64), b.(int64))
	case types.Float64:
		return cmpOrdered(a.(float64), b.(float64))
	case types.Varchar:
		return cmpOrdered(a.(string), b.(string))
	case types.Boolean:
		x, y := a.(bool), b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		default:
			return 1
		}
	case types.Decimal:
		return a.(decimal.Decimal).Cmp(b.(decimal.Decimal))
	}
	panic(fmt.Sprintf("aggregation: cannot compare %s", t))
}

func cmpOrdered[T int32 | int64 | float64 | string](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
