package validation

import (
	"fmt"

	"github.com/devrev/pairdb/streamstate/internal/errors"
	"github.com/devrev/pairdb/streamstate/internal/state"
	"github.com/devrev/pairdb/streamstate/internal/types"
)

const (
	// Size limits
	MaxKeySize   = 64 * 1024        // 64 KB
	MaxValueSize = 10 * 1024 * 1024 // 10 MB
	MaxBatchSize = 1_000_000        // writes per batch
)

// Validator checks write batches before they reach a state store
type Validator struct {
	maxKeySize   int
	maxValueSize int
	maxBatchSize int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{
		maxKeySize:   MaxKeySize,
		maxValueSize: MaxValueSize,
		maxBatchSize: MaxBatchSize,
	}
}

// NewValidatorWithLimits creates a validator with custom limits
func NewValidatorWithLimits(maxKeySize, maxValueSize, maxBatchSize int) *Validator {
	return &Validator{
		maxKeySize:   maxKeySize,
		maxValueSize: maxValueSize,
		maxBatchSize: maxBatchSize,
	}
}

// ValidateBatch validates every write of a batch
func (v *Validator) ValidateBatch(batch []state.Write) error {
	if len(batch) > v.maxBatchSize {
		return errors.InvalidArgument(
			fmt.Sprintf("batch has %d writes, maximum is %d", len(batch), v.maxBatchSize), nil)
	}
	for i, w := range batch {
		if err := v.ValidateKey(w.Key); err != nil {
			return err.WithDetail("index", i)
		}
		if err := v.ValidateValue(w.Value); err != nil {
			return err.WithDetail("index", i)
		}
	}
	return nil
}

// ValidateKey validates a state key
func (v *Validator) ValidateKey(key []byte) *errors.StateError {
	if len(key) == 0 {
		return errors.InvalidArgument("key cannot be empty", nil)
	}
	if len(key) > v.maxKeySize {
		return errors.KeyTooLarge(len(key), v.maxKeySize)
	}
	return nil
}

// ValidateValue validates a state value; nil is a deletion and always valid
func (v *Validator) ValidateValue(value []byte) *errors.StateError {
	if len(value) > v.maxValueSize {
		return errors.InvalidArgument(
			fmt.Sprintf("value size %d exceeds maximum %d", len(value), v.maxValueSize), nil).
			WithDetail("size", len(value))
	}
	return nil
}

// VerifyBatch checks that ops, visibility (when present) and every column
// have the same length. A mismatch is a caller defect.
func VerifyBatch(ops []types.Op, visibility *types.Bitmap, columns []*types.Column) error {
	n := len(ops)
	if visibility != nil && visibility.Len() != n {
		return errors.InvariantViolation(
			fmt.Sprintf("visibility has %d bits, ops has %d entries", visibility.Len(), n))
	}
	for i, c := range columns {
		if c.Len() != n {
			return errors.InvariantViolation(
				fmt.Sprintf("column %d has %d rows, ops has %d entries", i, c.Len(), n))
		}
	}
	return nil
}
