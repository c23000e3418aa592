package errors

import (
	stderrors "errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for state layer operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Caller errors
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeNotFound        ErrorCode = 1001
	ErrCodeInvariant       ErrorCode = 1002
	ErrCodeKeyTooLarge     ErrorCode = 1003

	// Encoding and persistence errors
	ErrCodeEncoding      ErrorCode = 2000
	ErrCodeStore         ErrorCode = 2001
	ErrCodeCorruptedData ErrorCode = 2002
	ErrCodeConnection    ErrorCode = 2003
	ErrCodeInternal      ErrorCode = 2004
)

// StateError represents a structured error with code and context
type StateError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *StateError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *StateError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts StateError to gRPC status
func (e *StateError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

// toGRPCCode maps internal error codes to gRPC codes
func (e *StateError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeKeyTooLarge:
		return codes.InvalidArgument
	case ErrCodeNotFound:
		return codes.NotFound
	case ErrCodeInvariant:
		return codes.FailedPrecondition
	case ErrCodeCorruptedData:
		return codes.DataLoss
	case ErrCodeConnection:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// NewStateError creates a new StateError
func NewStateError(code ErrorCode, message string, cause error) *StateError {
	return &StateError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *StateError) WithDetail(key string, value interface{}) *StateError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *StateError {
	return NewStateError(ErrCodeInvalidArgument, message, cause)
}

func NotFound(what string) *StateError {
	return NewStateError(ErrCodeNotFound, fmt.Sprintf("%s not found", what), nil).
		WithDetail("resource", what)
}

// InvariantViolation reports a caller-side programming defect, such as a
// batch whose ops, visibility and columns disagree in length.
func InvariantViolation(message string) *StateError {
	return NewStateError(ErrCodeInvariant, message, nil)
}

func KeyTooLarge(size, maxSize int) *StateError {
	return NewStateError(ErrCodeKeyTooLarge, fmt.Sprintf("key size %d exceeds maximum %d", size, maxSize), nil).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

// Encoding reports a failure to encode or decode keys and values. Never retried.
func Encoding(message string, cause error) *StateError {
	return NewStateError(ErrCodeEncoding, message, cause)
}

// SegmentTooLong is the encoding error raised by variant-length keyspace segments.
func SegmentTooLong(length int) *StateError {
	return NewStateError(ErrCodeEncoding, fmt.Sprintf("segment length %d out of u16 range", length), nil).
		WithDetail("length", length).
		WithDetail("max_length", 0xFFFF)
}

// Store wraps a failure of the backing state or meta store. The cause is
// preserved unchanged so callers can inspect it with errors.Is / errors.As.
func Store(op string, cause error) *StateError {
	return NewStateError(ErrCodeStore, fmt.Sprintf("state store %s failed", op), cause).
		WithDetail("op", op)
}

func CorruptedData(message string, cause error) *StateError {
	return NewStateError(ErrCodeCorruptedData, message, cause)
}

// Connection reports that an exchange channel to a remote task could not be
// established. It is surfaced immediately and is not retryable.
func Connection(addr string, cause error) *StateError {
	return NewStateError(ErrCodeConnection, fmt.Sprintf("failed to connect to %s", addr), cause).
		WithDetail("addr", addr)
}

func InternalError(message string, cause error) *StateError {
	return NewStateError(ErrCodeInternal, message, cause)
}

// IsStateError checks if an error is, or wraps, a StateError
func IsStateError(err error) bool {
	var se *StateError
	return stderrors.As(err, &se)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var se *StateError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}
