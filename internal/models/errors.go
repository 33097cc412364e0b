package models

import (
	"errors"
	"fmt"
)

var (
	ErrMissingField     = errors.New("missing field")
	ErrTypeConflict     = errors.New("type conflict")
	ErrOfflineFetch     = errors.New("fetch is not available in offline mode")
	ErrUnsupportedValue = errors.New("unsupported value")
	ErrInvalidPath      = errors.New("invalid attribute path")

	// ErrBatchTooLarge means the backend refused a batch for its size alone.
	// None of its operations were rejected; a smaller batch may succeed.
	ErrBatchTooLarge = errors.New("batch too large")
)

// Error codes shared by the backend and the client for application errors.
const (
	CodeTypeConflict = "type_conflict"
	CodeInvalidOp    = "invalid_operation"
	CodeNotFound     = "not_found"
	CodeTooLarge     = "batch_too_large"
)

// TypeConflictError reports an assignment whose type differs from the type
// already locked at the path.
type TypeConflictError struct {
	Path      Path
	Existing  AttrType
	Attempted AttrType
}

func (e *TypeConflictError) Error() string {
	return fmt.Sprintf("type conflict at %s: attribute is %s, cannot assign %s", e.Path, e.Existing, e.Attempted)
}

func (e *TypeConflictError) Is(target error) bool {
	return target == ErrTypeConflict
}

// MissingFieldError reports a fetch of a path that holds no attribute.
type MissingFieldError struct {
	Path Path
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing field: %s", e.Path)
}

func (e *MissingFieldError) Is(target error) bool {
	return target == ErrMissingField
}

// OperationError is a permanent failure to apply the operation at Version.
// Retrying it cannot succeed.
type OperationError struct {
	Version uint64
	Path    Path
	Kind    OpKind
	Code    string
	Message string
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("operation %d (%s %s) rejected: %s: %s", e.Version, e.Kind, e.Path, e.Code, e.Message)
}

func (e *OperationError) Is(target error) bool {
	return target == ErrTypeConflict && e.Code == CodeTypeConflict
}

// RetryableError wraps a transient failure (network, 5xx, throttling).
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// Retryable marks err as transient.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err, or anything it wraps, is a RetryableError.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}
