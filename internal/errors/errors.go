// Package errors provides structured error types for the Kestrel engine.
// All errors include a category, code, message, and retryable flag so the
// correlation path can degrade locally while the persistence path retries.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by engine component.
type ErrorCategory string

const (
	ErrCategoryValidation  ErrorCategory = "VALIDATION"
	ErrCategoryStore       ErrorCategory = "STORE"
	ErrCategoryCorrelation ErrorCategory = "CORRELATION"
	ErrCategoryPersistence ErrorCategory = "PERSISTENCE"
	ErrCategoryConfig      ErrorCategory = "CONFIG"
	ErrCategoryInternal    ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeMalformedEvent  = "MALFORMED_EVENT"
	CodeUnknownModality = "UNKNOWN_MODALITY"
	CodeDuplicateEvent  = "DUPLICATE_EVENT"

	// Store codes
	CodeEntryExpired = "ENTRY_EXPIRED"
	CodeOverBudget   = "OVER_BUDGET"

	// Correlation codes
	CodeTriggerRejected = "TRIGGER_REJECTED"

	// Persistence codes
	CodeWriteFailed      = "WRITE_FAILED"
	CodeJournalFailed    = "JOURNAL_FAILED"
	CodeRetriesExhausted = "RETRIES_EXHAUSTED"
	CodeQueueOverflow    = "QUEUE_OVERFLOW"

	// Config codes
	CodeInvalidConfig = "INVALID_CONFIG"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// EngineError is the structured error type used throughout the engine.
type EngineError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *EngineError) Is(target error) bool {
	var t *EngineError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new EngineError.
func New(category ErrorCategory, code, message string) *EngineError {
	return &EngineError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new EngineError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *EngineError {
	return &EngineError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not an EngineError.
func GetCategory(err error) ErrorCategory {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
func GetCode(err error) string {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// isRetryable determines if an error code is retryable. Only transient
// persistence failures qualify; everything else is handled by degrading.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryPersistence && code == CodeWriteFailed:
		return true
	case category == ErrCategoryPersistence && code == CodeJournalFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *EngineError {
	return New(ErrCategoryValidation, code, message)
}

func NewStoreError(code, message string, cause error) *EngineError {
	return Wrap(ErrCategoryStore, code, message, cause)
}

func NewPersistenceError(code, message string, cause error) *EngineError {
	return Wrap(ErrCategoryPersistence, code, message, cause)
}

func NewConfigError(message string) *EngineError {
	return New(ErrCategoryConfig, CodeInvalidConfig, message)
}

func NewInternalError(message string, cause error) *EngineError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
