package errors

import (
	stderrors "errors"
	"fmt"
)

// AmanError is the structured error type for amandb.
// It carries enough context for the indexing engine to decide between
// retrying a batch, isolating a failure, or stopping an index.
type AmanError struct {
	// Code is the unique error code (e.g., "ERR_201_STORAGE_CONFLICT").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, Storage, Definition, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Suggestion is an actionable suggestion for the operator.
	Suggestion string
}

// Error implements the error interface.
func (e *AmanError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *AmanError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an AmanError with the same code.
func (e *AmanError) Is(target error) bool {
	if t, ok := target.(*AmanError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
func (e *AmanError) WithDetail(key, value string) *AmanError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the operator.
func (e *AmanError) WithSuggestion(suggestion string) *AmanError {
	e.Suggestion = suggestion
	return e
}

// New creates a new AmanError with the given code and message.
// Category, severity, retryable flag and a default suggestion are derived
// from the code.
func New(code string, message string, cause error) *AmanError {
	info := lookup(code)
	return &AmanError{
		Code:       code,
		Message:    message,
		Category:   categoryFromCode(code),
		Severity:   info.severity,
		Cause:      cause,
		Retryable:  info.retryable,
		Suggestion: info.suggestion,
	}
}

// Wrap creates an AmanError from an existing error.
// The error's message becomes the AmanError message.
func Wrap(code string, err error) *AmanError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *AmanError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// ConflictError creates a retryable storage write conflict.
func ConflictError(message string, cause error) *AmanError {
	return New(ErrCodeStorageConflict, message, cause)
}

// CorruptError creates a fatal result store corruption error.
func CorruptError(message string, cause error) *AmanError {
	return New(ErrCodeCorruptIndex, message, cause)
}

// DefinitionError creates a fatal definition error.
func DefinitionError(message string, cause error) *AmanError {
	return New(ErrCodeDefinitionInvalid, message, cause)
}

// NotFoundError reports an unknown index name.
func NotFoundError(name string) *AmanError {
	return New(ErrCodeIndexNotFound, "index not found: "+name, nil).WithDetail("index", name)
}

// ValidationError creates a validation-related error.
func ValidationError(message string, cause error) *AmanError {
	return New(ErrCodeInvalidInput, message, cause)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *AmanError {
	return New(ErrCodeInternal, message, cause)
}

// As finds the first AmanError in err's chain.
func As(err error) (*AmanError, bool) {
	var ae *AmanError
	if stderrors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
// Returns true if any AmanError in the chain has the Retryable flag set.
func IsRetryable(err error) bool {
	if ae, ok := As(err); ok {
		return ae.Retryable
	}
	return false
}

// IsFatal checks if an error has fatal severity.
// Fatal errors move an index to the Error state.
func IsFatal(err error) bool {
	if ae, ok := As(err); ok {
		return ae.Severity == SeverityFatal
	}
	return false
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code string) bool {
	return stderrors.Is(err, &AmanError{Code: code})
}

// GetCode extracts the error code from an AmanError.
// Returns empty string if not an AmanError.
func GetCode(err error) string {
	if ae, ok := As(err); ok {
		return ae.Code
	}
	return ""
}

// GetCategory extracts the category from an AmanError.
// Returns empty string if not an AmanError.
func GetCategory(err error) Category {
	if ae, ok := As(err); ok {
		return ae.Category
	}
	return ""
}
