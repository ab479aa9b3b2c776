// Package errors provides structured error handling for amandb.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: Storage and result store errors
//   - 3XX: Index definition errors
//   - 4XX: Validation and operator errors
//   - 5XX: Internal errors
package errors

// Category groups codes by the hundreds digit.
type Category string

const (
	CategoryConfig     Category = "CONFIG"
	CategoryStorage    Category = "STORAGE"
	CategoryDefinition Category = "DEFINITION"
	CategoryValidation Category = "VALIDATION"
	CategoryInternal   Category = "INTERNAL"
)

// Severity decides what the indexing engine does with an error.
type Severity string

const (
	// SeverityFatal stops the index until an operator intervenes.
	SeverityFatal Severity = "FATAL"
	// SeverityError fails the operation; the index backs off and retries.
	SeverityError Severity = "ERROR"
	// SeverityWarning is retried in place.
	SeverityWarning Severity = "WARNING"
)

const (
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"

	ErrCodeStorageConflict   = "ERR_201_STORAGE_CONFLICT"
	ErrCodeStorageClosed     = "ERR_202_STORAGE_CLOSED"
	ErrCodeStorageIO         = "ERR_203_STORAGE_IO"
	ErrCodeCorruptIndex      = "ERR_205_CORRUPT_INDEX"
	ErrCodeCheckpointCorrupt = "ERR_206_CHECKPOINT_CORRUPT"

	ErrCodeDefinitionInvalid    = "ERR_301_DEFINITION_INVALID"
	ErrCodeUnsupportedOperation = "ERR_302_UNSUPPORTED_OPERATION"
	ErrCodeMapFailed            = "ERR_303_MAP_FAILED"
	ErrCodeReduceFailed         = "ERR_304_REDUCE_FAILED"

	ErrCodeInvalidInput         = "ERR_401_INVALID_INPUT"
	ErrCodeIndexNotFound        = "ERR_402_INDEX_NOT_FOUND"
	ErrCodeIndexState           = "ERR_403_INDEX_STATE"
	ErrCodeConfirmationRequired = "ERR_404_CONFIRMATION_REQUIRED"
	ErrCodeIndexExists          = "ERR_405_INDEX_EXISTS"

	ErrCodeInternal    = "ERR_501_INTERNAL"
	ErrCodeIndexFailed = "ERR_502_INDEX_FAILED"
)

// codeInfo is the classification of a code that differs from the
// defaults: SeverityError, not retryable, no suggestion.
type codeInfo struct {
	severity   Severity
	retryable  bool
	suggestion string
}

var codes = map[string]codeInfo{
	ErrCodeStorageConflict: {severity: SeverityWarning, retryable: true},
	ErrCodeStorageClosed: {
		suggestion: "the document store was closed, restart 'amandb serve'",
	},
	ErrCodeCorruptIndex: {
		severity:   SeverityFatal,
		suggestion: "rebuild the index with 'amandb index rebuild --yes'",
	},
	ErrCodeCheckpointCorrupt: {
		severity:   SeverityFatal,
		suggestion: "rebuild the index with 'amandb index rebuild --yes'",
	},
	ErrCodeDefinitionInvalid: {
		severity:   SeverityFatal,
		suggestion: "fix the index definition, then run 'amandb index reset'",
	},
	ErrCodeUnsupportedOperation: {severity: SeverityFatal},
	ErrCodeIndexNotFound: {
		suggestion: "list the configured indexes with 'amandb index list'",
	},
	ErrCodeConfigNotFound: {
		suggestion: "create one with 'amandb config init'",
	},
}

func lookup(code string) codeInfo {
	info, ok := codes[code]
	if !ok || info.severity == "" {
		info.severity = SeverityError
	}
	return info
}

// categoryFromCode reads the hundreds digit of ERR_XXX_NAME.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryStorage
	case '3':
		return CategoryDefinition
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}
