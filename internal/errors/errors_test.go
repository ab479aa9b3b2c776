package errors

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAmanError_Unwrap_PreservesOriginalError(t *testing.T) {
	// Given: an original error
	originalErr := errors.New("database is locked")

	// When: wrapping with AmanError
	amanErr := New(ErrCodeStorageConflict, "commit failed", originalErr)

	// Then: unwrapping returns original error
	require.NotNil(t, amanErr)
	assert.Equal(t, originalErr, errors.Unwrap(amanErr))
	assert.True(t, errors.Is(amanErr, originalErr))
}

func TestAmanError_Error_ReturnsFormattedMessage(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		message  string
		expected string
	}{
		{
			name:     "config error",
			code:     ErrCodeConfigInvalid,
			message:  "pulse threshold must be positive",
			expected: "[ERR_102_CONFIG_INVALID] pulse threshold must be positive",
		},
		{
			name:     "storage error",
			code:     ErrCodeStorageConflict,
			message:  "write conflict",
			expected: "[ERR_201_STORAGE_CONFLICT] write conflict",
		},
		{
			name:     "definition error",
			code:     ErrCodeMapFailed,
			message:  "map failed for orders/1",
			expected: "[ERR_303_MAP_FAILED] map failed for orders/1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, tt.message, nil)
			assert.Equal(t, tt.expected, err.Error())
		})
	}
}

func TestClassification_FromCode(t *testing.T) {
	tests := []struct {
		code      string
		category  Category
		fatal     bool
		retryable bool
	}{
		{ErrCodeConfigInvalid, CategoryConfig, false, false},
		{ErrCodeStorageConflict, CategoryStorage, false, true},
		{ErrCodeCorruptIndex, CategoryStorage, true, false},
		{ErrCodeCheckpointCorrupt, CategoryStorage, true, false},
		{ErrCodeDefinitionInvalid, CategoryDefinition, true, false},
		{ErrCodeUnsupportedOperation, CategoryDefinition, true, false},
		{ErrCodeMapFailed, CategoryDefinition, false, false},
		{ErrCodeIndexNotFound, CategoryValidation, false, false},
		{ErrCodeInternal, CategoryInternal, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := New(tt.code, "msg", nil)
			assert.Equal(t, tt.category, err.Category)
			assert.Equal(t, tt.fatal, IsFatal(err))
			assert.Equal(t, tt.retryable, IsRetryable(err))
		})
	}
}

func TestIsRetryable_SeesThroughWrapping(t *testing.T) {
	// Given: a conflict wrapped by fmt.Errorf
	err := fmt.Errorf("pulse commit: %w", ConflictError("busy", nil))

	// Then: classification follows the chain
	assert.True(t, IsRetryable(err))
	assert.False(t, IsFatal(err))
	assert.Equal(t, ErrCodeStorageConflict, GetCode(err))
	assert.True(t, HasCode(err, ErrCodeStorageConflict))
	assert.False(t, HasCode(err, ErrCodeCorruptIndex))
}

func TestIsFatal_PlainErrorIsNotFatal(t *testing.T) {
	assert.False(t, IsFatal(errors.New("boom")))
	assert.False(t, IsRetryable(nil))
	assert.Equal(t, "", GetCode(errors.New("boom")))
}

func TestAmanError_Is_MatchesByCode(t *testing.T) {
	// Given: two errors with the same code and different messages
	a := New(ErrCodeIndexNotFound, "index a not found", nil)
	b := New(ErrCodeIndexNotFound, "index b not found", nil)

	// Then: they match by code
	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, New(ErrCodeIndexExists, "", nil)))
}

func TestCorruptError_CarriesSuggestion(t *testing.T) {
	err := CorruptError("integrity check failed", nil)

	assert.Equal(t, ErrCodeCorruptIndex, err.Code)
	assert.Contains(t, err.Suggestion, "rebuild")
	assert.Contains(t, FormatForCLI(err), "Hint:")
}

func TestWrap_NilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(ErrCodeInternal, nil))
}

func TestWithDetail_AddsDetails(t *testing.T) {
	err := New(ErrCodeMapFailed, "map failed", nil).
		WithDetail("index", "orders_by_company").
		WithDetail("key", "orders/1")

	assert.Equal(t, "orders_by_company", err.Details["index"])
	assert.Equal(t, "orders/1", err.Details["key"])

	cli := FormatForCLI(err)
	assert.Contains(t, cli, "  key: orders/1\n")
	assert.Less(t, strings.Index(cli, "index:"), strings.Index(cli, "key:"))
}

func TestLogAttr_GroupsCodedFields(t *testing.T) {
	// Given: a JSON logger and a coded error with a detail
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	err := New(ErrCodeMapFailed, "map failed", fmt.Errorf("boom")).WithDetail("key", "orders/1")

	// When: logging it as an attribute
	logger.Warn("map_failed", LogAttr(err))

	// Then: the group carries code, cause and detail
	out := buf.String()
	assert.Contains(t, out, `"error":{"code":"ERR_303_MAP_FAILED"`)
	assert.Contains(t, out, `"cause":"boom"`)
	assert.Contains(t, out, `"key":"orders/1"`)
}

func TestLogAttr_PlainError(t *testing.T) {
	var buf bytes.Buffer
	slog.New(slog.NewJSONHandler(&buf, nil)).Info("x", LogAttr(fmt.Errorf("plain")))

	assert.Contains(t, buf.String(), `"error":{"message":"plain"}`)
}

func TestNew_DefaultSuggestionFromCode(t *testing.T) {
	// Given: codes with and without a default hint
	nf := NotFoundError("orders")
	plain := New(ErrCodeInvalidInput, "bad", nil)

	// Then: the hint is carried and overridable
	assert.Contains(t, nf.Suggestion, "amandb index list")
	assert.Equal(t, "orders", nf.Details["index"])
	assert.Empty(t, plain.Suggestion)
	assert.Equal(t, "x", New(ErrCodeCorruptIndex, "m", nil).WithSuggestion("x").Suggestion)
	assert.Equal(t, SeverityError, plain.Severity)
	assert.Equal(t, SeverityWarning, ConflictError("busy", nil).Severity)
}
