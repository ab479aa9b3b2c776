package errors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fastRetry() RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	return cfg
}

func TestRetry_SucceedsAfterConflict(t *testing.T) {
	// Given: a function that conflicts twice then succeeds
	attempts := 0
	fn := func() error {
		attempts++
		if attempts < 3 {
			return ConflictError("database is locked", nil)
		}
		return nil
	}

	// When: retrying with default config
	err := Retry(context.Background(), fastRetry(), fn)

	// Then: succeeds after 3 attempts
	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_FailsAfterMaxRetries(t *testing.T) {
	// Given: a function that always conflicts
	attempts := 0
	fn := func() error {
		attempts++
		return ConflictError("busy", nil)
	}

	cfg := fastRetry()
	cfg.MaxRetries = 2

	// When: retrying
	err := Retry(context.Background(), cfg, fn)

	// Then: fails with wrapped error that is still classified as retryable
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 retries")
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 3, attempts)
}

func TestRetry_StopsOnNonRetryableError(t *testing.T) {
	// Given: a function failing with a fatal error
	attempts := 0
	fatal := DefinitionError("reduce is not defined", nil)
	fn := func() error {
		attempts++
		return fatal
	}

	// When: retrying with ShouldRetry = IsRetryable
	err := Retry(context.Background(), fastRetry(), fn)

	// Then: returns immediately with the original error
	assert.Equal(t, 1, attempts)
	assert.True(t, errors.Is(err, fatal))
}

func TestRetry_NilShouldRetryRetriesEverything(t *testing.T) {
	attempts := 0
	cfg := fastRetry()
	cfg.ShouldRetry = nil
	cfg.MaxRetries = 1

	_ = Retry(context.Background(), cfg, func() error {
		attempts++
		return errors.New("plain")
	})

	assert.Equal(t, 2, attempts)
}

func TestRetry_RespectsContextCancellation(t *testing.T) {
	// Given: a cancelled context
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// When: retrying
	err := Retry(ctx, fastRetry(), func() error { return nil })

	// Then: context error is returned before the first attempt
	assert.ErrorIs(t, err, context.Canceled)
}
