package index

import (
	"time"

	amerrors "github.com/Aman-CERP/amandb/internal/errors"
	"github.com/Aman-CERP/amandb/internal/results"
)

// Config tunes the run loop of an index.
type Config struct {
	// PulseThreshold is the number of items consumed from one stream before
	// the pending writes are committed and the read transaction is renewed.
	// Lower it where address space is constrained. 0 disables pulsing.
	PulseThreshold int

	// MaxBatchItems bounds the items one wake-up may process before the
	// index yields. 0 means unbounded.
	MaxBatchItems int

	// MaxBatchDuration bounds the time one wake-up may run. 0 means unbounded.
	MaxBatchDuration time.Duration

	// ErrorRateThreshold is the failure ratio above which the index moves
	// to Error, once MinAttempts items have been attempted.
	ErrorRateThreshold float64

	// MinAttempts is the number of attempts before the error rate applies.
	MinAttempts int64

	// LoadCacheSize is the per-pulse cache of dereferenced items.
	LoadCacheSize int

	// Tree shapes the reduce tree.
	Tree results.TreeConfig

	// Retry controls retries of a batch after a transient conflict.
	Retry amerrors.RetryConfig

	// FailureBackoff delays the next batch after a non-retryable,
	// non-fatal error.
	FailureBackoff time.Duration
}

// DefaultConfig returns the default run loop configuration.
func DefaultConfig() Config {
	return Config{
		PulseThreshold:     4096,
		MaxBatchItems:      128 * 1024,
		MaxBatchDuration:   30 * time.Second,
		ErrorRateThreshold: 0.15,
		MinAttempts:        100,
		LoadCacheSize:      1024,
		Tree:               results.DefaultTreeConfig(),
		Retry:              amerrors.DefaultRetryConfig(),
		FailureBackoff:     5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PulseThreshold < 0 {
		c.PulseThreshold = 0
	}
	if c.ErrorRateThreshold <= 0 {
		c.ErrorRateThreshold = d.ErrorRateThreshold
	}
	if c.MinAttempts <= 0 {
		c.MinAttempts = d.MinAttempts
	}
	if c.LoadCacheSize <= 0 {
		c.LoadCacheSize = d.LoadCacheSize
	}
	if c.Retry.ShouldRetry == nil {
		c.Retry.ShouldRetry = amerrors.IsRetryable
	}
	if c.FailureBackoff <= 0 {
		c.FailureBackoff = d.FailureBackoff
	}
	return c
}
