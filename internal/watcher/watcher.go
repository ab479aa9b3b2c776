package watcher

import (
	"fmt"
	"time"
)

// Operation is what happened to a watched file.
type Operation int

const (
	OpCreate Operation = iota
	OpModify
	OpDelete
)

func (op Operation) String() string {
	switch op {
	case OpCreate:
		return "CREATE"
	case OpModify:
		return "MODIFY"
	case OpDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// FileEvent is the coalesced change of one watched file within a batch.
type FileEvent struct {
	// Name is the base name of the file.
	Name      string
	Operation Operation

	// Count is the number of raw events merged into this one.
	Count int

	// First and Last bound the raw events.
	First time.Time
	Last  time.Time
}

// Options configures the watcher.
type Options struct {
	// DebounceWindow is the quiet period that ends a batch.
	DebounceWindow time.Duration

	// MaxDelay caps how long a batch may be held back by a steady stream
	// of writes. Zero means four debounce windows.
	MaxDelay time.Duration

	// PollInterval is the stat interval when fsnotify is unavailable.
	PollInterval time.Duration

	// EventBufferSize is the number of batches buffered for the consumer.
	EventBufferSize int

	// ForcePolling skips fsnotify. Useful on network mounts.
	ForcePolling bool
}

// DefaultOptions returns the default watcher options.
func DefaultOptions() Options {
	return Options{
		DebounceWindow:  100 * time.Millisecond,
		MaxDelay:        400 * time.Millisecond,
		PollInterval:    time.Second,
		EventBufferSize: 16,
	}
}

// WithDefaults fills zero values.
func (o Options) WithDefaults() Options {
	defaults := DefaultOptions()
	if o.DebounceWindow == 0 {
		o.DebounceWindow = defaults.DebounceWindow
	}
	if o.MaxDelay == 0 {
		o.MaxDelay = 4 * o.DebounceWindow
	}
	if o.PollInterval == 0 {
		o.PollInterval = defaults.PollInterval
	}
	if o.EventBufferSize == 0 {
		o.EventBufferSize = defaults.EventBufferSize
	}
	return o
}

// Validate rejects negative durations and a max delay shorter than the
// debounce window.
func (o Options) Validate() error {
	if o.DebounceWindow < 0 || o.MaxDelay < 0 || o.PollInterval < 0 {
		return fmt.Errorf("watcher durations must not be negative")
	}
	if o.MaxDelay != 0 && o.MaxDelay < o.DebounceWindow {
		return fmt.Errorf("watcher max delay %s is shorter than the debounce window %s", o.MaxDelay, o.DebounceWindow)
	}
	if o.EventBufferSize < 0 {
		return fmt.Errorf("watcher event buffer must not be negative")
	}
	return nil
}
