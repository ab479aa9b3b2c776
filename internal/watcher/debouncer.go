package watcher

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Debouncer coalesces rapid file events. SQLite touches its files many
// times per commit; one batch per quiet window is enough to trigger a
// refresh. A batch is emitted after the window passes without events, or
// at the latest maxDelay after its first event.
//
// Events for the same file are merged:
//   - CREATE + MODIFY = CREATE
//   - DELETE + CREATE = MODIFY (file was replaced)
//   - anything else keeps the latest operation
type Debouncer struct {
	window   time.Duration
	maxDelay time.Duration
	output   chan []FileEvent

	mu      sync.Mutex
	pending map[string]FileEvent
	opened  time.Time
	timer   *time.Timer
	stopped bool
}

// NewDebouncer creates a debouncer. A maxDelay below window is raised to
// window.
func NewDebouncer(window, maxDelay time.Duration, buffer int) *Debouncer {
	return &Debouncer{
		window:   window,
		maxDelay: max(window, maxDelay),
		pending:  make(map[string]FileEvent),
		output:   make(chan []FileEvent, buffer),
	}
}

// Add records an event.
func (d *Debouncer) Add(event FileEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	now := time.Now()
	if event.Last.IsZero() {
		event.Last = now
	}
	event.First, event.Count = event.Last, 1

	if existing, ok := d.pending[event.Name]; ok {
		switch {
		case existing.Operation == OpCreate && event.Operation == OpModify:
			event.Operation = OpCreate
		case existing.Operation == OpDelete && event.Operation == OpCreate:
			event.Operation = OpModify
		}
		event.First = existing.First
		event.Count = existing.Count + 1
	}
	if len(d.pending) == 0 {
		d.opened = now
	}
	d.pending[event.Name] = event

	wait := d.window
	if deadline := d.opened.Add(d.maxDelay); now.Add(wait).After(deadline) {
		wait = max(0, deadline.Sub(now))
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(wait, d.flush)
}

// flush emits all pending events sorted by name.
func (d *Debouncer) flush() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped || len(d.pending) == 0 {
		return
	}

	events := make([]FileEvent, 0, len(d.pending))
	for _, e := range d.pending {
		events = append(events, e)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Name < events[j].Name })
	d.pending = make(map[string]FileEvent)

	// A dropped batch is covered by the next one
	select {
	case d.output <- events:
	default:
		slog.Warn("debouncer_output_full", slog.Int("batch_size", len(events)))
	}
}

// Output returns the channel of debounced batches.
func (d *Debouncer) Output() <-chan []FileEvent {
	return d.output
}

// Stop stops the debouncer and closes the output channel. Safe to call
// multiple times.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
	close(d.output)
}
