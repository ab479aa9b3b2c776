package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileWatcher watches a fixed set of file names in one directory.
type FileWatcher struct {
	dir       string
	names     map[string]struct{}
	opts      Options
	debouncer *Debouncer

	mu      sync.Mutex
	polling bool
	stopCh  chan struct{}
	stopped bool
}

// New creates a watcher for the given file names inside dir.
func New(dir string, opts Options, names ...string) *FileWatcher {
	opts = opts.WithDefaults()
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return &FileWatcher{
		dir:       dir,
		names:     set,
		opts:      opts,
		debouncer: NewDebouncer(opts.DebounceWindow, opts.MaxDelay, opts.EventBufferSize),
		stopCh:    make(chan struct{}),
	}
}

// Events returns debounced event batches. The channel closes on Stop.
func (w *FileWatcher) Events() <-chan []FileEvent {
	return w.debouncer.Output()
}

// Polling reports whether the watcher fell back to polling.
func (w *FileWatcher) Polling() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.polling
}

// Start watches until ctx is cancelled or Stop is called.
func (w *FileWatcher) Start(ctx context.Context) error {
	defer w.Stop()

	if !w.opts.ForcePolling {
		fsw, err := fsnotify.NewWatcher()
		if err == nil {
			if err = fsw.Add(w.dir); err == nil {
				defer fsw.Close()
				return w.runFsnotify(ctx, fsw)
			}
			_ = fsw.Close()
		}
		slog.Warn("watcher_polling_fallback",
			slog.String("dir", w.dir),
			slog.String("error", err.Error()))
	}

	w.mu.Lock()
	w.polling = true
	w.mu.Unlock()
	return w.runPolling(ctx)
}

// Stop stops the watcher. Safe to call multiple times.
func (w *FileWatcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	close(w.stopCh)
	w.mu.Unlock()
	w.debouncer.Stop()
}

func (w *FileWatcher) runFsnotify(ctx context.Context, fsw *fsnotify.Watcher) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handle(event)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("watcher_error", slog.String("error", err.Error()))
		}
	}
}

func (w *FileWatcher) handle(event fsnotify.Event) {
	name := filepath.Base(event.Name)
	if _, ok := w.names[name]; !ok {
		return
	}

	var op Operation
	switch {
	case event.Op&fsnotify.Create != 0:
		op = OpCreate
	case event.Op&fsnotify.Write != 0:
		op = OpModify
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		op = OpDelete
	default:
		return
	}
	w.debouncer.Add(FileEvent{Name: name, Operation: op})
}

type fileState struct {
	exists  bool
	size    int64
	modTime time.Time
}

func (w *FileWatcher) stat() map[string]fileState {
	out := make(map[string]fileState, len(w.names))
	for n := range w.names {
		info, err := os.Stat(filepath.Join(w.dir, n))
		if err != nil {
			out[n] = fileState{}
			continue
		}
		out[n] = fileState{exists: true, size: info.Size(), modTime: info.ModTime()}
	}
	return out
}

func (w *FileWatcher) runPolling(ctx context.Context) error {
	if _, err := os.Stat(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	prev := w.stat()

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			return nil
		case <-ticker.C:
			cur := w.stat()
			for n, c := range cur {
				p := prev[n]
				switch {
				case c.exists && !p.exists:
					w.debouncer.Add(FileEvent{Name: n, Operation: OpCreate})
				case !c.exists && p.exists:
					w.debouncer.Add(FileEvent{Name: n, Operation: OpDelete})
				case c.exists && (c.size != p.size || !c.modTime.Equal(p.modTime)):
					w.debouncer.Add(FileEvent{Name: n, Operation: OpModify})
				}
			}
			prev = cur
		}
	}
}
