package storage

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/Aman-CERP/amandb/internal/watcher"
)

// Watch publishes changes written to the database by other processes.
// It blocks until ctx is cancelled.
func (s *SQLite) Watch(ctx context.Context, opts watcher.Options) error {
	base := filepath.Base(s.path)
	w := watcher.New(filepath.Dir(s.path), opts, base, base+"-wal")

	errCh := make(chan error, 1)
	go func() { errCh <- w.Start(ctx) }()

	for batch := range w.Events() {
		n, err := s.Refresh(ctx)
		if err != nil {
			slog.Warn("storage_refresh_failed", slog.String("error", err.Error()))
			continue
		}
		if n > 0 {
			raw := 0
			for _, ev := range batch {
				raw += ev.Count
			}
			slog.Debug("storage_refreshed",
				slog.Int("files", len(batch)),
				slog.Int("file_events", raw),
				slog.Int("collections", n))
		}
	}
	return <-errCh
}
