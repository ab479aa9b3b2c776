// Package watcher reports changes to a set of files in one directory.
//
// It is used to notice writes that other processes make to the document
// database files, so that a running server wakes the indexes that depend on
// the written collections. fsnotify is the primary mechanism; when it cannot
// be initialized the watcher falls back to polling file size and mtime.
//
// Usage:
//
//	w := watcher.New(dir, watcher.DefaultOptions(), "documents.db", "documents.db-wal")
//	go func() { _ = w.Start(ctx) }()
//	for batch := range w.Events() {
//	    refresh()
//	}
package watcher
