// Package logging configures structured slog logging for amandb: JSON
// records written to a size-rotated file under ~/.amandb/logs/, optionally
// mirrored to stderr.
//
// Without --debug the CLI logs warnings and errors to stderr only; serve
// always keeps a log file so that batch failures can be inspected later.
package logging
