// Package logging assembles structured slog loggers and formatting helpers used
// across lectern.
//
// It owns the console and JSON handlers, the tee that mirrors daemon output into
// a JSON log file, and context-aware helpers so pipeline code can tag log lines
// with document IDs, run IDs, stages, and attempts. A no-op logger is provided
// for tests and wiring code that cannot fail.
package logging
