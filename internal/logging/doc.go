// Package logging assembles structured slog loggers and formatting helpers used
// across accession services.
//
// It owns the configurable console/JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so executor and supervisor code
// can tag log lines with deposit ids, job ids and correlation ids. The package
// also provides a no-op logger for tests and wiring code that cannot fail.
package logging
