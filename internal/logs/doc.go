// Package logs reads the daemon log file for the CLI.
//
// Read returns the last lines of the file, or everything after a saved
// offset, optionally keeping only lines that mention a deposit or job id.
// Follow polls for appended lines until its context ends. Memory use stays
// bounded by the requested line count.
package logs
