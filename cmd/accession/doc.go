// Package main hosts the accession CLI.
//
// Commands talk to a running daemon over its HTTP API: deposits are
// registered, inspected and steered with pause, resume, cancel and destroy,
// and the pipeline is quieted or stopped. The status command falls back to
// local preflight checks when no daemon answers. The hidden daemon command
// runs the daemon in the foreground.
package main
