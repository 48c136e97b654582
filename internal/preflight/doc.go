// Package preflight provides readiness checks for the filesystem paths and
// backends accession depends on.
//
// The daemon runs RunAll before starting the supervisor and refuses to start
// when a required check fails; the CLI "status" command shows the same
// results when the daemon is not reachable.
package preflight
