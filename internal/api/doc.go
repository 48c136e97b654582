// Package api defines wire-format types and converters for the accession
// HTTP API. It translates Status Store records into transport-friendly DTOs
// the CLI and other consumers can render without coupling to store types.
//
// # Key Types
//
// Deposit: transport representation of a deposit with its job records,
// progress counters and timestamps.
//
// PipelineStatus: pipeline state, last action and per-state deposit counts.
//
// DaemonStatus: aggregated runtime information including job readiness.
//
// RegisterRequest: intake payload turned into a REGISTER operation.
//
// # Converters
//
// FromDeposit: status fields and job records -> Deposit, with human job
// labels and progress percentages.
//
// FromSummary: supervisor.Summary -> PipelineStatus.
//
// # Design Notes
//
// DTOs use camelCase JSON tags. States and actions are exposed as lowercase
// strings. Timestamps use RFC3339 with milliseconds.
//
// Client wraps the HTTP routes for the CLI; every mutating call returns once
// the daemon has published the message, not when the supervisor applied it.
package api
