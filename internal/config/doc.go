// Package config loads, normalizes, and validates accession configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// ACCESSION_API_TOKEN. The Config type centralizes every knob the daemon and
// CLI need: Status Store and bus backends, pipeline timing, storage locations
// and the job plans selected by packaging type.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths and clear validation errors.
package config
