// Package services defines shared error markers and context helpers used by
// the executor, the supervisor and job bodies.
//
// Key responsibilities:
//   - Context helpers that stamp deposit ids, job ids and correlation
//     identifiers for logging.
//   - Structured error markers plus the Wrap helper. Classify maps any job
//     error onto the marker that decides between retry, failure and
//     interruption.
package services
