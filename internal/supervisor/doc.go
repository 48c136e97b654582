// Package supervisor is the control authority of the deposit pipeline.
//
// It owns the pipeline record (starting, active, quieted, stopped,
// shutdown), applies pipeline actions and deposit operations received on the
// bus, admits queued deposits in priority order, and advances each deposit
// through its job plan as job outcomes arrive. Every decision is made from
// Status Store records, so handlers are idempotent and a restarted
// supervisor picks up where the previous one stopped.
package supervisor
