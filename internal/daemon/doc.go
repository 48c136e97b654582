// Package daemon coordinates the long-running accessiond process.
//
// It wires the Pipeline Supervisor, the Job Executor and the HTTP control
// API into a single lifecycle with flock-based locking to prevent a second
// supervisor on the same host. The API only reads the Status Store and
// publishes Operation and Pipeline messages; every state change is applied
// by the supervisor when it consumes them.
package daemon
