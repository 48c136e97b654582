package status

import (
	"fmt"
	"strings"
)

// DepositState is the lifecycle state of a deposit.
type DepositState string

const (
	StateUnregistered DepositState = "unregistered"
	StateQueued       DepositState = "queued"
	StateRunning      DepositState = "running"
	StatePaused       DepositState = "paused"
	StateFinished     DepositState = "finished"
	StateCancelled    DepositState = "cancelled"
	StateFailed       DepositState = "failed"
	StateQuieted      DepositState = "quieted"
)

var depositStates = []DepositState{
	StateUnregistered, StateQueued, StateRunning, StatePaused,
	StateFinished, StateCancelled, StateFailed, StateQuieted,
}

// DepositStates returns every deposit state in lifecycle order.
func DepositStates() []DepositState {
	return append([]DepositState(nil), depositStates...)
}

// ParseDepositState validates a persisted or user-supplied state name.
func ParseDepositState(value string) (DepositState, error) {
	candidate := DepositState(strings.ToLower(strings.TrimSpace(value)))
	for _, s := range depositStates {
		if s == candidate {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown deposit state %q", value)
}

// Terminal reports whether no further jobs can ever run for the deposit.
func (s DepositState) Terminal() bool {
	switch s {
	case StateFinished, StateCancelled, StateFailed:
		return true
	default:
		return false
	}
}

// Priority orders deposit admission.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// ParsePriority maps empty input to normal.
func ParsePriority(value string) (Priority, error) {
	switch Priority(strings.ToLower(strings.TrimSpace(value))) {
	case "", PriorityNormal:
		return PriorityNormal, nil
	case PriorityLow:
		return PriorityLow, nil
	case PriorityHigh:
		return PriorityHigh, nil
	default:
		return "", fmt.Errorf("unknown priority %q", value)
	}
}

// Rank is larger for more urgent priorities.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// JobStatus is the execution status of one job record.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobWorking   JobStatus = "working"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobKilled    JobStatus = "killed"
)

// Done reports whether the status is final for the current run of the job.
func (s JobStatus) Done() bool {
	return s == JobCompleted || s == JobFailed
}

// PipelineState is the global state of the pipeline.
type PipelineState string

const (
	PipelineStarting PipelineState = "starting"
	PipelineActive   PipelineState = "active"
	PipelineQuieted  PipelineState = "quieted"
	PipelineStopped  PipelineState = "stopped"
	PipelineShutdown PipelineState = "shutdown"
)

// PipelineAction is the last operator action applied to the pipeline.
type PipelineAction string

const (
	ActionQuiet   PipelineAction = "quiet"
	ActionUnquiet PipelineAction = "unquiet"
	ActionStop    PipelineAction = "stop"
)

// Draining reports whether the action closes the gate for new job starts.
func (a PipelineAction) Draining() bool {
	return a == ActionQuiet || a == ActionStop
}

// PathKind names a per-deposit path set.
type PathKind string

const (
	// PathsStaged holds the URIs of the files submitted with the deposit.
	PathsStaged PathKind = "staged"
	// PathsCleanup holds paths jobs flagged for removal after ingest.
	PathsCleanup PathKind = "cleanup"
)

// Valid reports whether k is a known path kind.
func (k PathKind) Valid() bool {
	return k == PathsStaged || k == PathsCleanup
}

// Cleanup marker values stored in FieldCleanup.
const (
	CleanupStarted   = "started"
	CleanupCompleted = "completed"
)
