package status

import (
	"context"
	"fmt"
)

var depositTransitions = map[DepositState][]DepositState{
	StateUnregistered: {StateQueued, StateCancelled},
	StateQueued:       {StateRunning, StatePaused, StateCancelled, StateQuieted, StateFailed},
	StateRunning:      {StatePaused, StateFinished, StateFailed, StateCancelled, StateQuieted},
	StatePaused:       {StateQueued, StateCancelled},
	StateQuieted:      {StateQueued, StatePaused, StateCancelled},
}

var jobTransitions = map[JobStatus][]JobStatus{
	JobQueued:  {JobWorking, JobKilled},
	JobWorking: {JobCompleted, JobFailed, JobKilled},
	JobKilled:  {JobQueued, JobWorking},
}

// CanTransition reports whether the deposit graph has an edge from -> to.
func CanTransition(from, to DepositState) bool {
	for _, next := range depositTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Predecessors lists the states that may move to the target state.
func Predecessors(to DepositState) []DepositState {
	var out []DepositState
	for _, from := range depositStates {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// CanTransitionJob reports whether the job graph has an edge from -> to.
func CanTransitionJob(from, to JobStatus) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves a deposit to the target state when the current state is
// one of from (or any graph predecessor when from is empty). It reports
// whether this call performed the change; false means another writer got
// there first or the edge is not allowed.
func Transition(ctx context.Context, store Store, depositID string, to DepositState, from ...DepositState) (bool, error) {
	if len(from) == 0 {
		from = Predecessors(to)
	}
	expected := make([]string, 0, len(from))
	for _, state := range from {
		if !CanTransition(state, to) {
			return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, state, to)
		}
		expected = append(expected, string(state))
	}
	return store.CompareAndSetDeposit(ctx, depositID, FieldState, expected, string(to))
}

// ForceCancel moves any not-yet-cancelled deposit to cancelled. It is the one
// administrative override of the deposit graph and is reserved for DESTROY.
func ForceCancel(ctx context.Context, store Store, depositID string) (bool, error) {
	expected := make([]string, 0, len(depositStates))
	for _, state := range depositStates {
		if state != StateCancelled {
			expected = append(expected, string(state))
		}
	}
	return store.CompareAndSetDeposit(ctx, depositID, FieldState, expected, string(StateCancelled))
}

// TransitionJob moves a job record along the job graph.
func TransitionJob(ctx context.Context, store Store, depositID, jobID string, to JobStatus, from ...JobStatus) (bool, error) {
	expected := make([]string, 0, len(from))
	for _, status := range from {
		if !CanTransitionJob(status, to) {
			return false, fmt.Errorf("%w: job %s -> %s", ErrInvalidTransition, status, to)
		}
		expected = append(expected, string(status))
	}
	return store.CompareAndSetJob(ctx, depositID, jobID, JobFieldStatus, expected, string(to))
}
