// Package messages defines the control-plane payloads exchanged over the bus:
// job dispatches, deposit operations and pipeline actions.
package messages

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Bus topic names, before the configured prefix is applied.
const (
	TopicJobs       = "jobs"
	TopicOperations = "operations"
	TopicPipeline   = "pipeline"
)

// ErrInvalid marks payloads that can never be processed; consumers drop them
// instead of asking for redelivery.
var ErrInvalid = errors.New("invalid message")

// Job asks the executor to run one job of a deposit.
type Job struct {
	JobID        string `json:"jobId"`
	DepositID    string `json:"depositId"`
	JobClassName string `json:"jobClassName"`
	Username     string `json:"username,omitempty"`
}

// Validate checks the required identifiers.
func (m Job) Validate() error {
	switch {
	case strings.TrimSpace(m.JobID) == "":
		return fmt.Errorf("%w: job message without jobId", ErrInvalid)
	case strings.TrimSpace(m.DepositID) == "":
		return fmt.Errorf("%w: job message without depositId", ErrInvalid)
	case strings.TrimSpace(m.JobClassName) == "":
		return fmt.Errorf("%w: job message without jobClassName", ErrInvalid)
	}
	return nil
}

// OperationAction is a deposit-level command or job outcome.
type OperationAction string

const (
	ActionRegister       OperationAction = "REGISTER"
	ActionPause          OperationAction = "PAUSE"
	ActionResume         OperationAction = "RESUME"
	ActionCancel         OperationAction = "CANCEL"
	ActionDestroy        OperationAction = "DESTROY"
	ActionJobSuccess     OperationAction = "JOB_SUCCESS"
	ActionJobFailure     OperationAction = "JOB_FAILURE"
	ActionJobInterrupted OperationAction = "JOB_INTERRUPTED"
)

var operationActions = []OperationAction{
	ActionRegister, ActionPause, ActionResume, ActionCancel, ActionDestroy,
	ActionJobSuccess, ActionJobFailure, ActionJobInterrupted,
}

// ParseOperationAction accepts any letter case.
func ParseOperationAction(value string) (OperationAction, error) {
	candidate := OperationAction(strings.ToUpper(strings.TrimSpace(value)))
	for _, a := range operationActions {
		if a == candidate {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: unknown operation action %q", ErrInvalid, value)
}

// JobOutcome reports whether the action is emitted by the executor.
func (a OperationAction) JobOutcome() bool {
	return a == ActionJobSuccess || a == ActionJobFailure || a == ActionJobInterrupted
}

// Body keys used by operation messages.
const (
	BodyError = "error"
	// BodyStagedFiles lists a REGISTER message's staged files, one per line.
	BodyStagedFiles = "stagedFiles"
)

// Operation is a deposit-level message consumed by the supervisor.
type Operation struct {
	Action    OperationAction   `json:"action"`
	DepositID string            `json:"depositId"`
	Username  string            `json:"username,omitempty"`
	JobID     string            `json:"jobId,omitempty"`
	Body      map[string]string `json:"body,omitempty"`
}

// Validate checks the action and the identifiers it requires.
func (m Operation) Validate() error {
	if _, err := ParseOperationAction(string(m.Action)); err != nil {
		return err
	}
	if strings.TrimSpace(m.DepositID) == "" {
		return fmt.Errorf("%w: %s without depositId", ErrInvalid, m.Action)
	}
	if m.Action.JobOutcome() && strings.TrimSpace(m.JobID) == "" {
		return fmt.Errorf("%w: %s without jobId", ErrInvalid, m.Action)
	}
	return nil
}

// PipelineAction is a global pipeline command.
type PipelineAction string

const (
	PipelineQuiet   PipelineAction = "QUIET"
	PipelineUnquiet PipelineAction = "UNQUIET"
	PipelineStop    PipelineAction = "STOP"
)

// ParsePipelineAction accepts any letter case.
func ParsePipelineAction(value string) (PipelineAction, error) {
	switch a := PipelineAction(strings.ToUpper(strings.TrimSpace(value))); a {
	case PipelineQuiet, PipelineUnquiet, PipelineStop:
		return a, nil
	default:
		return "", fmt.Errorf("%w: unknown pipeline action %q", ErrInvalid, value)
	}
}

// Pipeline is a global message consumed by the supervisor.
type Pipeline struct {
	Action   PipelineAction `json:"action"`
	Username string         `json:"username,omitempty"`
}

// Validate checks the action.
func (m Pipeline) Validate() error {
	_, err := ParsePipelineAction(string(m.Action))
	return err
}

// Encode validates and marshals any of the three message types.
func Encode(msg interface{ Validate() error }) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// DecodeJob parses and validates a job message.
func DecodeJob(data []byte) (Job, error) {
	var m Job
	if err := decode(data, &m); err != nil {
		return Job{}, err
	}
	return m, m.Validate()
}

// DecodeOperation parses and validates an operation message. Actions are
// normalised to upper case.
func DecodeOperation(data []byte) (Operation, error) {
	var m Operation
	if err := decode(data, &m); err != nil {
		return Operation{}, err
	}
	action, err := ParseOperationAction(string(m.Action))
	if err != nil {
		return Operation{}, err
	}
	m.Action = action
	return m, m.Validate()
}

// DecodePipeline parses and validates a pipeline message.
func DecodePipeline(data []byte) (Pipeline, error) {
	var m Pipeline
	if err := decode(data, &m); err != nil {
		return Pipeline{}, err
	}
	action, err := ParsePipelineAction(string(m.Action))
	if err != nil {
		return Pipeline{}, err
	}
	m.Action = action
	return m, nil
}

func decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}
