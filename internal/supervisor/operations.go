package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"accession/internal/logging"
	"accession/internal/messages"
	"accession/internal/staging"
	"accession/internal/status"
)

// registrationFields are the deposit fields a REGISTER body may set.
var registrationFields = map[status.DepositField]bool{
	status.FieldDepositor:          true,
	status.FieldDepositorEmail:     true,
	status.FieldPackagingType:      true,
	status.FieldMethod:             true,
	status.FieldPriority:           true,
	status.FieldSubmitTime:         true,
	status.FieldStaffOnly:          true,
	status.FieldOverrideTimestamps: true,
	status.FieldExcludeRecord:      true,
	status.FieldCreateParentFolder: true,
}

// followUp is work that needs pipelineMu and so runs after the deposit lock
// is released.
type followUp struct {
	admit   bool
	quiesce bool
}

// HandleDepositOperation applies one operation message. A nil return acks
// the message; store errors are returned so the bus redelivers it.
func (s *Supervisor) HandleDepositOperation(ctx context.Context, msg messages.Operation) error {
	logger := s.logger.With(
		logging.DepositID(msg.DepositID),
		logging.Action(string(msg.Action)),
	)
	unlock := s.deposits.Lock(msg.DepositID)
	next, err := s.applyOperation(ctx, msg)
	unlock()
	if errors.Is(err, status.ErrNotFound) {
		logger.Info("operation for unknown deposit ignored")
		return nil
	}
	if err != nil {
		logging.WarnWithContext(logger, "operation not applied; will retry", "operation_failed",
			logging.Error(err),
			logging.ErrorHint("check status store connectivity"),
		)
		return err
	}
	if next.quiesce {
		if err := s.checkQuiescence(ctx); err != nil {
			return err
		}
	}
	if next.admit && s.active() {
		if err := s.admit(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) applyOperation(ctx context.Context, msg messages.Operation) (followUp, error) {
	if msg.Action == messages.ActionRegister {
		return s.register(ctx, msg)
	}
	fields, err := s.store.Deposit(ctx, msg.DepositID)
	if err != nil {
		return followUp{}, err
	}
	if !msg.Action.JobOutcome() {
		if err := s.store.SetDeposit(ctx, msg.DepositID, status.DepositFields{
			status.FieldAction: string(msg.Action),
		}); err != nil {
			return followUp{}, err
		}
	}
	switch msg.Action {
	case messages.ActionPause:
		return s.pause(ctx, msg.DepositID, fields)
	case messages.ActionResume:
		return s.resume(ctx, msg.DepositID)
	case messages.ActionCancel:
		return s.cancelDeposit(ctx, msg.DepositID)
	case messages.ActionDestroy:
		return s.destroy(ctx, msg.DepositID)
	case messages.ActionJobSuccess, messages.ActionJobFailure, messages.ActionJobInterrupted:
		return s.jobOutcome(ctx, msg)
	}
	return followUp{}, fmt.Errorf("%w: operation %q", messages.ErrInvalid, msg.Action)
}

// register creates the deposit record and queues it. A repeated REGISTER
// finds the record already past unregistered and changes nothing.
func (s *Supervisor) register(ctx context.Context, msg messages.Operation) (followUp, error) {
	id := msg.DepositID
	if err := staging.ValidateDepositID(id); err != nil {
		logging.WarnWithContext(s.logger, "registration dropped", "register_invalid_id",
			logging.DepositID(id),
			logging.Error(err),
			logging.Impact("deposit not created"),
		)
		return followUp{}, nil
	}
	now := status.FormatTime(time.Now())
	fields := status.DepositFields{
		status.FieldState:      string(status.StateUnregistered),
		status.FieldCreateTime: now,
		status.FieldWorkDir:    staging.WorkDir(s.workRoot, id),
		status.FieldPriority:   string(status.PriorityNormal),
		status.FieldUsername:   msg.Username,
	}
	for key, value := range msg.Body {
		field := status.DepositField(key)
		if !registrationFields[field] {
			continue
		}
		fields[field] = value
	}
	priority, err := status.ParsePriority(fields[status.FieldPriority])
	if err != nil {
		logging.WarnWithContext(s.logger, "unknown priority; using normal", "register_priority_invalid",
			logging.DepositID(id),
			logging.Error(err),
		)
		priority = status.PriorityNormal
	}
	fields[status.FieldPriority] = string(priority)

	created, err := s.store.CreateDeposit(ctx, id, fields)
	if err != nil {
		return followUp{}, fmt.Errorf("create deposit %s: %w", id, err)
	}
	if staged := stagedFiles(msg.Body); len(staged) > 0 {
		if err := s.store.AddPaths(ctx, id, status.PathsStaged, staged...); err != nil {
			return followUp{}, fmt.Errorf("record staged files for %s: %w", id, err)
		}
	}
	queued, err := status.Transition(ctx, s.store, id, status.StateQueued, status.StateUnregistered)
	if err != nil {
		return followUp{}, err
	}
	if !queued {
		s.logger.Debug("deposit already registered", logging.DepositID(id))
		return followUp{}, nil
	}
	update := status.DepositFields{status.FieldAction: string(messages.ActionRegister)}
	current, err := s.store.Deposit(ctx, id)
	if err != nil {
		return followUp{}, err
	}
	if current[status.FieldSubmitTime] == "" {
		update[status.FieldSubmitTime] = now
	}
	if err := s.store.SetDeposit(ctx, id, update); err != nil {
		return followUp{}, err
	}
	s.logger.Info("deposit registered",
		logging.DepositID(id),
		logging.Bool("created", created),
		logging.String("priority", string(priority)),
		logging.EventType("deposit_registered"),
	)
	return followUp{admit: true}, nil
}

func stagedFiles(body map[string]string) []string {
	raw := body[messages.BodyStagedFiles]
	if raw == "" {
		return nil
	}
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func (s *Supervisor) pause(ctx context.Context, id string, fields status.DepositFields) (followUp, error) {
	ok, err := status.Transition(ctx, s.store, id, status.StatePaused)
	if err != nil {
		return followUp{}, err
	}
	if ok {
		s.logger.Info("deposit paused",
			logging.DepositID(id),
			logging.String("previous_state", string(fields.State())),
			logging.EventType("deposit_paused"),
		)
	}
	return followUp{}, nil
}

func (s *Supervisor) resume(ctx context.Context, id string) (followUp, error) {
	ok, err := status.Transition(ctx, s.store, id, status.StateQueued, status.StatePaused)
	if err != nil || !ok {
		return followUp{}, err
	}
	s.logger.Info("deposit resumed",
		logging.DepositID(id),
		logging.EventType("deposit_resumed"),
	)
	return followUp{admit: true}, nil
}

func (s *Supervisor) cancelDeposit(ctx context.Context, id string) (followUp, error) {
	ok, err := status.Transition(ctx, s.store, id, status.StateCancelled)
	if err != nil || !ok {
		return followUp{}, err
	}
	if err := s.store.SetDeposit(ctx, id, status.DepositFields{
		status.FieldEndTime: status.FormatTime(time.Now()),
	}); err != nil {
		return followUp{}, err
	}
	s.logger.Info("deposit cancelled",
		logging.DepositID(id),
		logging.EventType("deposit_cancelled"),
	)
	s.cleanupWhenIdle(ctx, id)
	return followUp{quiesce: true}, nil
}

// destroy cleans up at once, whatever the deposit is doing, then cancels it.
func (s *Supervisor) destroy(ctx context.Context, id string) (followUp, error) {
	if _, _, err := s.cleaner.Resume(ctx, id); err != nil {
		return followUp{}, err
	}
	if _, err := status.ForceCancel(ctx, s.store, id); err != nil {
		return followUp{}, err
	}
	if err := s.store.SetDeposit(ctx, id, status.DepositFields{
		status.FieldEndTime: status.FormatTime(time.Now()),
	}); err != nil {
		return followUp{}, err
	}
	s.logger.Info("deposit destroyed",
		logging.DepositID(id),
		logging.EventType("deposit_destroyed"),
	)
	return followUp{quiesce: true}, nil
}

// jobOutcome records a job result and moves the deposit on.
func (s *Supervisor) jobOutcome(ctx context.Context, msg messages.Operation) (followUp, error) {
	id := msg.DepositID
	job, err := s.store.Job(ctx, id, msg.JobID)
	if errors.Is(err, status.ErrNotFound) {
		s.logger.Info("outcome for unknown job ignored",
			logging.DepositID(id),
			logging.JobID(msg.JobID),
		)
		return followUp{}, nil
	}
	if err != nil {
		return followUp{}, err
	}
	if err := s.settleJob(ctx, id, msg); err != nil {
		return followUp{}, err
	}

	fields, err := s.store.Deposit(ctx, id)
	if err != nil {
		return followUp{}, err
	}
	logger := s.logger.With(
		logging.DepositID(id),
		logging.JobID(msg.JobID),
		logging.Job(job[status.JobFieldName]),
	)
	logger.Debug("job outcome received", logging.State(string(fields.State())))

	switch fields.State() {
	case status.StateRunning:
	case status.StateCancelled, status.StateFailed, status.StateFinished:
		s.cleanupWhenIdle(ctx, id)
		return followUp{quiesce: true}, nil
	default:
		// Paused or quieted: RESUME or UNQUIET picks the plan up again.
		return followUp{quiesce: true}, nil
	}

	if msg.Action == messages.ActionJobFailure {
		reason := msg.Body[messages.BodyError]
		if reason == "" {
			reason = fmt.Sprintf("job %s failed", job[status.JobFieldName])
		}
		return followUp{quiesce: true}, s.failDeposit(ctx, id, reason)
	}

	p, err := s.store.Pipeline(ctx)
	if err != nil {
		return followUp{}, err
	}
	if !admissible(p) || !s.active() {
		// The gate holds back the next job start only.
		closed, err := s.concludePlan(ctx, id)
		if err != nil {
			return followUp{}, err
		}
		if !closed && p.Action().Draining() {
			if err := s.parkIfIdle(ctx, id); err != nil {
				return followUp{}, err
			}
		}
		return followUp{quiesce: true}, nil
	}

	switch msg.Action {
	case messages.ActionJobInterrupted:
		return followUp{}, s.dispatchNext(ctx, id, true)
	default:
		return followUp{}, s.dispatchNext(ctx, id, false)
	}
}

// settleJob applies the outcome to a job still marked working. The executor
// normally settles the record before publishing; this covers an executor
// that died between the two writes.
func (s *Supervisor) settleJob(ctx context.Context, id string, msg messages.Operation) error {
	var to status.JobStatus
	update := status.JobFields{status.JobFieldEndTime: status.FormatTime(time.Now())}
	switch msg.Action {
	case messages.ActionJobSuccess:
		to = status.JobCompleted
	case messages.ActionJobFailure:
		to = status.JobFailed
		update[status.JobFieldMessage] = msg.Body[messages.BodyError]
	default:
		to = status.JobKilled
	}
	ok, err := status.TransitionJob(ctx, s.store, id, msg.JobID, to, status.JobWorking)
	if err != nil || !ok {
		return err
	}
	return s.store.SetJob(ctx, id, msg.JobID, update)
}
