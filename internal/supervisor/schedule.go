package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"accession/internal/jobs"
	"accession/internal/logging"
	"accession/internal/messages"
	"accession/internal/notifications"
	"accession/internal/staging"
	"accession/internal/status"
)

// admitLocked starts queued deposits, most urgent first, then oldest
// submission first. Caller holds pipelineMu and has checked the gate.
func (s *Supervisor) admitLocked(ctx context.Context) error {
	records, err := status.Deposits(ctx, s.store)
	if err != nil {
		return err
	}
	queued := records[:0]
	for _, rec := range records {
		if rec.Fields.State() == status.StateQueued {
			queued = append(queued, rec)
		}
	}
	sort.SliceStable(queued, func(i, j int) bool {
		ri, rj := queued[i].Fields.Priority().Rank(), queued[j].Fields.Priority().Rank()
		if ri != rj {
			return ri > rj
		}
		ti, tj := submitted(queued[i].Fields), submitted(queued[j].Fields)
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return queued[i].ID < queued[j].ID
	})
	for _, rec := range queued {
		if err := ctx.Err(); err != nil {
			return err
		}
		unlock := s.deposits.Lock(rec.ID)
		err := s.startDeposit(ctx, rec.ID)
		unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

func submitted(fields status.DepositFields) time.Time {
	if t := fields.Time(status.FieldSubmitTime); !t.IsZero() {
		return t
	}
	return fields.Time(status.FieldCreateTime)
}

// admit takes pipelineMu and admits when the gate is open.
func (s *Supervisor) admit(ctx context.Context) error {
	s.pipelineMu.Lock()
	defer s.pipelineMu.Unlock()
	p, err := s.store.Pipeline(ctx)
	if err != nil {
		return err
	}
	if !admissible(p) {
		return nil
	}
	return s.admitLocked(ctx)
}

// startDeposit moves a queued deposit to running and dispatches its next
// step. Caller holds the deposit lock.
func (s *Supervisor) startDeposit(ctx context.Context, id string) error {
	ok, err := status.Transition(ctx, s.store, id, status.StateRunning, status.StateQueued)
	if err != nil {
		return fmt.Errorf("start deposit %s: %w", id, err)
	}
	if !ok {
		return nil
	}
	if _, err := staging.EnsureWorkDir(s.workRoot, id); err != nil {
		logging.WarnWithContext(s.logger, "working directory not created", "workdir_create_failed",
			logging.DepositID(id),
			logging.Error(err),
			logging.ErrorHint("check paths.work_dir permissions"),
		)
	}
	if err := s.store.SetDeposit(ctx, id, status.DepositFields{
		status.FieldStartTime: status.FormatTime(time.Now()),
	}); err != nil {
		return fmt.Errorf("record start of %s: %w", id, err)
	}
	s.logger.Info("deposit admitted",
		logging.DepositID(id),
		logging.EventType("deposit_admitted"),
	)
	return s.dispatchNext(ctx, id, true)
}

// dispatchNext publishes the next runnable step of a running deposit,
// finishing or failing the deposit when the plan says so. With redispatch
// set, a step that is already queued is published again; this covers a
// job message the executor dropped while the gate was closed. Caller holds
// the deposit lock.
func (s *Supervisor) dispatchNext(ctx context.Context, id string, redispatch bool) error {
	fields, err := s.store.Deposit(ctx, id)
	if err != nil {
		return err
	}
	if fields.State() != status.StateRunning {
		return nil
	}
	plan, err := s.registry.Plan(fields[status.FieldPackagingType])
	if err != nil {
		return s.failDeposit(ctx, id, err.Error())
	}
	statuses, byName, err := s.jobStatuses(ctx, id)
	if err != nil {
		return err
	}
	if plan.Complete(statuses) {
		return s.finishDeposit(ctx, id)
	}
	step, ok := plan.Next(statuses)
	if !ok {
		return nil
	}

	rec, exists := byName[step.Name]
	if !exists {
		jobID := jobs.JobID(id, step.Name)
		created, err := s.store.CreateJob(ctx, id, jobID, status.JobFields{
			status.JobFieldName:   step.Name,
			status.JobFieldStatus: string(status.JobQueued),
		})
		if err != nil {
			return fmt.Errorf("create job %s for %s: %w", step.Name, id, err)
		}
		if created || redispatch {
			return s.publishJob(ctx, id, jobID, step.Name, fields)
		}
		return nil
	}

	switch rec.Fields.Status() {
	case status.JobWorking:
		return nil
	case status.JobQueued:
		if redispatch {
			return s.publishJob(ctx, id, rec.ID, step.Name, fields)
		}
		return nil
	case status.JobKilled:
		ok, err := status.TransitionJob(ctx, s.store, id, rec.ID, status.JobQueued, status.JobKilled)
		if err != nil {
			return err
		}
		if ok {
			return s.publishJob(ctx, id, rec.ID, step.Name, fields)
		}
		return nil
	case status.JobFailed:
		reason := rec.Fields[status.JobFieldMessage]
		if reason == "" {
			reason = fmt.Sprintf("job %s failed", step.Name)
		}
		return s.failDeposit(ctx, id, reason)
	default:
		return nil
	}
}

// concludePlan finishes a running deposit whose plan is complete and fails
// one whose next step has failed. Neither starts a job, so both apply while
// the pipeline gate is closed. It reports whether the deposit was closed.
func (s *Supervisor) concludePlan(ctx context.Context, id string) (bool, error) {
	fields, err := s.store.Deposit(ctx, id)
	if err != nil {
		return false, err
	}
	if fields.State() != status.StateRunning {
		return false, nil
	}
	plan, err := s.registry.Plan(fields[status.FieldPackagingType])
	if err != nil {
		return true, s.failDeposit(ctx, id, err.Error())
	}
	statuses, byName, err := s.jobStatuses(ctx, id)
	if err != nil {
		return false, err
	}
	if plan.Complete(statuses) {
		return true, s.finishDeposit(ctx, id)
	}
	step, ok := plan.Next(statuses)
	if !ok || statuses[step.Name] != status.JobFailed {
		return false, nil
	}
	reason := byName[step.Name].Fields[status.JobFieldMessage]
	if reason == "" {
		reason = fmt.Sprintf("job %s failed", step.Name)
	}
	return true, s.failDeposit(ctx, id, reason)
}

// jobStatuses indexes a deposit's job records by step name.
func (s *Supervisor) jobStatuses(ctx context.Context, id string) (map[string]status.JobStatus, map[string]status.JobRecord, error) {
	records, err := status.Jobs(ctx, s.store, id)
	if err != nil {
		return nil, nil, err
	}
	statuses := make(map[string]status.JobStatus, len(records))
	byName := make(map[string]status.JobRecord, len(records))
	for _, rec := range records {
		name := rec.Fields[status.JobFieldName]
		statuses[name] = rec.Fields.Status()
		byName[name] = rec
	}
	return statuses, byName, nil
}

func (s *Supervisor) publishJob(ctx context.Context, depositID, jobID, name string, fields status.DepositFields) error {
	err := s.publisher.Job(ctx, messages.Job{
		JobID:        jobID,
		DepositID:    depositID,
		JobClassName: name,
		Username:     fields[status.FieldUsername],
	})
	if err != nil {
		return fmt.Errorf("publish job %s for %s: %w", name, depositID, err)
	}
	s.logger.Debug("job dispatched",
		logging.DepositID(depositID),
		logging.JobID(jobID),
		logging.Job(name),
	)
	return nil
}

// finishDeposit closes a deposit whose plan completed.
func (s *Supervisor) finishDeposit(ctx context.Context, id string) error {
	ok, err := status.Transition(ctx, s.store, id, status.StateFinished, status.StateRunning)
	if err != nil || !ok {
		return err
	}
	if err := s.store.SetDeposit(ctx, id, status.DepositFields{
		status.FieldEndTime:    status.FormatTime(time.Now()),
		status.FieldCurrentJob: "",
	}); err != nil {
		return err
	}
	fields, err := s.store.Deposit(ctx, id)
	if err != nil {
		return err
	}
	s.logger.Info("deposit finished",
		logging.DepositID(id),
		logging.Int64("ingested", fields.Int(status.FieldIngestedObjects)),
		logging.EventType("deposit_finished"),
	)
	s.notifyOnce(ctx, id, notifications.EventDepositFinished, fields, "")
	s.cleanupWhenIdle(ctx, id)
	return nil
}

// failDeposit marks a deposit failed. An error message already recorded by
// the executor is kept.
func (s *Supervisor) failDeposit(ctx context.Context, id, reason string) error {
	ok, err := status.Transition(ctx, s.store, id, status.StateFailed, status.StateRunning, status.StateQueued)
	if err != nil || !ok {
		return err
	}
	fields, err := s.store.Deposit(ctx, id)
	if err != nil {
		return err
	}
	update := status.DepositFields{
		status.FieldEndTime:    status.FormatTime(time.Now()),
		status.FieldCurrentJob: "",
	}
	if fields[status.FieldErrorMessage] == "" && reason != "" {
		update[status.FieldErrorMessage] = reason
		fields[status.FieldErrorMessage] = reason
	}
	if err := s.store.SetDeposit(ctx, id, update); err != nil {
		return err
	}
	logging.WarnWithContext(s.logger, "deposit failed", "deposit_failed",
		logging.DepositID(id),
		logging.String("reason", fields[status.FieldErrorMessage]),
		logging.Impact("deposit will not be retried automatically"),
	)
	s.notifyOnce(ctx, id, notifications.EventDepositFailed, fields, fields[status.FieldErrorMessage])
	s.cleanupWhenIdle(ctx, id)
	return nil
}

// notifyOnce claims the notified flag so a redelivered outcome does not
// notify twice.
func (s *Supervisor) notifyOnce(ctx context.Context, id string, event notifications.Event, fields status.DepositFields, reason string) {
	claimed, err := s.store.CompareAndSetDeposit(ctx, id, status.FieldNotified, []string{""}, status.FormatBool(true))
	if err != nil || !claimed {
		return
	}
	payload := notifications.Payload{
		"depositId": id,
		"depositor": fields[status.FieldDepositor],
		"ingested":  strconv.FormatInt(fields.Int(status.FieldIngestedObjects), 10),
	}
	if reason != "" {
		payload["error"] = reason
	}
	if err := s.notifier.Publish(ctx, event, payload); err != nil {
		logging.WarnWithContext(s.logger, "notification failed", "notification_failed",
			logging.DepositID(id),
			logging.String("event", string(event)),
			logging.Error(err),
			logging.ErrorHint("check ntfy topic and network"),
		)
	}
}

// cleanupWhenIdle runs cleanup for a terminal deposit unless a job is still
// working on it; the job's outcome message triggers it later.
func (s *Supervisor) cleanupWhenIdle(ctx context.Context, id string) {
	busy, err := s.hasWorkingJob(ctx, id)
	if err != nil {
		s.logger.Warn("cleanup deferred", logging.DepositID(id), logging.Error(err))
		return
	}
	if busy {
		s.logger.Info("cleanup deferred until working job stops",
			logging.DepositID(id),
			logging.EventType("cleanup_deferred"),
		)
		return
	}
	if _, _, err := s.cleaner.Run(ctx, id); err != nil {
		logging.WarnWithContext(s.logger, "deposit cleanup failed", "cleanup_failed",
			logging.DepositID(id),
			logging.Error(err),
			logging.Impact("staged files may remain until the next restart"),
		)
	}
}

func (s *Supervisor) hasWorkingJob(ctx context.Context, id string) (bool, error) {
	records, err := status.Jobs(ctx, s.store, id)
	if errors.Is(err, status.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	for _, rec := range records {
		if rec.Fields.Status() == status.JobWorking {
			return true, nil
		}
	}
	return false, nil
}

// parkIfIdle moves a running deposit with no working job to quieted.
func (s *Supervisor) parkIfIdle(ctx context.Context, id string) error {
	busy, err := s.hasWorkingJob(ctx, id)
	if err != nil || busy {
		return err
	}
	ok, err := status.Transition(ctx, s.store, id, status.StateQuieted, status.StateRunning)
	if err != nil {
		return err
	}
	if ok {
		s.logger.Info("deposit quieted",
			logging.DepositID(id),
			logging.EventType("deposit_quieted"),
		)
	}
	return nil
}
