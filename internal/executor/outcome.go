package executor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"accession/internal/logging"
	"accession/internal/messages"
	"accession/internal/services"
	"accession/internal/status"
)

const publishAttempts = 3

// finish records the job outcome and publishes exactly one outcome message
// for the run.
func (e *Executor) finish(ctx context.Context, msg messages.Job, name string, runErr error, elapsed time.Duration, logger *slog.Logger) {
	// Outcomes are recorded even when shutdown has cancelled ctx.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), outcomeTimeout)
	defer cancel()

	now := status.FormatTime(time.Now())
	op := messages.Operation{DepositID: msg.DepositID, JobID: msg.JobID, Username: msg.Username}

	switch marker := services.Classify(runErr); {
	case runErr == nil:
		if !e.settle(recordCtx, msg, status.JobCompleted, status.JobFields{status.JobFieldEndTime: now}, logger) {
			return
		}
		op.Action = messages.ActionJobSuccess
		logger.Info("job completed",
			logging.Job(name),
			logging.Duration("elapsed", elapsed),
			logging.EventType("job_completed"),
		)
	case errors.Is(marker, services.ErrInterrupted):
		if !e.settle(recordCtx, msg, status.JobKilled, status.JobFields{status.JobFieldMessage: "interrupted by shutdown"}, logger) {
			return
		}
		op.Action = messages.ActionJobInterrupted
		logger.Info("job interrupted",
			logging.Job(name),
			logging.EventType("job_interrupted"),
		)
	default:
		text := runErr.Error()
		if !e.settle(recordCtx, msg, status.JobFailed, status.JobFields{
			status.JobFieldEndTime: now,
			status.JobFieldMessage: text,
		}, logger) {
			return
		}
		if err := e.store.SetDeposit(recordCtx, msg.DepositID, status.DepositFields{status.FieldErrorMessage: text}); err != nil {
			logger.Warn("deposit error message not recorded", logging.Error(err))
		}
		op.Action = messages.ActionJobFailure
		op.Body = map[string]string{messages.BodyError: text}
		logging.ErrorWithContext(logger, "job failed", "job_failed",
			logging.Job(name),
			logging.String("class", marker.Error()),
			logging.Error(runErr),
			logging.Impact("deposit will be marked failed"),
		)
	}
	e.publishOutcome(recordCtx, op, logger)
}

// settle moves the job out of working. It returns false when the record was
// changed by someone else, in which case no outcome is published.
func (e *Executor) settle(ctx context.Context, msg messages.Job, to status.JobStatus, fields status.JobFields, logger *slog.Logger) bool {
	ok, err := status.TransitionJob(ctx, e.store, msg.DepositID, msg.JobID, to, status.JobWorking)
	if err != nil {
		logging.ErrorWithContext(logger, "job outcome not recorded", "job_outcome_record_failed",
			logging.State(string(to)),
			logging.Error(err),
			logging.ErrorHint("check status store connectivity"),
		)
		return false
	}
	if !ok {
		logger.Warn("job left working state during run; outcome dropped",
			logging.State(string(to)),
			logging.EventType("job_outcome_conflict"),
		)
		return false
	}
	if err := e.store.SetJob(ctx, msg.DepositID, msg.JobID, fields); err != nil {
		logger.Warn("job outcome details not recorded", logging.Error(err))
	}
	return true
}

func (e *Executor) publishOutcome(ctx context.Context, op messages.Operation, logger *slog.Logger) {
	var err error
retry:
	for attempt := 1; attempt <= publishAttempts; attempt++ {
		if err = e.publisher.Operation(ctx, op); err == nil {
			return
		}
		select {
		case <-ctx.Done():
			break retry
		case <-time.After(e.backoff):
		}
	}
	logging.ErrorWithContext(logger, "job outcome not published", "job_outcome_publish_failed",
		logging.Action(string(op.Action)),
		logging.Error(err),
		logging.ErrorHint("check bus connectivity"),
		logging.Impact("deposit waits until the supervisor restarts and recovers it"),
	)
}
