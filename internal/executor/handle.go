package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"accession/internal/jobs"
	"accession/internal/logging"
	"accession/internal/messages"
	"accession/internal/services"
	"accession/internal/staging"
	"accession/internal/status"
)

// ErrLeaseBusy is returned when another worker holds the deposit's lease;
// the bus redelivers the message later.
var ErrLeaseBusy = errors.New("deposit lease held by another worker")

const outcomeTimeout = 10 * time.Second

// Handle processes one job message. A nil return acknowledges the message;
// an error asks the bus to redeliver it.
func (e *Executor) Handle(ctx context.Context, payload []byte) error {
	msg, err := messages.DecodeJob(payload)
	if err != nil {
		logging.WarnWithContext(e.logger, "dropping malformed job message", "job_message_invalid",
			logging.Error(err),
			logging.Impact("message discarded"),
		)
		return nil
	}
	ctx = services.WithDepositID(ctx, msg.DepositID)
	ctx = services.WithJob(ctx, msg.JobID, msg.JobClassName)
	logger := logging.WithContext(ctx, e.logger)

	open, deposit, err := e.gate(ctx, msg)
	if err != nil {
		if errors.Is(err, status.ErrNotFound) {
			logger.Info("deposit no longer exists; job dropped", logging.EventType("job_dropped"))
			return nil
		}
		return fmt.Errorf("check job gate: %w", err)
	}
	if !open {
		logger.Debug("gate closed; job left queued", logging.EventType("job_gated"))
		return nil
	}

	owner := e.workerID + "/" + msg.JobID
	acquired, err := e.store.AcquireLock(ctx, msg.DepositID, owner, e.lockTTL)
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if !acquired {
		logger.Debug("deposit lease busy", logging.EventType("job_lease_busy"))
		return ErrLeaseBusy
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), outcomeTimeout)
		defer cancel()
		if err := e.store.ReleaseLock(releaseCtx, msg.DepositID, owner); err != nil {
			logger.Warn("lease release failed", logging.Error(err), logging.EventType("lease_release_failed"))
		}
	}()

	job, err := e.store.Job(ctx, msg.DepositID, msg.JobID)
	if errors.Is(err, status.ErrNotFound) {
		logger.Info("job record missing; dropped", logging.EventType("job_dropped"))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if st := job.Status(); st != status.JobQueued && st != status.JobKilled {
		logger.Info("job already handled; skipping duplicate",
			logging.State(string(st)),
			logging.EventType("job_duplicate"),
		)
		return nil
	}

	claimed, err := status.TransitionJob(ctx, e.store, msg.DepositID, msg.JobID, status.JobWorking, status.JobQueued, status.JobKilled)
	if err != nil {
		return fmt.Errorf("claim job: %w", err)
	}
	if !claimed {
		logger.Info("job claimed elsewhere; skipping", logging.EventType("job_duplicate"))
		return nil
	}

	// A quiet, stop or pause may have landed between the gate check and the
	// claim; the job is parked as killed so resumption re-dispatches it.
	if open, _, err := e.gate(ctx, msg); err != nil || !open {
		if _, kerr := status.TransitionJob(ctx, e.store, msg.DepositID, msg.JobID, status.JobKilled, status.JobWorking); kerr != nil {
			return fmt.Errorf("park job: %w", kerr)
		}
		logger.Info("gate closed after claim; job parked", logging.EventType("job_parked"))
		return nil
	}

	e.active.Add(1)
	defer e.active.Add(-1)

	name := job[status.JobFieldName]
	if name == "" {
		name = msg.JobClassName
	}
	if err := e.markStarted(ctx, msg, name); err != nil {
		logger.Warn("job start not fully recorded", logging.Error(err), logging.EventType("job_start_record_failed"))
	}
	logger.Info("job started",
		logging.Job(name),
		logging.EventType("job_started"),
	)

	jc := e.jobContext(ctx, msg, name, job, deposit, logger)
	started := time.Now()
	runErr := e.execute(ctx, jc, owner, logger)
	e.finish(ctx, msg, name, runErr, time.Since(started), logger)
	return nil
}

// gate reports whether a job may start now: the pipeline is active with no
// pending quiet or stop, and the deposit is running.
func (e *Executor) gate(ctx context.Context, msg messages.Job) (bool, status.DepositFields, error) {
	pipeline, err := e.store.Pipeline(ctx)
	if err != nil {
		return false, nil, err
	}
	if pipeline.State() != status.PipelineActive || pipeline.Action().Draining() {
		return false, nil, nil
	}
	deposit, err := e.store.Deposit(ctx, msg.DepositID)
	if err != nil {
		return false, nil, err
	}
	return deposit.State() == status.StateRunning, deposit, nil
}

func (e *Executor) markStarted(ctx context.Context, msg messages.Job, name string) error {
	now := status.FormatTime(time.Now())
	if err := e.store.SetJob(ctx, msg.DepositID, msg.JobID, status.JobFields{
		status.JobFieldStartTime: now,
		status.JobFieldEndTime:   "",
		status.JobFieldWorker:    e.workerID,
		status.JobFieldNum:       "0",
		status.JobFieldMessage:   "",
	}); err != nil {
		return err
	}
	return e.store.SetDeposit(ctx, msg.DepositID, status.DepositFields{status.FieldCurrentJob: name})
}

func (e *Executor) jobContext(ctx context.Context, msg messages.Job, name string, job status.JobFields, deposit status.DepositFields, logger *slog.Logger) *jobs.Context {
	jc := jobs.NewContext(e.store, msg.DepositID, msg.JobID, name)
	jc.Username = msg.Username
	jc.Options = job[status.JobFieldOptions]
	jc.Deposit = deposit
	jc.WorkDir = deposit[status.FieldWorkDir]
	if jc.WorkDir == "" {
		jc.WorkDir = staging.WorkDir(e.workRoot, msg.DepositID)
	}
	jc.Logger = logger
	jc.Locations = e.locations
	return jc
}
