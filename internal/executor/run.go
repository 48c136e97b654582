package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"accession/internal/jobs"
	"accession/internal/logging"
	"accession/internal/services"
	"accession/internal/status"
)

// execute runs the job body, retrying transient failures with exponential
// backoff. It renews the deposit lease for the whole run.
func (e *Executor) execute(ctx context.Context, jc *jobs.Context, owner string, logger *slog.Logger) error {
	job, err := e.registry.New(jc.Name)
	if err != nil {
		return services.Wrap(services.ErrConfiguration, jc.Name, "lookup", "job is not registered", err)
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var hb sync.WaitGroup
	hb.Add(1)
	go e.renewLease(hbCtx, &hb, jc.DepositID, owner, logger)
	defer func() {
		stopHeartbeat()
		hb.Wait()
	}()

	for attempt := 1; ; attempt++ {
		if _, err := e.store.IncrJob(ctx, jc.DepositID, jc.JobID, status.JobFieldAttempts, 1); err != nil {
			logger.Warn("attempt count not recorded", logging.Error(err))
		}
		err = e.attempt(ctx, job, jc)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", services.ErrInterrupted, err)
		}
		if !services.IsTransient(err) || attempt >= e.maxAttempts {
			return err
		}
		delay := e.backoff << (attempt - 1)
		logger.Warn("job attempt failed; retrying",
			logging.Int("attempt", attempt),
			logging.Int("max_attempts", e.maxAttempts),
			logging.Duration("backoff", delay),
			logging.Error(err),
			logging.EventType("job_retry"),
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", services.ErrInterrupted, err)
		case <-time.After(delay):
		}
	}
}

// attempt runs the body once under the maximum job duration.
func (e *Executor) attempt(ctx context.Context, job jobs.Job, jc *jobs.Context) (err error) {
	runCtx, cancel := context.WithTimeout(ctx, e.jobTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = services.Wrap(services.ErrValidation, jc.Name, "execute", fmt.Sprintf("panic: %v", r), nil)
		}
	}()
	err = job.Execute(runCtx, jc)
	if err != nil && ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return services.Wrap(services.ErrTimeout, jc.Name, "execute",
			fmt.Sprintf("job exceeded maximum duration of %s", e.jobTimeout), err)
	}
	return err
}

func (e *Executor) renewLease(ctx context.Context, wg *sync.WaitGroup, depositID, owner string, logger *slog.Logger) {
	defer wg.Done()
	ticker := time.NewTicker(e.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := e.store.RenewLock(ctx, depositID, owner, e.lockTTL)
			switch {
			case err != nil:
				if errors.Is(err, context.Canceled) {
					return
				}
				logger.Warn("lease renewal failed", logging.Error(err), logging.EventType("lease_renew_failed"))
			case !ok:
				logging.WarnWithContext(logger, "deposit lease lost while job running", "lease_lost",
					logging.ErrorHint("raise pipeline.lock_ttl or lower pipeline.heartbeat_interval"),
					logging.Impact("another worker may start a job for this deposit"),
				)
			}
		}
	}
}
