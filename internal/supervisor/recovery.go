package supervisor

import (
	"context"
	"errors"
	"fmt"

	"accession/internal/logging"
	"accession/internal/staging"
	"accession/internal/status"
)

// beginStartup records the starting state and decides where startup ends.
// A pipeline that was quiet before the restart stays quiet; a pending stop
// is cleared.
func (s *Supervisor) beginStartup(ctx context.Context) (status.PipelineState, status.PipelineAction, error) {
	s.pipelineMu.Lock()
	defer s.pipelineMu.Unlock()
	p, err := s.store.Pipeline(ctx)
	if err != nil {
		return "", "", fmt.Errorf("load pipeline: %w", err)
	}
	target, action := status.PipelineActive, status.PipelineAction("")
	switch {
	case p.State() == status.PipelineQuieted, p.Action() == status.ActionQuiet:
		target, action = status.PipelineQuieted, status.ActionQuiet
	case p.Action() == status.ActionUnquiet:
		action = status.ActionUnquiet
	}
	if err := s.setPipeline(ctx, status.PipelineStarting, action, systemUser); err != nil {
		return "", "", err
	}
	s.logger.Info("pipeline starting",
		logging.String("previous_state", string(p.State())),
		logging.String("previous_action", string(p.Action())),
		logging.String("target_state", string(target)),
	)
	return target, action, nil
}

// recover repairs records left by a previous run: working jobs whose lease
// is gone are killed, unfinished cleanups are resumed and orphaned working
// directories removed.
func (s *Supervisor) recover(ctx context.Context) error {
	records, err := status.Deposits(ctx, s.store)
	if err != nil {
		return err
	}
	live := make(map[string]struct{}, len(records))
	var killed, resumed int
	for _, rec := range records {
		live[rec.ID] = struct{}{}
		unlock := s.deposits.Lock(rec.ID)
		n, err := s.killOrphans(ctx, rec.ID, "interrupted by restart")
		if err == nil && rec.Fields.State().Terminal() && rec.Fields[status.FieldCleanup] != status.CleanupCompleted {
			var did bool
			did, err = s.resumeCleanup(ctx, rec.ID)
			if did {
				resumed++
			}
		}
		unlock()
		if err != nil {
			return err
		}
		killed += n
	}

	result := staging.CleanStale(ctx, s.workRoot, live, s.staleAge, s.logger)
	s.logger.Info("startup recovery complete",
		logging.Int("deposits", len(records)),
		logging.Int("jobs_killed", killed),
		logging.Int("cleanups_resumed", resumed),
		logging.Int("stale_workdirs_removed", len(result.Removed)),
		logging.EventType("recovery_complete"),
	)
	return nil
}

// killOrphans marks working jobs killed when nobody holds the deposit lease.
// Jobs are listed before the lease is read: an executor claims only queued
// or killed jobs, so a job already working with no lease has lost its owner.
func (s *Supervisor) killOrphans(ctx context.Context, id, reason string) (int, error) {
	jobs, err := status.Jobs(ctx, s.store, id)
	if errors.Is(err, status.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var working []status.JobRecord
	for _, job := range jobs {
		if job.Fields.Status() == status.JobWorking {
			working = append(working, job)
		}
	}
	if len(working) == 0 {
		return 0, nil
	}
	fields, err := s.store.Deposit(ctx, id)
	if err != nil {
		return 0, err
	}
	if fields[status.FieldLock] != "" {
		return 0, nil
	}

	killed := 0
	for _, job := range working {
		ok, err := status.TransitionJob(ctx, s.store, id, job.ID, status.JobKilled, status.JobWorking)
		if err != nil {
			return killed, err
		}
		if !ok {
			continue
		}
		if err := s.store.SetJob(ctx, id, job.ID, status.JobFields{
			status.JobFieldMessage: reason,
		}); err != nil {
			return killed, err
		}
		killed++
		s.logger.Info("orphaned job killed",
			logging.DepositID(id),
			logging.JobID(job.ID),
			logging.Job(job.Fields[status.JobFieldName]),
			logging.String("reason", reason),
			logging.EventType("job_orphan_killed"),
		)
	}
	return killed, nil
}

// reclaimExpiredLocked kills working jobs whose lease lapsed while this
// supervisor kept running and moves their deposits on: a running deposit
// gets the step redispatched, or is parked while draining, and a terminal
// one gets its deferred cleanup. Caller holds pipelineMu.
func (s *Supervisor) reclaimExpiredLocked(ctx context.Context, p status.PipelineFields) error {
	ids, err := s.store.DepositIDs(ctx)
	if err != nil {
		return err
	}
	open := admissible(p) && s.active()
	for _, id := range ids {
		unlock := s.deposits.Lock(id)
		err := s.reclaimDeposit(ctx, id, open, p.Action().Draining())
		unlock()
		if err != nil && !errors.Is(err, status.ErrNotFound) {
			return err
		}
	}
	return nil
}

func (s *Supervisor) reclaimDeposit(ctx context.Context, id string, open, draining bool) error {
	killed, err := s.killOrphans(ctx, id, "lease expired")
	if err != nil || killed == 0 {
		return err
	}
	fields, err := s.store.Deposit(ctx, id)
	if err != nil {
		return err
	}
	switch state := fields.State(); {
	case state == status.StateRunning && open:
		return s.dispatchNext(ctx, id, true)
	case state == status.StateRunning && draining:
		return s.parkIfIdle(ctx, id)
	case state.Terminal():
		s.cleanupWhenIdle(ctx, id)
	}
	return nil
}

func (s *Supervisor) resumeCleanup(ctx context.Context, id string) (bool, error) {
	busy, err := s.hasWorkingJob(ctx, id)
	if err != nil || busy {
		return false, err
	}
	did, _, err := s.cleaner.Resume(ctx, id)
	if err != nil {
		logging.WarnWithContext(s.logger, "cleanup resume failed", "cleanup_failed",
			logging.DepositID(id),
			logging.Error(err),
		)
	}
	return did, nil
}

// resumeRunning continues deposits that were running when the previous
// process stopped, then admits queued deposits.
func (s *Supervisor) resumeRunning(ctx context.Context) error {
	s.pipelineMu.Lock()
	defer s.pipelineMu.Unlock()
	p, err := s.store.Pipeline(ctx)
	if err != nil {
		return err
	}
	open := admissible(p)
	records, err := status.Deposits(ctx, s.store)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.Fields.State() != status.StateRunning {
			continue
		}
		unlock := s.deposits.Lock(rec.ID)
		busy, err := s.hasWorkingJob(ctx, rec.ID)
		switch {
		case err != nil || busy:
		case open:
			err = s.dispatchNext(ctx, rec.ID, true)
		default:
			err = s.parkIfIdle(ctx, rec.ID)
		}
		unlock()
		if err != nil {
			return err
		}
	}
	if !open {
		return nil
	}
	return s.admitLocked(ctx)
}
