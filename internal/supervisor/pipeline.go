package supervisor

import (
	"context"
	"fmt"

	"accession/internal/logging"
	"accession/internal/messages"
	"accession/internal/notifications"
	"accession/internal/status"
)

// HandlePipelineAction applies QUIET, UNQUIET or STOP. Repeated actions are
// no-ops.
func (s *Supervisor) HandlePipelineAction(ctx context.Context, msg messages.Pipeline) error {
	s.pipelineMu.Lock()
	defer s.pipelineMu.Unlock()

	p, err := s.store.Pipeline(ctx)
	if err != nil {
		return err
	}
	logger := s.logger.With(
		logging.Action(string(msg.Action)),
		logging.String("username", msg.Username),
	)

	switch msg.Action {
	case messages.PipelineQuiet, messages.PipelineStop:
		action := status.ActionQuiet
		if msg.Action == messages.PipelineStop {
			action = status.ActionStop
		}
		switch p.State() {
		case status.PipelineStopped:
			logger.Info("pipeline already stopped; action ignored")
			return nil
		case status.PipelineQuieted:
			if action != status.ActionStop {
				return nil
			}
			if err := s.setPipeline(ctx, status.PipelineStopped, action, msg.Username); err != nil {
				return err
			}
			s.notifyPipeline(ctx, notifications.EventPipelineStopped)
			logger.Info("pipeline stopped", logging.EventType("pipeline_stopped"))
			return nil
		case status.PipelineActive:
		default:
			logger.Warn("pipeline not active; action ignored",
				logging.State(string(p.State())),
			)
			return nil
		}
		if p.Action() != action {
			if err := s.setPipeline(ctx, status.PipelineActive, action, msg.Username); err != nil {
				return err
			}
			logger.Info("pipeline draining", logging.EventType("pipeline_draining"))
		}
		if err := s.drainDepositsLocked(ctx); err != nil {
			return err
		}
		return s.checkQuiescenceLocked(ctx)

	case messages.PipelineUnquiet:
		switch {
		case p.State() == status.PipelineQuieted:
		case p.State() == status.PipelineActive && p.Action().Draining():
			// Quiet requested but not reached yet: reopen the gate.
		default:
			logger.Info("pipeline not quieted; unquiet ignored",
				logging.State(string(p.State())),
			)
			return nil
		}
		if err := s.setPipeline(ctx, status.PipelineActive, status.ActionUnquiet, msg.Username); err != nil {
			return err
		}
		if err := s.requeueQuietedLocked(ctx); err != nil {
			return err
		}
		logger.Info("pipeline resumed", logging.EventType("pipeline_unquieted"))
		if !s.active() {
			return nil
		}
		return s.admitLocked(ctx)
	}
	return fmt.Errorf("%w: pipeline action %q", messages.ErrInvalid, msg.Action)
}

// drainDepositsLocked parks every running deposit that has no working job.
func (s *Supervisor) drainDepositsLocked(ctx context.Context) error {
	records, err := status.Deposits(ctx, s.store)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.Fields.State() != status.StateRunning {
			continue
		}
		unlock := s.deposits.Lock(rec.ID)
		err := s.parkIfIdle(ctx, rec.ID)
		unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// requeueQuietedLocked returns quieted deposits to the queue.
func (s *Supervisor) requeueQuietedLocked(ctx context.Context) error {
	records, err := status.Deposits(ctx, s.store)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.Fields.State() != status.StateQuieted {
			continue
		}
		unlock := s.deposits.Lock(rec.ID)
		_, err := status.Transition(ctx, s.store, rec.ID, status.StateQueued, status.StateQuieted)
		unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) checkQuiescence(ctx context.Context) error {
	s.pipelineMu.Lock()
	defer s.pipelineMu.Unlock()
	return s.checkQuiescenceLocked(ctx)
}

// checkQuiescenceLocked completes a drain once no job is working anywhere.
func (s *Supervisor) checkQuiescenceLocked(ctx context.Context) error {
	p, err := s.store.Pipeline(ctx)
	if err != nil {
		return err
	}
	if p.State() != status.PipelineActive || !p.Action().Draining() {
		return nil
	}
	working, err := status.WorkingJobs(ctx, s.store)
	if err != nil {
		return err
	}
	if working > 0 {
		s.logger.Debug("pipeline draining", logging.Int("working_jobs", working))
		return nil
	}
	target, event := status.PipelineQuieted, notifications.EventPipelineQuieted
	if p.Action() == status.ActionStop {
		target, event = status.PipelineStopped, notifications.EventPipelineStopped
	}
	if err := s.setPipeline(ctx, target, p.Action(), p[status.PipelineFieldUpdatedBy]); err != nil {
		return err
	}
	s.notifyPipeline(ctx, event)
	s.logger.Info("pipeline drained",
		logging.State(string(target)),
		logging.EventType("pipeline_"+string(target)),
	)
	return nil
}

func (s *Supervisor) notifyPipeline(ctx context.Context, event notifications.Event) {
	if err := s.notifier.Publish(ctx, event, notifications.Payload{}); err != nil {
		logging.WarnWithContext(s.logger, "notification failed", "notification_failed",
			logging.String("event", string(event)),
			logging.Error(err),
			logging.ErrorHint("check ntfy topic and network"),
		)
	}
}

// Summary is a point-in-time view of the pipeline.
type Summary struct {
	State       status.PipelineState
	Action      status.PipelineAction
	UpdatedAt   string
	UpdatedBy   string
	Running     bool
	Deposits    map[status.DepositState]int
	WorkingJobs int
}

// Status summarises the pipeline and deposit counts.
func (s *Supervisor) Status(ctx context.Context) (Summary, error) {
	p, err := s.store.Pipeline(ctx)
	if err != nil {
		return Summary{}, err
	}
	summary := Summary{
		State:     p.State(),
		Action:    p.Action(),
		UpdatedAt: p[status.PipelineFieldUpdatedAt],
		UpdatedBy: p[status.PipelineFieldUpdatedBy],
		Running:   s.active(),
		Deposits:  make(map[status.DepositState]int),
	}
	records, err := status.Deposits(ctx, s.store)
	if err != nil {
		return Summary{}, err
	}
	for _, rec := range records {
		summary.Deposits[rec.Fields.State()]++
		jobs, err := status.Jobs(ctx, s.store, rec.ID)
		if err != nil {
			return Summary{}, err
		}
		for _, job := range jobs {
			if job.Fields.Status() == status.JobWorking {
				summary.WorkingJobs++
			}
		}
	}
	return summary, nil
}
