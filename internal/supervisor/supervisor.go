package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"accession/internal/bus"
	"accession/internal/cleanup"
	"accession/internal/config"
	"accession/internal/jobs"
	"accession/internal/logging"
	"accession/internal/messages"
	"accession/internal/notifications"
	"accession/internal/status"
)

const systemUser = "system"

// Supervisor applies pipeline actions and deposit operations.
type Supervisor struct {
	store     status.Store
	bus       bus.Bus
	publisher *messages.Publisher
	registry  *jobs.Registry
	cleaner   *cleanup.Cleaner
	notifier  notifications.Service
	logger    *slog.Logger

	workRoot     string
	pollInterval time.Duration
	staleAge     time.Duration

	// pipelineMu is always taken before any deposit lock.
	pipelineMu sync.Mutex
	deposits   keyedMutex

	mu       sync.Mutex
	running  bool
	stopping bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New constructs a Supervisor.
func New(cfg *config.Config, store status.Store, b bus.Bus, registry *jobs.Registry, cleaner *cleanup.Cleaner, notifier notifications.Service, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = logging.NewNop()
	}
	if notifier == nil {
		notifier = notifications.Noop()
	}
	return &Supervisor{
		store:        store,
		bus:          b,
		publisher:    messages.NewPublisher(b),
		registry:     registry,
		cleaner:      cleaner,
		notifier:     notifier,
		logger:       logging.NewComponentLogger(logger, "supervisor"),
		workRoot:     cfg.Paths.WorkDir,
		pollInterval: cfg.PollInterval(),
		staleAge:     cfg.StaleWorkDirAge(),
	}
}

// Start verifies the Status Store, recovers interrupted work, brings the
// pipeline to active (or back to quieted when it was quiet before the
// restart) and begins consuming pipeline and operation messages.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("supervisor already running")
	}
	s.mu.Unlock()

	if err := s.store.Ping(ctx); err != nil {
		logging.ErrorWithContext(s.logger, "status store unreachable; scheduling disabled", "store_unreachable",
			logging.Error(err),
			logging.ErrorHint("check [store] settings and that the backend is running"),
		)
		return fmt.Errorf("status store unreachable: %w", err)
	}

	target, action, err := s.beginStartup(ctx)
	if err != nil {
		return err
	}
	if err := s.recover(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	if err := s.setPipeline(ctx, target, action, systemUser); err != nil {
		return err
	}
	if err := s.resumeRunning(ctx); err != nil {
		return fmt.Errorf("resume running deposits: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.running = true
	s.stopping = false
	s.cancel = cancel
	s.wg.Add(3)
	s.mu.Unlock()

	go s.consume(runCtx, messages.TopicPipeline, s.handlePipelinePayload)
	go s.consume(runCtx, messages.TopicOperations, s.handleOperationPayload)
	go s.reconcileLoop(runCtx)

	s.logger.Info("supervisor started",
		logging.State(string(target)),
		logging.EventType("supervisor_started"),
	)
	return nil
}

// Stop halts message consumption and records the shutdown. A quieted or
// stopped pipeline keeps its state.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	s.pipelineMu.Lock()
	defer s.pipelineMu.Unlock()
	p, err := s.store.Pipeline(ctx)
	if err != nil {
		s.logger.Warn("pipeline state not read at shutdown", logging.Error(err))
		return
	}
	if st := p.State(); st == status.PipelineActive || st == status.PipelineStarting {
		if err := s.setPipeline(ctx, status.PipelineShutdown, p.Action(), systemUser); err != nil {
			s.logger.Warn("pipeline shutdown not recorded", logging.Error(err))
		}
	}
	s.logger.Info("supervisor stopped", logging.EventType("supervisor_stopped"))
}

// active reports whether the supervisor is running and not shutting down.
func (s *Supervisor) active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running && !s.stopping
}

func (s *Supervisor) consume(ctx context.Context, topic string, handler bus.Handler) {
	defer s.wg.Done()
	logger := s.logger.With(logging.String("topic", topic))
	for {
		err := s.bus.Subscribe(ctx, topic, handler)
		if ctx.Err() != nil || errors.Is(err, bus.ErrClosed) {
			return
		}
		if err != nil {
			logging.WarnWithContext(logger, "subscription failed; retrying", "supervisor_subscribe_failed",
				logging.Error(err),
				logging.ErrorHint("check bus connectivity"),
			)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.pollInterval):
		}
	}
}

func (s *Supervisor) reconcileLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Reconcile(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("reconcile pass failed",
					logging.Error(err),
					logging.EventType("reconcile_failed"),
					logging.ErrorHint("check status store connectivity"),
				)
			}
		}
	}
}

// Reconcile is the periodic pass. It first reclaims jobs whose lease
// expired; then, while draining, it parks idle running deposits and checks
// for quiescence, and while active it admits queued deposits whose
// REGISTER or RESUME message was lost.
func (s *Supervisor) Reconcile(ctx context.Context) error {
	s.pipelineMu.Lock()
	defer s.pipelineMu.Unlock()
	p, err := s.store.Pipeline(ctx)
	if err != nil {
		return err
	}
	if err := s.reclaimExpiredLocked(ctx, p); err != nil {
		return err
	}
	switch {
	case p.Action().Draining() && p.State() == status.PipelineActive:
		if err := s.drainDepositsLocked(ctx); err != nil {
			return err
		}
		return s.checkQuiescenceLocked(ctx)
	case admissible(p):
		return s.admitLocked(ctx)
	}
	return nil
}

func (s *Supervisor) handlePipelinePayload(ctx context.Context, payload []byte) error {
	msg, err := messages.DecodePipeline(payload)
	if err != nil {
		logging.WarnWithContext(s.logger, "dropping malformed pipeline message", "pipeline_message_invalid",
			logging.Error(err),
			logging.Impact("message discarded"),
		)
		return nil
	}
	return s.HandlePipelineAction(ctx, msg)
}

func (s *Supervisor) handleOperationPayload(ctx context.Context, payload []byte) error {
	msg, err := messages.DecodeOperation(payload)
	if err != nil {
		logging.WarnWithContext(s.logger, "dropping malformed operation message", "operation_message_invalid",
			logging.Error(err),
			logging.Impact("message discarded"),
		)
		return nil
	}
	return s.HandleDepositOperation(ctx, msg)
}

func (s *Supervisor) setPipeline(ctx context.Context, state status.PipelineState, action status.PipelineAction, by string) error {
	if by == "" {
		by = systemUser
	}
	if err := s.store.SetPipeline(ctx, status.PipelineFields{
		status.PipelineFieldState:     string(state),
		status.PipelineFieldAction:    string(action),
		status.PipelineFieldUpdatedAt: status.FormatTime(time.Now()),
		status.PipelineFieldUpdatedBy: by,
	}); err != nil {
		return fmt.Errorf("record pipeline %s: %w", state, err)
	}
	return nil
}

func admissible(p status.PipelineFields) bool {
	return p.State() == status.PipelineActive && !p.Action().Draining()
}
