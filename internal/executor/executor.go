package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"accession/internal/bus"
	"accession/internal/config"
	"accession/internal/jobs"
	"accession/internal/logging"
	"accession/internal/messages"
	"accession/internal/staging"
	"accession/internal/status"
)

// Executor consumes job messages with a fixed number of workers.
type Executor struct {
	store     status.Store
	bus       bus.Bus
	publisher *messages.Publisher
	registry  *jobs.Registry
	locations *staging.Resolver
	logger    *slog.Logger

	workerID     string
	workRoot     string
	workers      int
	pollInterval time.Duration
	jobTimeout   time.Duration
	lockTTL      time.Duration
	heartbeat    time.Duration
	backoff      time.Duration
	maxAttempts  int

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	active atomic.Int32
}

// Option customises an Executor.
type Option func(*Executor)

// WithWorkerID sets the identity recorded on job records and lease owners.
func WithWorkerID(id string) Option {
	return func(e *Executor) { e.workerID = id }
}

// WithJobTimeout overrides pipeline.job_timeout.
func WithJobTimeout(d time.Duration) Option {
	return func(e *Executor) { e.jobTimeout = d }
}

// New builds an Executor from the [pipeline] settings in cfg.
func New(cfg *config.Config, store status.Store, b bus.Bus, registry *jobs.Registry, locations *staging.Resolver, logger *slog.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = logging.NewNop()
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "accessiond"
	}
	e := &Executor{
		store:        store,
		bus:          b,
		publisher:    messages.NewPublisher(b),
		registry:     registry,
		locations:    locations,
		logger:       logging.NewComponentLogger(logger, "executor"),
		workerID:     fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		workRoot:     cfg.Paths.WorkDir,
		workers:      cfg.Pipeline.Workers,
		pollInterval: cfg.PollInterval(),
		jobTimeout:   cfg.JobTimeout(),
		lockTTL:      cfg.LockTTL(),
		heartbeat:    cfg.HeartbeatInterval(),
		backoff:      cfg.RetryBackoff(),
		maxAttempts:  cfg.Pipeline.MaxAttempts,
	}
	if e.workers <= 0 {
		e.workers = 1
	}
	if e.maxAttempts <= 0 {
		e.maxAttempts = 1
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WorkerID returns the identity this executor records on jobs.
func (e *Executor) WorkerID() string { return e.workerID }

// Active reports how many jobs this executor is running.
func (e *Executor) Active() int { return int(e.active.Load()) }

// Start launches the worker pool.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return errors.New("executor already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true
	e.wg.Add(e.workers)
	for i := 0; i < e.workers; i++ {
		go e.runWorker(runCtx, i)
	}
	e.logger.Info("executor started",
		logging.Int("workers", e.workers),
		logging.String("worker_id", e.workerID),
		logging.EventType("executor_started"),
	)
	return nil
}

// Stop cancels running jobs and waits for every worker to report its
// outcome.
func (e *Executor) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	cancel := e.cancel
	e.running = false
	e.cancel = nil
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
}

func (e *Executor) runWorker(ctx context.Context, index int) {
	defer e.wg.Done()
	logger := e.logger.With(logging.Int("worker", index))
	for {
		err := e.bus.Subscribe(ctx, messages.TopicJobs, e.Handle)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, bus.ErrClosed) {
			return
		}
		if err != nil {
			logging.WarnWithContext(logger, "job subscription failed; retrying", "job_subscribe_failed",
				logging.Error(err),
				logging.ErrorHint("check bus connectivity"),
			)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.pollInterval):
		}
	}
}
