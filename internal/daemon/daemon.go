package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"

	"github.com/gofrs/flock"

	"accession/internal/bus"
	"accession/internal/config"
	"accession/internal/executor"
	"accession/internal/jobs"
	"accession/internal/logging"
	"accession/internal/messages"
	"accession/internal/staging"
	"accession/internal/status"
	"accession/internal/supervisor"
)

// Components are the collaborators the daemon runs.
type Components struct {
	Store      status.Store
	Bus        bus.Bus
	Registry   *jobs.Registry
	Locations  *staging.Resolver
	Supervisor *supervisor.Supervisor
	Executor   *executor.Executor
}

// Daemon runs the supervisor, the executor and the API and enforces
// single-instance execution.
type Daemon struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      status.Store
	registry   *jobs.Registry
	locations  *staging.Resolver
	supervisor *supervisor.Supervisor
	executor   *executor.Executor
	publisher  *messages.Publisher
	api        *apiServer

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	PID          int
	WorkerID     string
	ActiveJobs   int
	LockFilePath string
	StoreBackend string
	BusBackend   string
	Pipeline     supervisor.Summary
	JobHealth    []jobs.Health
	Err          error
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, logger *slog.Logger, c Components) (*Daemon, error) {
	if cfg == nil || c.Store == nil || c.Bus == nil || c.Registry == nil || c.Supervisor == nil || c.Executor == nil {
		return nil, errors.New("daemon requires config, store, bus, registry, supervisor and executor")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	lockPath := cfg.LockPath()
	d := &Daemon{
		cfg:        cfg,
		logger:     logging.NewComponentLogger(logger, "daemon"),
		store:      c.Store,
		registry:   c.Registry,
		locations:  c.Locations,
		supervisor: c.Supervisor,
		executor:   c.Executor,
		publisher:  messages.NewPublisher(c.Bus),
		lockPath:   lockPath,
		lock:       flock.New(lockPath),
	}
	d.api = newAPIServer(cfg, d, logger)
	return d, nil
}

// Start acquires the daemon lock, then starts the supervisor, the executor
// and the API listener.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another accession daemon instance is already running")
	}

	if err := d.supervisor.Start(ctx); err != nil {
		_ = d.lock.Unlock()
		return fmt.Errorf("start supervisor: %w", err)
	}
	if err := d.executor.Start(ctx); err != nil {
		d.supervisor.Stop()
		_ = d.lock.Unlock()
		return fmt.Errorf("start executor: %w", err)
	}
	if err := d.api.start(ctx); err != nil {
		d.executor.Stop()
		d.supervisor.Stop()
		_ = d.lock.Unlock()
		return err
	}

	d.running.Store(true)
	d.logger.Info("accession daemon started",
		logging.String("lock", d.lockPath),
		logging.String("worker", d.executor.WorkerID()),
		logging.EventType("daemon_started"),
	)
	return nil
}

// Stop stops the API, then the supervisor, then the executor, and releases
// the daemon lock. Running jobs are interrupted and reported as killed.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	d.api.stop()
	d.supervisor.Stop()
	d.executor.Stop()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("accession daemon stopped", logging.EventType("daemon_stopped"))
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	st := Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		WorkerID:     d.executor.WorkerID(),
		ActiveJobs:   d.executor.Active(),
		LockFilePath: d.lockPath,
		StoreBackend: d.cfg.Store.Backend,
		BusBackend:   d.cfg.Bus.Backend,
		JobHealth:    d.registry.HealthChecks(ctx),
	}
	summary, err := d.supervisor.Status(ctx)
	if err != nil {
		st.Err = err
		return st
	}
	st.Pipeline = summary
	return st
}

// Handler exposes the API routes, mainly for tests.
func (d *Daemon) Handler() http.Handler {
	return d.api.handler
}
