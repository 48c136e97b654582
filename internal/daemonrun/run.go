package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"accession/internal/cleanup"
	"accession/internal/config"
	"accession/internal/daemon"
	"accession/internal/executor"
	"accession/internal/jobs"
	"accession/internal/logging"
	"accession/internal/notifications"
	"accession/internal/preflight"
	"accession/internal/staging"
	"accession/internal/supervisor"
)

// LogFileName is the daemon log written under paths.log_dir.
const LogFileName = "accessiond.log"

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
}

// Run starts the accession daemon and blocks until SIGINT, SIGTERM or
// cmdCtx cancellation.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	level := opts.LogLevel
	if level == "" {
		level = cfg.Logging.Level
	}
	logger, err := logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stdout", filepath.Join(cfg.Paths.LogDir, LogFileName)},
		Development: opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	pidPath := cfg.PIDPath()
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	store, err := OpenStore(signalCtx, cfg, logger)
	if err != nil {
		logger.Error("open status store", logging.Error(err))
		return err
	}
	defer store.Close()

	if failed := preflight.Failed(preflight.RunAll(signalCtx, cfg, store)); len(failed) > 0 {
		for _, r := range failed {
			logging.ErrorWithContext(logger, "preflight check failed", "preflight_failed",
				logging.String("check", r.Name),
				logging.String("detail", r.Detail),
				logging.ErrorHint("fix the path or backend named in the check"),
			)
		}
		return errors.New("preflight checks failed")
	}

	b, err := OpenBus(signalCtx, cfg, logger)
	if err != nil {
		logger.Error("open message bus", logging.Error(err))
		return err
	}
	defer b.Close()

	locations := staging.NewResolverFromConfig(cfg)
	registry, err := jobs.NewDefaultRegistry(cfg, locations)
	if err != nil {
		return fmt.Errorf("job registry: %w", err)
	}
	notifier := notifications.NewService(cfg)
	cleaner := cleanup.New(cfg, store, locations, logger)

	d, err := daemon.New(cfg, logger, daemon.Components{
		Store:      store,
		Bus:        b,
		Registry:   registry,
		Locations:  locations,
		Supervisor: supervisor.New(cfg, store, b, registry, cleaner, notifier, logger),
		Executor:   executor.New(cfg, store, b, registry, locations, logger),
	})
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}

	if err := d.Start(signalCtx); err != nil {
		logging.ErrorWithContext(logger, "daemon start failed", "daemon_start_failed",
			logging.Error(err),
			logging.ErrorHint("check configuration and status store access"),
			logging.Impact("no deposits will be processed"),
		)
		return err
	}
	defer d.Stop()

	go purgeLoop(signalCtx, store, cfg.PurgeInterval(), logger)

	<-signalCtx.Done()
	logger.Info("accession daemon shutting down", logging.EventType("daemon_shutdown"))
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}
