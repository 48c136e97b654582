// Package cleanup removes what a deposit left behind once it reaches a
// terminal state: staged files on writable locations, paths jobs flagged for
// removal, and the deposit's working directory. It then schedules the
// deposit's status records for expiry.
//
// A cleanup marker on the deposit record makes the job run once. Read-only
// locations are never touched and location roots are never removed. Every
// failure is logged and skipped; cleanup never reopens a deposit.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"accession/internal/config"
	"accession/internal/logging"
	"accession/internal/staging"
	"accession/internal/status"
)

// Remover deletes filesystem entries.
type Remover interface {
	Remove(path string) error
	RemoveAll(path string) error
}

type osRemover struct{}

func (osRemover) Remove(path string) error    { return os.Remove(path) }
func (osRemover) RemoveAll(path string) error { return os.RemoveAll(path) }

// Cleaner runs the cleanup job.
type Cleaner struct {
	store     status.Store
	locations *staging.Resolver
	workRoot  string
	expiry    time.Duration
	remover   Remover
	logger    *slog.Logger
}

// Option customises a Cleaner.
type Option func(*Cleaner)

// WithRemover replaces filesystem deletes.
func WithRemover(r Remover) Option {
	return func(c *Cleaner) { c.remover = r }
}

// New builds a Cleaner using the work root and status expiry from cfg.
func New(cfg *config.Config, store status.Store, locations *staging.Resolver, logger *slog.Logger, opts ...Option) *Cleaner {
	if logger == nil {
		logger = logging.NewNop()
	}
	c := &Cleaner{
		store:     store,
		locations: locations,
		workRoot:  cfg.Paths.WorkDir,
		expiry:    cfg.StatusExpiry(),
		remover:   osRemover{},
		logger:    logging.NewComponentLogger(logger, "cleanup"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Report summarises one cleanup run.
type Report struct {
	Removed  []string
	Skipped  []string
	Failures int
}

// Run cleans a deposit unless cleanup already started for it. It reports
// whether this call did the work.
func (c *Cleaner) Run(ctx context.Context, depositID string) (bool, Report, error) {
	return c.run(ctx, depositID, []string{""})
}

// Resume re-runs a cleanup that started but never completed, as well as one
// that never started.
func (c *Cleaner) Resume(ctx context.Context, depositID string) (bool, Report, error) {
	return c.run(ctx, depositID, []string{"", status.CleanupStarted})
}

func (c *Cleaner) run(ctx context.Context, depositID string, from []string) (bool, Report, error) {
	var report Report
	claimed, err := c.store.CompareAndSetDeposit(ctx, depositID, status.FieldCleanup, from, status.CleanupStarted)
	if err != nil {
		return false, report, fmt.Errorf("claim cleanup for %s: %w", depositID, err)
	}
	if !claimed {
		return false, report, nil
	}
	logger := c.logger.With(logging.DepositID(depositID))
	fields, err := c.store.Deposit(ctx, depositID)
	if err != nil {
		return true, report, fmt.Errorf("load deposit %s: %w", depositID, err)
	}

	c.removeStaged(ctx, logger, depositID, &report)
	c.removeFlagged(ctx, logger, depositID, &report)
	c.removeWorkDir(logger, depositID, fields[status.FieldWorkDir], &report)

	if err := c.store.SetDeposit(ctx, depositID, status.DepositFields{status.FieldCleanup: status.CleanupCompleted}); err != nil {
		return true, report, fmt.Errorf("mark cleanup completed for %s: %w", depositID, err)
	}
	if err := c.store.ScheduleExpiry(ctx, depositID, c.expiry); err != nil {
		logging.WarnWithContext(logger, "status expiry not scheduled", "status_expiry_failed",
			logging.Error(err),
			logging.ErrorHint("check status store connectivity"),
			logging.Impact("deposit record kept until removed manually"),
		)
	}
	logger.Info("deposit cleanup completed",
		logging.Int("removed", len(report.Removed)),
		logging.Int("skipped", len(report.Skipped)),
		logging.Int("failures", report.Failures),
		logging.EventType("cleanup_completed"),
	)
	return true, report, nil
}

// removeStaged deletes staged files on writable locations, then tries their
// parent directory.
func (c *Cleaner) removeStaged(ctx context.Context, logger *slog.Logger, depositID string, report *Report) {
	refs, err := c.store.Paths(ctx, depositID, status.PathsStaged)
	if err != nil {
		report.Failures++
		logger.Warn("staged files not listed", logging.Error(err), logging.EventType("cleanup_list_failed"))
		return
	}
	sort.Strings(refs)
	for _, ref := range refs {
		path, loc, ok := c.writable(logger, ref, report)
		if !ok {
			continue
		}
		c.remove(logger, path, report)
		parent := filepath.Dir(path)
		if parent != path && loc.Contains(parent) && !loc.IsRoot(parent) {
			c.remove(logger, parent, report)
		}
	}
}

// removeFlagged deletes paths jobs marked for cleanup, deepest first.
func (c *Cleaner) removeFlagged(ctx context.Context, logger *slog.Logger, depositID string, report *Report) {
	refs, err := c.store.Paths(ctx, depositID, status.PathsCleanup)
	if err != nil {
		report.Failures++
		logger.Warn("cleanup paths not listed", logging.Error(err), logging.EventType("cleanup_list_failed"))
		return
	}
	paths := make([]string, 0, len(refs))
	for _, ref := range refs {
		path, loc, ok := c.writable(logger, ref, report)
		if !ok {
			continue
		}
		if loc.IsRoot(path) {
			report.Skipped = append(report.Skipped, path)
			continue
		}
		paths = append(paths, path)
	}
	for _, path := range OrderForRemoval(paths) {
		c.remove(logger, path, report)
	}
}

func (c *Cleaner) removeWorkDir(logger *slog.Logger, depositID, workDir string, report *Report) {
	if strings.TrimSpace(workDir) == "" {
		workDir = staging.WorkDir(c.workRoot, depositID)
	}
	workDir = filepath.Clean(workDir)
	if workDir == filepath.Clean(c.workRoot) || workDir == string(filepath.Separator) {
		report.Skipped = append(report.Skipped, workDir)
		return
	}
	if err := c.remover.RemoveAll(workDir); err != nil {
		report.Failures++
		logger.Warn("work directory not removed",
			logging.String("path", workDir),
			logging.Error(err),
			logging.EventType("cleanup_workdir_failed"),
			logging.ErrorHint("check paths.work_dir permissions"),
		)
		return
	}
	report.Removed = append(report.Removed, workDir)
}

func (c *Cleaner) writable(logger *slog.Logger, ref string, report *Report) (string, staging.Location, bool) {
	path, loc, err := c.locations.Resolve(ref)
	if err != nil {
		report.Skipped = append(report.Skipped, ref)
		logger.Debug("path outside storage locations left in place", logging.String("path", ref), logging.Error(err))
		return "", staging.Location{}, false
	}
	if loc.ReadOnly {
		report.Skipped = append(report.Skipped, path)
		return "", staging.Location{}, false
	}
	return path, loc, true
}

func (c *Cleaner) remove(logger *slog.Logger, path string, report *Report) {
	err := c.remover.Remove(path)
	switch {
	case err == nil:
		report.Removed = append(report.Removed, path)
	case errors.Is(err, os.ErrNotExist), errors.Is(err, syscall.ENOTEMPTY), errors.Is(err, syscall.EEXIST):
	default:
		report.Failures++
		logger.Warn("cleanup path not removed",
			logging.String("path", path),
			logging.Error(err),
			logging.EventType("cleanup_remove_failed"),
		)
	}
}

// OrderForRemoval sorts paths children first: more path components first,
// then reverse lexicographic order.
func OrderForRemoval(paths []string) []string {
	out := append([]string(nil), paths...)
	sort.SliceStable(out, func(i, j int) bool {
		di, dj := depth(out[i]), depth(out[j])
		if di != dj {
			return di > dj
		}
		return out[i] > out[j]
	})
	return out
}

func depth(path string) int {
	return strings.Count(filepath.Clean(path), string(filepath.Separator))
}
