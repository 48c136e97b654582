package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"accession/internal/staging"
	"accession/internal/status"
)

// Context is what a job body sees of its deposit. Progress calls write
// straight to the Status Store so observers see them while the job runs.
type Context struct {
	DepositID string
	JobID     string
	Name      string
	Username  string
	WorkDir   string
	Options   string
	Deposit   status.DepositFields
	Logger    *slog.Logger
	Locations *staging.Resolver

	store status.Store
}

// NewContext binds a job execution to its store records.
func NewContext(store status.Store, depositID, jobID, name string) *Context {
	return &Context{DepositID: depositID, JobID: jobID, Name: name, store: store}
}

// StagedFiles returns the deposit's staged file references.
func (c *Context) StagedFiles(ctx context.Context) ([]string, error) {
	return c.store.Paths(ctx, c.DepositID, status.PathsStaged)
}

// SetTotal records the expected number of progress clicks.
func (c *Context) SetTotal(ctx context.Context, total int64) error {
	return c.store.SetJob(ctx, c.DepositID, c.JobID, status.JobFields{
		status.JobFieldTotal: strconv.FormatInt(total, 10),
	})
}

// AddClicks advances the job's progress counter.
func (c *Context) AddClicks(ctx context.Context, n int64) error {
	_, err := c.store.IncrJob(ctx, c.DepositID, c.JobID, status.JobFieldNum, n)
	return err
}

// MarkForCleanup queues paths for removal once the deposit is finished.
func (c *Context) MarkForCleanup(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	if err := c.store.AddPaths(ctx, c.DepositID, status.PathsCleanup, paths...); err != nil {
		return fmt.Errorf("mark for cleanup: %w", err)
	}
	return nil
}

// IncrIngested adds n to the deposit's ingested object count.
func (c *Context) IncrIngested(ctx context.Context, n int64) error {
	_, err := c.store.IncrDeposit(ctx, c.DepositID, status.FieldIngestedObjects, n)
	return err
}
