package status

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a deposit or job record does not exist or has expired.
	ErrNotFound = errors.New("status record not found")
	// ErrUnknownField is returned for keys outside the field enumerations.
	ErrUnknownField = errors.New("unknown status field")
	// ErrInvalidTransition is returned when a requested edge is not in the graph.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Store is the shared, durable record of deposits, jobs and the pipeline.
// Implementations must make CompareAndSet and Incr atomic across processes
// that share the backend; plain field writes are last-write-wins.
type Store interface {
	// CreateDeposit writes the record only if it does not exist yet.
	CreateDeposit(ctx context.Context, id string, fields DepositFields) (bool, error)
	Deposit(ctx context.Context, id string) (DepositFields, error)
	SetDeposit(ctx context.Context, id string, fields DepositFields) error
	// CompareAndSetDeposit writes value when the current value is one of
	// expected. An absent field compares equal to "".
	CompareAndSetDeposit(ctx context.Context, id string, field DepositField, expected []string, value string) (bool, error)
	IncrDeposit(ctx context.Context, id string, field DepositField, delta int64) (int64, error)
	DepositIDs(ctx context.Context) ([]string, error)
	AddPaths(ctx context.Context, id string, kind PathKind, paths ...string) error
	Paths(ctx context.Context, id string, kind PathKind) ([]string, error)

	// CreateJob writes the job record only if it does not exist yet and
	// appends it to the deposit's job list.
	CreateJob(ctx context.Context, depositID, jobID string, fields JobFields) (bool, error)
	Job(ctx context.Context, depositID, jobID string) (JobFields, error)
	// JobIDs lists a deposit's jobs in creation order.
	JobIDs(ctx context.Context, depositID string) ([]string, error)
	SetJob(ctx context.Context, depositID, jobID string, fields JobFields) error
	CompareAndSetJob(ctx context.Context, depositID, jobID string, field JobField, expected []string, value string) (bool, error)
	IncrJob(ctx context.Context, depositID, jobID string, field JobField, delta int64) (int64, error)

	Pipeline(ctx context.Context) (PipelineFields, error)
	SetPipeline(ctx context.Context, fields PipelineFields) error

	// AcquireLock takes the per-deposit execution lease. It succeeds when the
	// lease is free, expired, or already held by owner.
	AcquireLock(ctx context.Context, depositID, owner string, ttl time.Duration) (bool, error)
	RenewLock(ctx context.Context, depositID, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, depositID, owner string) error

	// ScheduleExpiry removes the deposit, its jobs, path sets and lease after
	// the delay.
	ScheduleExpiry(ctx context.Context, depositID string, after time.Duration) error

	Ping(ctx context.Context) error
	Close() error
}

// Purger is implemented by backends without native key expiry.
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// Jobs loads every job record of a deposit in creation order.
func Jobs(ctx context.Context, store Store, depositID string) ([]JobRecord, error) {
	ids, err := store.JobIDs(ctx, depositID)
	if err != nil {
		return nil, err
	}
	records := make([]JobRecord, 0, len(ids))
	for _, id := range ids {
		fields, err := store.Job(ctx, depositID, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, JobRecord{ID: id, DepositID: depositID, Fields: fields})
	}
	return records, nil
}

// WorkingJobs counts jobs in the working status across all deposits.
func WorkingJobs(ctx context.Context, store Store) (int, error) {
	ids, err := store.DepositIDs(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, depositID := range ids {
		jobs, err := Jobs(ctx, store, depositID)
		if err != nil {
			return 0, err
		}
		for _, job := range jobs {
			if job.Fields.Status() == JobWorking {
				count++
			}
		}
	}
	return count, nil
}

// JobRecord pairs a job's identity with its fields.
type JobRecord struct {
	ID        string
	DepositID string
	Fields    JobFields
}

// DepositRecord pairs a deposit's identity with its fields.
type DepositRecord struct {
	ID     string
	Fields DepositFields
}

// Deposits loads every live deposit record.
func Deposits(ctx context.Context, store Store) ([]DepositRecord, error) {
	ids, err := store.DepositIDs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]DepositRecord, 0, len(ids))
	for _, id := range ids {
		fields, err := store.Deposit(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, DepositRecord{ID: id, Fields: fields})
	}
	return out, nil
}
