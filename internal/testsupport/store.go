package testsupport

import (
	"context"
	"testing"
	"time"

	"accession/internal/config"
	"accession/internal/status"
	"accession/internal/status/sqlitestore"
)

// MustOpenStore opens the SQLite Status Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *sqlitestore.Store {
	t.Helper()

	store, err := sqlitestore.Open(cfg)
	if err != nil {
		t.Fatalf("sqlitestore.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// DepositOption adjusts the fields of a test deposit.
type DepositOption func(status.DepositFields)

// WithDepositField sets a deposit field.
func WithDepositField(field status.DepositField, value string) DepositOption {
	return func(f status.DepositFields) { f[field] = value }
}

// NewDeposit creates an unregistered deposit with the given staged files.
func NewDeposit(t testing.TB, store status.Store, id string, staged []string, opts ...DepositOption) {
	t.Helper()

	ctx := context.Background()
	now := status.FormatTime(time.Now())
	fields := status.DepositFields{
		status.FieldState:         string(status.StateUnregistered),
		status.FieldDepositor:     "tester",
		status.FieldPackagingType: "default",
		status.FieldPriority:      string(status.PriorityNormal),
		status.FieldCreateTime:    now,
		status.FieldSubmitTime:    now,
	}
	for _, opt := range opts {
		opt(fields)
	}
	if _, err := store.CreateDeposit(ctx, id, fields); err != nil {
		t.Fatalf("CreateDeposit %s: %v", id, err)
	}
	if len(staged) > 0 {
		if err := store.AddPaths(ctx, id, status.PathsStaged, staged...); err != nil {
			t.Fatalf("AddPaths %s: %v", id, err)
		}
	}
}

// DepositState reads a deposit's state or fails the test.
func DepositState(t testing.TB, store status.Store, id string) status.DepositState {
	t.Helper()

	fields, err := store.Deposit(context.Background(), id)
	if err != nil {
		t.Fatalf("Deposit %s: %v", id, err)
	}
	return fields.State()
}

// PolledState returns the deposit's state, or "" while the record does
// not exist yet. It suits WaitFor conditions that race an asynchronous
// REGISTER.
func PolledState(store status.Store, id string) status.DepositState {
	fields, err := store.Deposit(context.Background(), id)
	if err != nil {
		return ""
	}
	return fields.State()
}

// WaitFor polls cond until it holds or the timeout elapses.
func WaitFor(t testing.TB, timeout time.Duration, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
