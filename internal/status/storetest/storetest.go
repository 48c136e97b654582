// Package storetest holds the behaviour every status.Store backend must share.
// Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"accession/internal/status"
)

// Factory returns a fresh, empty store. The test owns closing it.
type Factory func(t *testing.T) status.Store

// Run executes the shared contract against the backend.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(*testing.T, status.Store)
	}{
		{"CreateDepositIsIdempotent", testCreateDepositIdempotent},
		{"MissingDepositIsNotFound", testMissingDeposit},
		{"RejectsUnknownFields", testUnknownFields},
		{"CompareAndSet", testCompareAndSet},
		{"ConcurrentIncrements", testConcurrentIncrements},
		{"PathSets", testPathSets},
		{"JobsKeepCreationOrder", testJobsOrder},
		{"JobProgress", testJobProgress},
		{"Pipeline", testPipeline},
		{"LeaseLock", testLeaseLock},
		{"TransitionHelpers", testTransitionHelpers},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(t)
			t.Cleanup(func() { _ = store.Close() })
			tt.fn(t, store)
		})
	}
}

func mustCreate(t *testing.T, store status.Store, id string) {
	t.Helper()
	created, err := store.CreateDeposit(context.Background(), id, status.DepositFields{
		status.FieldState:     string(status.StateUnregistered),
		status.FieldDepositor: "alice",
	})
	if err != nil {
		t.Fatalf("CreateDeposit: %v", err)
	}
	if !created {
		t.Fatalf("expected %s to be created", id)
	}
}

func testCreateDepositIdempotent(t *testing.T, store status.Store) {
	ctx := context.Background()
	mustCreate(t, store, "dep-1")
	created, err := store.CreateDeposit(ctx, "dep-1", status.DepositFields{status.FieldDepositor: "mallory"})
	if err != nil {
		t.Fatalf("second CreateDeposit: %v", err)
	}
	if created {
		t.Fatal("expected second create to be a no-op")
	}
	fields, err := store.Deposit(ctx, "dep-1")
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if fields[status.FieldDepositor] != "alice" {
		t.Fatalf("expected original depositor, got %q", fields[status.FieldDepositor])
	}
	ids, err := store.DepositIDs(ctx)
	if err != nil {
		t.Fatalf("DepositIDs: %v", err)
	}
	if len(ids) != 1 || ids[0] != "dep-1" {
		t.Fatalf("unexpected ids %v", ids)
	}
}

func testMissingDeposit(t *testing.T, store status.Store) {
	ctx := context.Background()
	if _, err := store.Deposit(ctx, "nope"); !errors.Is(err, status.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.SetDeposit(ctx, "nope", status.DepositFields{status.FieldAction: "x"}); !errors.Is(err, status.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from SetDeposit, got %v", err)
	}
	if _, err := store.CompareAndSetDeposit(ctx, "nope", status.FieldState, []string{""}, "queued"); !errors.Is(err, status.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from CompareAndSetDeposit, got %v", err)
	}
	if _, err := store.Job(ctx, "nope", "job"); !errors.Is(err, status.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from Job, got %v", err)
	}
}

func testUnknownFields(t *testing.T, store status.Store) {
	ctx := context.Background()
	mustCreate(t, store, "dep-1")
	err := store.SetDeposit(ctx, "dep-1", status.DepositFields{"color": "blue"})
	if !errors.Is(err, status.ErrUnknownField) {
		t.Fatalf("expected ErrUnknownField, got %v", err)
	}
	if _, err := store.CreateJob(ctx, "dep-1", "job-1", status.JobFields{"flavor": "x"}); !errors.Is(err, status.ErrUnknownField) {
		t.Fatalf("expected ErrUnknownField for job, got %v", err)
	}
}

func testCompareAndSet(t *testing.T, store status.Store) {
	ctx := context.Background()
	mustCreate(t, store, "dep-1")

	ok, err := store.CompareAndSetDeposit(ctx, "dep-1", status.FieldState, []string{"running"}, "finished")
	if err != nil || ok {
		t.Fatalf("expected CAS to miss, ok=%v err=%v", ok, err)
	}
	ok, err = store.CompareAndSetDeposit(ctx, "dep-1", status.FieldState, []string{"queued", "unregistered"}, "queued")
	if err != nil || !ok {
		t.Fatalf("expected CAS to hit, ok=%v err=%v", ok, err)
	}
	ok, err = store.CompareAndSetDeposit(ctx, "dep-1", status.FieldCleanup, []string{""}, status.CleanupStarted)
	if err != nil || !ok {
		t.Fatalf("expected CAS on absent field to hit, ok=%v err=%v", ok, err)
	}
	ok, err = store.CompareAndSetDeposit(ctx, "dep-1", status.FieldCleanup, []string{""}, status.CleanupStarted)
	if err != nil || ok {
		t.Fatalf("expected second CAS on marker to miss, ok=%v err=%v", ok, err)
	}
	fields, err := store.Deposit(ctx, "dep-1")
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if fields.State() != status.StateQueued {
		t.Fatalf("expected queued, got %q", fields.State())
	}
}

func testConcurrentIncrements(t *testing.T, store status.Store) {
	ctx := context.Background()
	mustCreate(t, store, "dep-1")
	if _, err := store.CreateJob(ctx, "dep-1", "job-1", status.JobFields{status.JobFieldStatus: "working"}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	const workers, perWorker = 8, 25
	var wg sync.WaitGroup
	errs := make(chan error, workers*2)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				if _, err := store.IncrJob(ctx, "dep-1", "job-1", status.JobFieldNum, 1); err != nil {
					errs <- err
					return
				}
				if _, err := store.IncrDeposit(ctx, "dep-1", status.FieldIngestedObjects, 1); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("increment failed: %v", err)
	}

	job, err := store.Job(ctx, "dep-1", "job-1")
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if got := job.Int(status.JobFieldNum); got != workers*perWorker {
		t.Fatalf("expected %d clicks, got %d", workers*perWorker, got)
	}
	dep, err := store.Deposit(ctx, "dep-1")
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if got := dep.Int(status.FieldIngestedObjects); got != workers*perWorker {
		t.Fatalf("expected %d ingested, got %d", workers*perWorker, got)
	}
}

func testPathSets(t *testing.T, store status.Store) {
	ctx := context.Background()
	mustCreate(t, store, "dep-1")
	if err := store.AddPaths(ctx, "dep-1", status.PathsStaged, "file:///s/b", "file:///s/a"); err != nil {
		t.Fatalf("AddPaths: %v", err)
	}
	if err := store.AddPaths(ctx, "dep-1", status.PathsStaged, "file:///s/a"); err != nil {
		t.Fatalf("AddPaths duplicate: %v", err)
	}
	staged, err := store.Paths(ctx, "dep-1", status.PathsStaged)
	if err != nil {
		t.Fatalf("Paths: %v", err)
	}
	if len(staged) != 2 || staged[0] != "file:///s/a" || staged[1] != "file:///s/b" {
		t.Fatalf("unexpected staged paths %v", staged)
	}
	cleanup, err := store.Paths(ctx, "dep-1", status.PathsCleanup)
	if err != nil {
		t.Fatalf("Paths cleanup: %v", err)
	}
	if len(cleanup) != 0 {
		t.Fatalf("expected no cleanup paths, got %v", cleanup)
	}
}

func testJobsOrder(t *testing.T, store status.Store) {
	ctx := context.Background()
	mustCreate(t, store, "dep-1")
	for i, name := range []string{"zeta", "alpha", "mid"} {
		created, err := store.CreateJob(ctx, "dep-1", name, status.JobFields{
			status.JobFieldName:     name,
			status.JobFieldStatus:   string(status.JobQueued),
			status.JobFieldSequence: fmt.Sprint(i),
		})
		if err != nil || !created {
			t.Fatalf("CreateJob %s: created=%v err=%v", name, created, err)
		}
	}
	created, err := store.CreateJob(ctx, "dep-1", "alpha", status.JobFields{status.JobFieldStatus: "failed"})
	if err != nil || created {
		t.Fatalf("expected duplicate CreateJob to be a no-op, created=%v err=%v", created, err)
	}
	ids, err := store.JobIDs(ctx, "dep-1")
	if err != nil {
		t.Fatalf("JobIDs: %v", err)
	}
	if fmt.Sprint(ids) != "[zeta alpha mid]" {
		t.Fatalf("unexpected order %v", ids)
	}
	job, err := store.Job(ctx, "dep-1", "alpha")
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if job.Status() != status.JobQueued {
		t.Fatalf("expected queued, got %q", job.Status())
	}
	if err := store.SetJob(ctx, "dep-1", "alpha", status.JobFields{status.JobFieldMessage: "hello"}); err != nil {
		t.Fatalf("SetJob: %v", err)
	}
	records, err := status.Jobs(ctx, store, "dep-1")
	if err != nil {
		t.Fatalf("Jobs: %v", err)
	}
	if len(records) != 3 || records[1].Fields[status.JobFieldMessage] != "hello" {
		t.Fatalf("unexpected records %+v", records)
	}
}

func testJobProgress(t *testing.T, store status.Store) {
	ctx := context.Background()
	mustCreate(t, store, "dep-1")
	if _, err := store.CreateJob(ctx, "dep-1", "job-1", status.JobFields{status.JobFieldStatus: string(status.JobQueued)}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := store.SetJob(ctx, "dep-1", "job-1", status.JobFields{status.JobFieldTotal: "10"}); err != nil {
		t.Fatalf("SetJob: %v", err)
	}
	n, err := store.IncrJob(ctx, "dep-1", "job-1", status.JobFieldNum, 3)
	if err != nil || n != 3 {
		t.Fatalf("IncrJob = %d, %v", n, err)
	}
	n, err = store.IncrJob(ctx, "dep-1", "job-1", status.JobFieldNum, 4)
	if err != nil || n != 7 {
		t.Fatalf("IncrJob = %d, %v", n, err)
	}
	ok, err := store.CompareAndSetJob(ctx, "dep-1", "job-1", status.JobFieldStatus, []string{"queued"}, "working")
	if err != nil || !ok {
		t.Fatalf("CompareAndSetJob ok=%v err=%v", ok, err)
	}
	working, err := status.WorkingJobs(ctx, store)
	if err != nil || working != 1 {
		t.Fatalf("WorkingJobs = %d, %v", working, err)
	}
}

func testPipeline(t *testing.T, store status.Store) {
	ctx := context.Background()
	fields, err := store.Pipeline(ctx)
	if err != nil {
		t.Fatalf("Pipeline: %v", err)
	}
	if fields.State() != "" {
		t.Fatalf("expected empty pipeline record, got %v", fields)
	}
	if err := store.SetPipeline(ctx, status.PipelineFields{
		status.PipelineFieldState:  string(status.PipelineActive),
		status.PipelineFieldAction: string(status.ActionUnquiet),
	}); err != nil {
		t.Fatalf("SetPipeline: %v", err)
	}
	if err := store.SetPipeline(ctx, status.PipelineFields{status.PipelineFieldAction: string(status.ActionQuiet)}); err != nil {
		t.Fatalf("SetPipeline: %v", err)
	}
	fields, err = store.Pipeline(ctx)
	if err != nil {
		t.Fatalf("Pipeline: %v", err)
	}
	if fields.State() != status.PipelineActive || fields.Action() != status.ActionQuiet {
		t.Fatalf("unexpected pipeline %v", fields)
	}
}

func testLeaseLock(t *testing.T, store status.Store) {
	ctx := context.Background()
	mustCreate(t, store, "dep-1")
	ttl := time.Minute

	ok, err := store.AcquireLock(ctx, "dep-1", "worker-a", ttl)
	if err != nil || !ok {
		t.Fatalf("AcquireLock a: ok=%v err=%v", ok, err)
	}
	ok, err = store.AcquireLock(ctx, "dep-1", "worker-b", ttl)
	if err != nil || ok {
		t.Fatalf("expected b to be refused, ok=%v err=%v", ok, err)
	}
	ok, err = store.AcquireLock(ctx, "dep-1", "worker-a", ttl)
	if err != nil || !ok {
		t.Fatalf("expected re-entrant acquire, ok=%v err=%v", ok, err)
	}
	fields, err := store.Deposit(ctx, "dep-1")
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if fields[status.FieldLock] != "worker-a" {
		t.Fatalf("expected lock token worker-a, got %q", fields[status.FieldLock])
	}
	ok, err = store.RenewLock(ctx, "dep-1", "worker-b", ttl)
	if err != nil || ok {
		t.Fatalf("expected renew by non-owner to fail, ok=%v err=%v", ok, err)
	}
	ok, err = store.RenewLock(ctx, "dep-1", "worker-a", ttl)
	if err != nil || !ok {
		t.Fatalf("expected renew by owner, ok=%v err=%v", ok, err)
	}
	if err := store.ReleaseLock(ctx, "dep-1", "worker-b"); err != nil {
		t.Fatalf("ReleaseLock b: %v", err)
	}
	ok, err = store.AcquireLock(ctx, "dep-1", "worker-b", ttl)
	if err != nil || ok {
		t.Fatalf("release by non-owner must not free the lock, ok=%v err=%v", ok, err)
	}
	if err := store.ReleaseLock(ctx, "dep-1", "worker-a"); err != nil {
		t.Fatalf("ReleaseLock a: %v", err)
	}
	ok, err = store.AcquireLock(ctx, "dep-1", "worker-b", ttl)
	if err != nil || !ok {
		t.Fatalf("expected b to acquire after release, ok=%v err=%v", ok, err)
	}
}

func testTransitionHelpers(t *testing.T, store status.Store) {
	ctx := context.Background()
	mustCreate(t, store, "dep-1")

	ok, err := status.Transition(ctx, store, "dep-1", status.StateRunning)
	if err != nil || ok {
		t.Fatalf("unregistered must not jump to running, ok=%v err=%v", ok, err)
	}
	for _, next := range []status.DepositState{status.StateQueued, status.StateRunning, status.StatePaused, status.StateQueued} {
		ok, err := status.Transition(ctx, store, "dep-1", next)
		if err != nil || !ok {
			t.Fatalf("transition to %s: ok=%v err=%v", next, ok, err)
		}
	}
	if _, err := status.Transition(ctx, store, "dep-1", status.StateRunning, status.StateFinished); !errors.Is(err, status.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	ok, err = status.ForceCancel(ctx, store, "dep-1")
	if err != nil || !ok {
		t.Fatalf("ForceCancel ok=%v err=%v", ok, err)
	}
	ok, err = status.ForceCancel(ctx, store, "dep-1")
	if err != nil || ok {
		t.Fatalf("second ForceCancel must be a no-op, ok=%v err=%v", ok, err)
	}
	ok, err = status.Transition(ctx, store, "dep-1", status.StateQueued)
	if err != nil || ok {
		t.Fatalf("cancelled is terminal, ok=%v err=%v", ok, err)
	}
}
