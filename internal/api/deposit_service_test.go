package api

import (
	"context"
	"testing"

	"accession/internal/status"
	"accession/internal/status/memstore"
	"accession/internal/testsupport"
)

func TestDepositServiceListFiltersAndOrders(t *testing.T) {
	store := memstore.New()
	testsupport.NewDeposit(t, store, "late", nil,
		testsupport.WithDepositField(status.FieldState, string(status.StateQueued)),
		testsupport.WithDepositField(status.FieldSubmitTime, "2024-01-02T00:00:00Z"))
	testsupport.NewDeposit(t, store, "early", nil,
		testsupport.WithDepositField(status.FieldState, string(status.StateQueued)),
		testsupport.WithDepositField(status.FieldSubmitTime, "2024-01-01T00:00:00Z"))
	testsupport.NewDeposit(t, store, "done", nil,
		testsupport.WithDepositField(status.FieldState, string(status.StateFinished)))

	svc := NewDepositService(store)
	all, err := svc.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 deposits, got %d", len(all))
	}
	queued, err := svc.List(context.Background(), status.StateQueued)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(queued) != 2 || queued[0].ID != "early" || queued[1].ID != "late" {
		t.Fatalf("unexpected queued list: %+v", queued)
	}
}

func TestDepositServiceDescribe(t *testing.T) {
	store := memstore.New()
	testsupport.NewDeposit(t, store, "dep", nil)
	if _, err := store.CreateJob(context.Background(), "dep", "j1", status.JobFields{
		status.JobFieldName:   "verify-staging",
		status.JobFieldStatus: string(status.JobQueued),
	}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	svc := NewDepositService(store)

	got, err := svc.Describe(context.Background(), "dep")
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if got == nil || len(got.Jobs) != 1 || got.Jobs[0].Label != "Verify Staging" {
		t.Fatalf("unexpected deposit: %+v", got)
	}

	missing, err := svc.Describe(context.Background(), "missing")
	if err != nil || missing != nil {
		t.Fatalf("Describe(missing) = %v, %v; want nil, nil", missing, err)
	}
}
