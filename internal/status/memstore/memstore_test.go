package memstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"accession/internal/status"
	"accession/internal/status/memstore"
	"accession/internal/status/storetest"
)

func TestContract(t *testing.T) {
	storetest.Run(t, func(*testing.T) status.Store { return memstore.New() })
}

func TestLeaseExpires(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := memstore.New(memstore.WithClock(func() time.Time { return now }))
	ctx := context.Background()
	if _, err := store.CreateDeposit(ctx, "dep-1", status.DepositFields{status.FieldState: "running"}); err != nil {
		t.Fatalf("CreateDeposit: %v", err)
	}
	if ok, _ := store.AcquireLock(ctx, "dep-1", "a", time.Minute); !ok {
		t.Fatal("expected a to acquire")
	}
	now = now.Add(2 * time.Minute)
	if ok, _ := store.RenewLock(ctx, "dep-1", "a", time.Minute); ok {
		t.Fatal("expired lease must not renew")
	}
	if ok, _ := store.AcquireLock(ctx, "dep-1", "b", time.Minute); !ok {
		t.Fatal("expected b to take over an expired lease")
	}
}

func TestScheduleExpiryHidesAndPurges(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := memstore.New(memstore.WithClock(func() time.Time { return now }))
	ctx := context.Background()
	if _, err := store.CreateDeposit(ctx, "dep-1", status.DepositFields{status.FieldState: "finished"}); err != nil {
		t.Fatalf("CreateDeposit: %v", err)
	}
	if err := store.ScheduleExpiry(ctx, "dep-1", time.Hour); err != nil {
		t.Fatalf("ScheduleExpiry: %v", err)
	}
	if _, err := store.Deposit(ctx, "dep-1"); err != nil {
		t.Fatalf("deposit should be visible before expiry: %v", err)
	}
	now = now.Add(time.Hour)
	if _, err := store.Deposit(ctx, "dep-1"); !errors.Is(err, status.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after expiry, got %v", err)
	}
	removed, err := store.PurgeExpired(ctx, now)
	if err != nil || removed != 1 {
		t.Fatalf("PurgeExpired = %d, %v", removed, err)
	}
}
