package daemonrun

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"accession/internal/bus"
	"accession/internal/bus/redisbus"
	"accession/internal/logging"
	"accession/internal/messages"
	"accession/internal/status"
	"accession/internal/status/memstore"
	"accession/internal/status/redisstore"
	"accession/internal/status/sqlitestore"
	"accession/internal/testsupport"
)

func TestOpenStoreByBackend(t *testing.T) {
	mr := miniredis.RunT(t)

	tests := []struct {
		backend string
		check   func(t *testing.T, store status.Store)
	}{
		{"memory", func(t *testing.T, store status.Store) {
			if _, ok := store.(*memstore.Store); !ok {
				t.Fatalf("store = %T, want *memstore.Store", store)
			}
		}},
		{"sqlite", func(t *testing.T, store status.Store) {
			if _, ok := store.(*sqlitestore.Store); !ok {
				t.Fatalf("store = %T, want *sqlitestore.Store", store)
			}
		}},
		{"redis", func(t *testing.T, store status.Store) {
			if _, ok := store.(*redisstore.Store); !ok {
				t.Fatalf("store = %T, want *redisstore.Store", store)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			cfg := testsupport.NewConfig(t, testsupport.WithStoreBackend(tt.backend))
			cfg.Store.RedisAddr = mr.Addr()
			store, err := OpenStore(context.Background(), cfg, logging.NewNop())
			if err != nil {
				t.Fatalf("OpenStore: %v", err)
			}
			defer store.Close()
			tt.check(t, store)
			if err := store.Ping(context.Background()); err != nil {
				t.Fatalf("Ping: %v", err)
			}
		})
	}
}

func TestOpenStoreRejectsUnknownBackend(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Store.Backend = "etcd"
	if _, err := OpenStore(context.Background(), cfg, logging.NewNop()); err == nil || !strings.Contains(err.Error(), "etcd") {
		t.Fatalf("OpenStore error = %v, want unsupported backend", err)
	}
}

func TestOpenBusMemory(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	b, err := OpenBus(context.Background(), cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("OpenBus: %v", err)
	}
	defer b.Close()
	if _, ok := b.(*bus.Memory); !ok {
		t.Fatalf("bus = %T, want *bus.Memory", b)
	}
}

func TestOpenBusRedisKeepsQueuedMessages(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testsupport.NewConfig(t)
	cfg.Bus.Backend = "redis"
	cfg.Bus.RedisAddr = mr.Addr()
	cfg.Bus.PollTimeout = 1

	ctx := context.Background()
	first, err := OpenBus(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("OpenBus: %v", err)
	}
	if err := first.Publish(ctx, messages.TopicOperations, []byte(`{"action":"PAUSE","depositId":"d1"}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	first.Close()

	second, err := OpenBus(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("reopen OpenBus: %v", err)
	}
	defer second.Close()
	rb, ok := second.(*redisbus.Bus)
	if !ok {
		t.Fatalf("bus = %T, want *redisbus.Bus", second)
	}
	n, err := rb.Len(ctx, messages.TopicOperations)
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 1 {
		t.Fatalf("queued operations = %d, want 1", n)
	}
}

func TestOpenBusRedisUnreachable(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Bus.Backend = "redis"
	cfg.Bus.RedisAddr = "127.0.0.1:1"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := OpenBus(ctx, cfg, nil); err == nil {
		t.Fatal("expected error for unreachable redis")
	}
}

func TestPurgeOnceRemovesExpiredDeposits(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	testsupport.NewDeposit(t, store, "expired", nil)
	testsupport.NewDeposit(t, store, "kept", nil)
	if err := store.ScheduleExpiry(ctx, "expired", time.Minute); err != nil {
		t.Fatalf("ScheduleExpiry: %v", err)
	}

	if n := purgeOnce(ctx, store, time.Now().Add(2*time.Minute), logging.NewNop()); n != 1 {
		t.Fatalf("purged = %d, want 1", n)
	}
	if _, err := store.Deposit(ctx, "expired"); err == nil {
		t.Fatal("expired deposit still present")
	}
	if _, err := store.Deposit(ctx, "kept"); err != nil {
		t.Fatalf("kept deposit: %v", err)
	}
}

func TestPurgeLoopReturnsForStoresWithoutPurge(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testsupport.NewConfig(t, testsupport.WithStoreBackend("redis"))
	cfg.Store.RedisAddr = mr.Addr()
	store, err := OpenStore(context.Background(), cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()

	done := make(chan struct{})
	go func() {
		purgeLoop(context.Background(), store, time.Millisecond, logging.NewNop())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("purgeLoop kept running for a store with native expiry")
	}
}

func TestWritePIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accessiond.pid")
	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read pid file: %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != strconv.Itoa(os.Getpid()) {
		t.Fatalf("pid file = %q, want %d", got, os.Getpid())
	}
	if err := writePIDFile(""); err != nil {
		t.Fatalf("writePIDFile with empty path: %v", err)
	}
}
