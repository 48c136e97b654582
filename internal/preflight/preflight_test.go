package preflight

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"accession/internal/config"
	"accession/internal/status/memstore"
	"accession/internal/testsupport"
)

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if result.Detail == "" {
		t.Fatal("expected non-empty detail")
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryAccess("test", f)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestCheckReadAccess(t *testing.T) {
	if result := CheckReadAccess("archive", t.TempDir()); !result.Passed {
		t.Fatalf("expected pass, got: %s", result.Detail)
	}
}

type failingStore struct {
	*memstore.Store
}

func (failingStore) Ping(context.Context) error { return errors.New("database is locked") }

func TestCheckStore(t *testing.T) {
	if result := CheckStore(context.Background(), memstore.New()); !result.Passed {
		t.Fatalf("expected pass, got: %s", result.Detail)
	}
	result := CheckStore(context.Background(), failingStore{memstore.New()})
	if result.Passed || result.Detail != "database is locked" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestCheckRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	if result := CheckRedis(context.Background(), "bus", addr, "", 0); !result.Passed {
		t.Fatalf("expected pass, got: %s", result.Detail)
	}
	mr.Close()
	if result := CheckRedis(context.Background(), "bus", addr, "", 0); result.Passed {
		t.Fatal("expected failure after server closed")
	}
	if result := CheckRedis(context.Background(), "bus", "", "", 0); result.Passed {
		t.Fatal("expected failure without address")
	}
}

func TestRunAllCoversLocations(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Locations = append(cfg.Locations, config.Location{ID: "gone", Root: filepath.Join(t.TempDir(), "missing")})

	results := RunAll(context.Background(), cfg, memstore.New())
	names := make(map[string]bool, len(results))
	for _, r := range results {
		names[r.Name] = r.Passed
	}
	for _, want := range []string{"Work directory", "State directory", "Location staging", "Location archive", "Status Store"} {
		if !names[want] {
			t.Fatalf("expected %q to pass; results: %+v", want, results)
		}
	}
	failed := Failed(results)
	if len(failed) != 1 || failed[0].Name != "Location gone" {
		t.Fatalf("failed = %+v, want only the missing location", failed)
	}
}
