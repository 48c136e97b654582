package staging

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"accession/internal/logging"
)

func TestResolverLongestPrefix(t *testing.T) {
	r := NewResolver([]Location{
		{ID: "archive", Root: "/srv/archive", ReadOnly: true},
		{ID: "ingest", Root: "/srv/archive/ingest/"},
		{ID: "tmp", Root: "/tmp/dep"},
	})

	cases := []struct {
		ref      string
		wantID   string
		wantPath string
		wantErr  error
	}{
		{ref: "/srv/archive/a.txt", wantID: "archive", wantPath: "/srv/archive/a.txt"},
		{ref: "file:///srv/archive/ingest/b/c.txt", wantID: "ingest", wantPath: "/srv/archive/ingest/b/c.txt"},
		{ref: "/srv/archive/ingest", wantID: "ingest", wantPath: "/srv/archive/ingest"},
		{ref: "/srv/archivex/file", wantErr: ErrNoLocation},
		{ref: "/tmp/dep/../other/file", wantErr: ErrNoLocation},
	}
	for _, tc := range cases {
		t.Run(tc.ref, func(t *testing.T) {
			path, loc, err := r.Resolve(tc.ref)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if loc.ID != tc.wantID || path != tc.wantPath {
				t.Fatalf("got (%s, %s), want (%s, %s)", path, loc.ID, tc.wantPath, tc.wantID)
			}
		})
	}
}

func TestToPathRejectsUnsupportedRefs(t *testing.T) {
	for _, ref := range []string{"", "relative/file", "s3://bucket/key", "file://remote-host/x"} {
		if _, err := ToPath(ref); err == nil {
			t.Fatalf("expected error for %q", ref)
		}
	}
}

func TestLocationIsRoot(t *testing.T) {
	loc := NewResolver([]Location{{ID: "a", Root: "/srv/a/"}}).Locations()[0]
	if !loc.IsRoot("/srv/a") || !loc.IsRoot("/srv/a/") {
		t.Fatal("expected root match")
	}
	if loc.IsRoot("/srv/a/b") {
		t.Fatal("child must not match root")
	}
}

func TestCleanStaleSkipsLiveAndRecentDirectories(t *testing.T) {
	root := t.TempDir()
	old := time.Now().Add(-2 * time.Hour)
	mk := func(name string, stale bool) string {
		dir := filepath.Join(root, name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if stale {
			if err := os.Chtimes(dir, old, old); err != nil {
				t.Fatalf("chtimes: %v", err)
			}
		}
		return dir
	}
	orphan := mk("orphan", true)
	live := mk("live", true)
	recent := mk("recent", false)
	if err := os.WriteFile(filepath.Join(root, "note.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	result := CleanStale(context.Background(), root, map[string]struct{}{"live": {}}, time.Hour, logging.NewNop())
	if len(result.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", result.Errors)
	}
	if len(result.Removed) != 1 || result.Removed[0] != orphan {
		t.Fatalf("expected only %s removed, got %v", orphan, result.Removed)
	}
	for _, keep := range []string{live, recent, filepath.Join(root, "note.txt")} {
		if _, err := os.Stat(keep); err != nil {
			t.Fatalf("%s should remain: %v", keep, err)
		}
	}
}

func TestCleanStaleMissingRoot(t *testing.T) {
	for _, dir := range []string{"", "  ", "/nonexistent/accession/work"} {
		result := CleanStale(context.Background(), dir, nil, time.Hour, nil)
		if len(result.Removed) != 0 || len(result.Errors) != 0 {
			t.Errorf("expected empty result for %q", dir)
		}
	}
}
