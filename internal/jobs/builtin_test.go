package jobs_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"accession/internal/config"
	"accession/internal/jobs"
	"accession/internal/services"
	"accession/internal/staging"
	"accession/internal/status"
	"accession/internal/status/memstore"
	"accession/internal/testsupport"
)

type builtinHarness struct {
	cfg   *config.Config
	store *memstore.Store
	jc    *jobs.Context
	job   jobs.Job
}

func newBuiltinHarness(t *testing.T, cfg *config.Config, name string, staged []string) *builtinHarness {
	t.Helper()
	resolver := staging.NewResolverFromConfig(cfg)
	registry, err := jobs.NewDefaultRegistry(cfg, resolver)
	if err != nil {
		t.Fatalf("NewDefaultRegistry: %v", err)
	}
	store := memstore.New()
	testsupport.NewDeposit(t, store, "dep-1", staged)
	ctx := context.Background()
	if _, err := store.CreateJob(ctx, "dep-1", "job-1", status.JobFields{status.JobFieldName: name}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	jc := jobs.NewContext(store, "dep-1", "job-1", name)
	jc.WorkDir = staging.WorkDir(cfg.Paths.WorkDir, "dep-1")
	jc.Deposit, err = store.Deposit(ctx, "dep-1")
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	jc.Locations = resolver

	job, err := registry.New(name)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &builtinHarness{cfg: cfg, store: store, jc: jc, job: job}
}

func (h *builtinHarness) jobField(t *testing.T, field status.JobField) string {
	t.Helper()
	fields, err := h.store.Job(context.Background(), "dep-1", "job-1")
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	return fields[field]
}

func TestVerifyStagingCountsProgress(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	staged := testsupport.StageFiles(t, cfg, testsupport.StagingLocation, "a.txt", "sub/b.txt")
	staged[1] = "file://" + staged[1]
	h := newBuiltinHarness(t, cfg, jobs.VerifyStagingName, staged)

	if err := h.job.Execute(context.Background(), h.jc); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := h.jobField(t, status.JobFieldTotal); got != "2" {
		t.Fatalf("expected total 2, got %q", got)
	}
	if got := h.jobField(t, status.JobFieldNum); got != "2" {
		t.Fatalf("expected num 2, got %q", got)
	}
}

func TestVerifyStagingMissingFileIsValidationError(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	missing := filepath.Join(testsupport.LocationRoot(t, cfg, testsupport.StagingLocation), "gone.txt")
	h := newBuiltinHarness(t, cfg, jobs.VerifyStagingName, []string{missing})

	err := h.job.Execute(context.Background(), h.jc)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if services.IsTransient(err) {
		t.Fatal("missing file must not be retried")
	}
}

func TestVerifyStagingOutsideLocations(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	outside := testsupport.WriteFile(t, filepath.Join(t.TempDir(), "x.txt"), "x")
	h := newBuiltinHarness(t, cfg, jobs.VerifyStagingName, []string{outside})

	if err := h.job.Execute(context.Background(), h.jc); !errors.Is(err, staging.ErrNoLocation) {
		t.Fatalf("expected ErrNoLocation, got %v", err)
	}
}

func TestWriteManifest(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	staged := append(
		testsupport.StageFiles(t, cfg, testsupport.StagingLocation, "a.txt"),
		testsupport.StageFiles(t, cfg, testsupport.ReadOnlyLocation, "b.txt")...,
	)
	h := newBuiltinHarness(t, cfg, jobs.WriteManifestName, staged)

	if err := h.job.Execute(context.Background(), h.jc); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(h.jc.WorkDir, jobs.ManifestFile))
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	var m struct {
		DepositID string `json:"depositId"`
		Files     []struct {
			Path     string `json:"path"`
			Location string `json:"location"`
			Size     int64  `json:"size"`
			SHA256   string `json:"sha256"`
		} `json:"files"`
	}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode manifest: %v", err)
	}
	if m.DepositID != "dep-1" || len(m.Files) != 2 {
		t.Fatalf("unexpected manifest %+v", m)
	}
	locations := map[string]bool{}
	for _, f := range m.Files {
		locations[f.Location] = true
		if f.Size == 0 || len(f.SHA256) != 64 {
			t.Fatalf("incomplete entry %+v", f)
		}
	}
	if !locations[testsupport.StagingLocation] || !locations[testsupport.ReadOnlyLocation] {
		t.Fatalf("expected both locations, got %v", locations)
	}

	fields, err := h.store.Deposit(context.Background(), "dep-1")
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if fields.Int(status.FieldIngestedObjects) != 2 {
		t.Fatalf("expected 2 ingested objects, got %q", fields[status.FieldIngestedObjects])
	}
}

func TestContextMarkForCleanup(t *testing.T) {
	store := memstore.New()
	testsupport.NewDeposit(t, store, "dep-1", nil)
	jc := jobs.NewContext(store, "dep-1", "job-1", "noop")
	ctx := context.Background()
	if err := jc.MarkForCleanup(ctx, "/a/b", "/a"); err != nil {
		t.Fatalf("MarkForCleanup: %v", err)
	}
	paths, err := store.Paths(ctx, "dep-1", status.PathsCleanup)
	if err != nil {
		t.Fatalf("Paths: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("expected 2 cleanup paths, got %v", paths)
	}
}
