package jobs_test

import (
	"context"
	"errors"
	"testing"

	"accession/internal/jobs"
	"accession/internal/staging"
	"accession/internal/testsupport"
)

type noopJob struct{}

func (noopJob) Execute(context.Context, *jobs.Context) error { return nil }
func (noopJob) HealthCheck(context.Context) jobs.Health      { return jobs.Healthy("noop") }

func TestRegistryRejectsDuplicateNames(t *testing.T) {
	r := jobs.NewRegistry()
	if err := r.Register("noop", func() jobs.Job { return noopJob{} }); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register("noop", func() jobs.Job { return noopJob{} }); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	if _, err := r.New("missing"); !errors.Is(err, jobs.ErrUnknownJob) {
		t.Fatalf("expected ErrUnknownJob, got %v", err)
	}
}

func TestDefaultRegistryPlans(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithPlan("BagIt", jobs.WriteManifestName))
	r, err := jobs.NewDefaultRegistry(cfg, staging.NewResolverFromConfig(cfg))
	if err != nil {
		t.Fatalf("NewDefaultRegistry: %v", err)
	}

	plan, err := r.Plan("bagit")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.Steps) != 1 || plan.Steps[0].Name != jobs.WriteManifestName {
		t.Fatalf("unexpected bagit plan %+v", plan.Steps)
	}

	fallback, err := r.Plan("simple-object")
	if err != nil {
		t.Fatalf("Plan fallback: %v", err)
	}
	if fallback.Packaging != jobs.DefaultPackaging || len(fallback.Steps) != 2 {
		t.Fatalf("expected default plan, got %+v", fallback)
	}
}

func TestDefaultRegistryRejectsUnknownJobInConfig(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithPlan("bagit", "virus-scan"))
	if _, err := jobs.NewDefaultRegistry(cfg, staging.NewResolverFromConfig(cfg)); !errors.Is(err, jobs.ErrInvalidPlan) {
		t.Fatalf("expected ErrInvalidPlan, got %v", err)
	}
}

func TestHealthChecks(t *testing.T) {
	r, err := jobs.NewDefaultRegistry(nil, staging.NewResolver(nil))
	if err != nil {
		t.Fatalf("NewDefaultRegistry: %v", err)
	}
	health := r.HealthChecks(context.Background())
	if len(health) != 2 {
		t.Fatalf("expected 2 health entries, got %d", len(health))
	}
	for _, h := range health {
		if h.Name == jobs.VerifyStagingName && h.Ready {
			t.Fatal("verify-staging should be unhealthy without locations")
		}
		if h.Name == jobs.WriteManifestName && !h.Ready {
			t.Fatal("write-manifest should be healthy")
		}
	}
}
