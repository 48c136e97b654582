package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"accession/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// Location ids created by NewConfig.
const (
	StagingLocation  = "staging"
	ReadOnlyLocation = "archive"
)

// NewConfig produces a config seeded with unique temp directories per test.
// It creates a writable "staging" location and a read-only "archive"
// location, uses the memory store and bus, and shortens pipeline timings.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.WorkDir = filepath.Join(base, "work")
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.APIBind = "127.0.0.1:0"
	cfgVal.Store.Backend = "memory"
	cfgVal.Store.SQLitePath = filepath.Join(base, "state", "status.db")
	cfgVal.Bus.Backend = "memory"
	cfgVal.Bus.RedeliveryDelayMS = 10
	cfgVal.Pipeline.PollIntervalMS = 20
	cfgVal.Pipeline.RetryBackoffMS = 5
	cfgVal.Pipeline.Workers = 2
	cfgVal.Locations = []config.Location{
		{ID: StagingLocation, Root: filepath.Join(base, "locations", StagingLocation)},
		{ID: ReadOnlyLocation, Root: filepath.Join(base, "locations", ReadOnlyLocation), ReadOnly: true},
	}

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	for _, dir := range []string{cfgVal.Paths.WorkDir, cfgVal.Paths.StateDir, cfgVal.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}
	for _, loc := range cfgVal.Locations {
		if err := os.MkdirAll(loc.Root, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", loc.Root, err)
		}
	}
	return builder.cfg
}

// WithStoreBackend selects the Status Store backend.
func WithStoreBackend(backend string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Store.Backend = backend
	}
}

// WithPipeline adjusts pipeline settings.
func WithPipeline(fn func(*config.Pipeline)) ConfigOption {
	return func(b *configBuilder) {
		fn(&b.cfg.Pipeline)
	}
}

// WithPlan installs a plan for a packaging type.
func WithPlan(packaging string, jobs ...string) ConfigOption {
	return func(b *configBuilder) {
		if b.cfg.Plans == nil {
			b.cfg.Plans = make(map[string][]config.PlanStep)
		}
		steps := make([]config.PlanStep, 0, len(jobs))
		for _, job := range jobs {
			steps = append(steps, config.PlanStep{Job: job})
		}
		b.cfg.Plans[packaging] = steps
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.WorkDir)
}

// LocationRoot returns the root of the named location.
func LocationRoot(t testing.TB, cfg *config.Config, id string) string {
	t.Helper()
	for _, loc := range cfg.Locations {
		if loc.ID == id {
			return loc.Root
		}
	}
	t.Fatalf("no location %q in test config", id)
	return ""
}
