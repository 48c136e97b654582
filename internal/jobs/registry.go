package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"accession/internal/config"
	"accession/internal/staging"
)

// DefaultPackaging is the plan used for packaging types without their own.
const DefaultPackaging = "default"

// ErrUnknownJob is returned when no factory is registered under a name.
var ErrUnknownJob = errors.New("unknown job")

// Registry maps job names to factories and packaging types to plans.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	plans     map[string]Plan
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		plans:     make(map[string]Plan),
	}
}

// Register adds a job factory. Names are unique.
func (r *Registry) Register(name string, factory Factory) error {
	name = strings.TrimSpace(name)
	if name == "" || factory == nil {
		return errors.New("register job: name and factory are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("register job: %q already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// New builds the named job.
func (r *Registry) New(name string) (Job, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	return factory(), nil
}

// Names lists registered jobs alphabetically.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) known(name string) bool {
	_, ok := r.factories[name]
	return ok
}

// SetPlan validates steps and installs them as the plan for packaging.
func (r *Registry) SetPlan(packaging string, steps []Step) error {
	packaging = strings.ToLower(strings.TrimSpace(packaging))
	if packaging == "" {
		return fmt.Errorf("%w: packaging type is required", ErrInvalidPlan)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	plan, err := newPlan(packaging, steps, r.known)
	if err != nil {
		return err
	}
	r.plans[packaging] = plan
	return nil
}

// Plan returns the plan for packaging, falling back to the default plan.
func (r *Registry) Plan(packaging string) (Plan, error) {
	key := strings.ToLower(strings.TrimSpace(packaging))
	r.mu.RLock()
	defer r.mu.RUnlock()
	if plan, ok := r.plans[key]; ok {
		return plan, nil
	}
	if plan, ok := r.plans[DefaultPackaging]; ok {
		return plan, nil
	}
	return Plan{}, fmt.Errorf("%w: no plan for packaging type %q", ErrInvalidPlan, packaging)
}

// HealthChecks asks every registered job for its readiness.
func (r *Registry) HealthChecks(ctx context.Context) []Health {
	names := r.Names()
	out := make([]Health, 0, len(names))
	for _, name := range names {
		job, err := r.New(name)
		if err != nil {
			out = append(out, Unhealthy(name, err.Error()))
			continue
		}
		h := job.HealthCheck(ctx)
		if h.Name == "" {
			h.Name = name
		}
		out = append(out, h)
	}
	return out
}

// NewDefaultRegistry registers the built-in jobs, installs the built-in
// default plan and then the plans from configuration.
func NewDefaultRegistry(cfg *config.Config, locations *staging.Resolver) (*Registry, error) {
	r := NewRegistry()
	if err := registerBuiltins(r, locations); err != nil {
		return nil, err
	}
	if err := r.SetPlan(DefaultPackaging, []Step{{Name: VerifyStagingName}, {Name: WriteManifestName}}); err != nil {
		return nil, err
	}
	if cfg == nil {
		return r, nil
	}
	packagings := make([]string, 0, len(cfg.Plans))
	for packaging := range cfg.Plans {
		packagings = append(packagings, packaging)
	}
	sort.Strings(packagings)
	for _, packaging := range packagings {
		configured := cfg.Plans[packaging]
		steps := make([]Step, 0, len(configured))
		for _, s := range configured {
			steps = append(steps, Step{Name: s.Job, DependsOn: s.DependsOn})
		}
		if err := r.SetPlan(packaging, steps); err != nil {
			return nil, fmt.Errorf("plans.%s: %w", packaging, err)
		}
	}
	return r, nil
}
