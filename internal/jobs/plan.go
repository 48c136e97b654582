package jobs

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"accession/internal/status"
)

// ErrInvalidPlan is returned for plans that reference unknown jobs or steps,
// repeat a step or contain a dependency cycle.
var ErrInvalidPlan = errors.New("invalid job plan")

// Step is one job of a plan. After normalisation DependsOn is never empty
// except for steps that have no predecessor.
type Step struct {
	Name      string
	DependsOn []string
}

// Plan is the ordered job list for one packaging type.
type Plan struct {
	Packaging string
	Steps     []Step
}

// newPlan fills implicit dependencies and validates the result. A step with
// no explicit dependencies waits for the step listed before it.
func newPlan(packaging string, steps []Step, known func(string) bool) (Plan, error) {
	if len(steps) == 0 {
		return Plan{}, fmt.Errorf("%w: %s has no steps", ErrInvalidPlan, packaging)
	}
	plan := Plan{Packaging: packaging, Steps: make([]Step, 0, len(steps))}
	index := make(map[string]int, len(steps))
	for i, step := range steps {
		name := strings.TrimSpace(step.Name)
		if name == "" {
			return Plan{}, fmt.Errorf("%w: %s step %d has no job", ErrInvalidPlan, packaging, i)
		}
		if known != nil && !known(name) {
			return Plan{}, fmt.Errorf("%w: %s references unknown job %q", ErrInvalidPlan, packaging, name)
		}
		if _, dup := index[name]; dup {
			return Plan{}, fmt.Errorf("%w: %s lists %q twice", ErrInvalidPlan, packaging, name)
		}
		index[name] = i
		deps := make([]string, 0, len(step.DependsOn))
		for _, dep := range step.DependsOn {
			if dep = strings.TrimSpace(dep); dep != "" {
				deps = append(deps, dep)
			}
		}
		if len(deps) == 0 && i > 0 {
			deps = []string{plan.Steps[i-1].Name}
		}
		plan.Steps = append(plan.Steps, Step{Name: name, DependsOn: deps})
	}
	for _, step := range plan.Steps {
		for _, dep := range step.DependsOn {
			if _, ok := index[dep]; !ok {
				return Plan{}, fmt.Errorf("%w: %s step %q depends on unknown step %q", ErrInvalidPlan, packaging, step.Name, dep)
			}
		}
	}
	if cycle := plan.findCycle(index); cycle != "" {
		return Plan{}, fmt.Errorf("%w: %s has a dependency cycle through %q", ErrInvalidPlan, packaging, cycle)
	}
	return plan, nil
}

func (p Plan) findCycle(index map[string]int) string {
	const (
		unvisited = iota
		visiting
		done
	)
	marks := make([]int, len(p.Steps))
	var visit func(i int) string
	visit = func(i int) string {
		switch marks[i] {
		case visiting:
			return p.Steps[i].Name
		case done:
			return ""
		}
		marks[i] = visiting
		for _, dep := range p.Steps[i].DependsOn {
			if name := visit(index[dep]); name != "" {
				return name
			}
		}
		marks[i] = done
		return ""
	}
	for i := range p.Steps {
		if name := visit(i); name != "" {
			return name
		}
	}
	return ""
}

// Step returns the named step.
func (p Plan) Step(name string) (Step, bool) {
	for _, s := range p.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return Step{}, false
}

// Next returns the first step in plan order that is not completed and whose
// dependencies all are. statuses is keyed by step name; missing entries
// count as not yet started.
func (p Plan) Next(statuses map[string]status.JobStatus) (Step, bool) {
	for _, step := range p.Steps {
		if statuses[step.Name] == status.JobCompleted {
			continue
		}
		ready := true
		for _, dep := range step.DependsOn {
			if statuses[dep] != status.JobCompleted {
				ready = false
				break
			}
		}
		if ready {
			return step, true
		}
	}
	return Step{}, false
}

// Complete reports whether every step is completed.
func (p Plan) Complete(statuses map[string]status.JobStatus) bool {
	for _, step := range p.Steps {
		if statuses[step.Name] != status.JobCompleted {
			return false
		}
	}
	return true
}

var jobNamespace = uuid.MustParse("6f1c52c4-3c1e-4d53-9a57-0c7f5bde6a11")

// JobID derives the id of a deposit's plan step. The same deposit and step
// always yield the same id, which keeps job creation idempotent.
func JobID(depositID, step string) string {
	return uuid.NewSHA1(jobNamespace, []byte(depositID+"/"+step)).String()
}
