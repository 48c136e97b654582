// Package jobs holds the job registry, the per-packaging job plans and the
// built-in job bodies.
//
// A job is a named unit of work run by the executor for one deposit. Plans
// list the jobs a packaging type needs and the order constraints between
// them; the supervisor walks a plan with Plan.Next as jobs complete.
package jobs

import (
	"context"
)

// Job is the contract the executor needs from each job body.
type Job interface {
	Execute(ctx context.Context, jc *Context) error
	HealthCheck(ctx context.Context) Health
}

// Factory builds a fresh Job for one execution.
type Factory func() Job

// Health summarizes the readiness of a job body.
type Health struct {
	Name   string
	Ready  bool
	Detail string
}

// Healthy constructs a ready Health record.
func Healthy(name string) Health {
	return Health{Name: name, Ready: true}
}

// Unhealthy constructs an unhealthy Health record with context detail.
func Unhealthy(name, detail string) Health {
	return Health{Name: name, Ready: false, Detail: detail}
}
