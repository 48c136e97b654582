package preflight

import (
	"context"
	"fmt"

	"accession/internal/config"
	"accession/internal/status"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name     string
	Passed   bool
	Optional bool
	Detail   string
}

// RunAll executes every check that applies to cfg. store may be nil when
// the caller has not opened one.
func RunAll(ctx context.Context, cfg *config.Config, store status.Store) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("Work directory", cfg.Paths.WorkDir),
		CheckDirectoryAccess("State directory", cfg.Paths.StateDir),
	}
	for _, loc := range cfg.Locations {
		name := fmt.Sprintf("Location %s", loc.ID)
		if loc.ReadOnly {
			results = append(results, CheckReadAccess(name, loc.Root))
			continue
		}
		results = append(results, CheckDirectoryAccess(name, loc.Root))
	}
	if store != nil {
		results = append(results, CheckStore(ctx, store))
	}
	if cfg.Bus.Backend == "redis" {
		results = append(results, CheckRedis(ctx, "Message bus", cfg.Bus.RedisAddr, cfg.Bus.RedisPassword, cfg.Bus.RedisDB))
	}
	return results
}

// Failed returns the required checks that did not pass.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if !r.Passed && !r.Optional {
			out = append(out, r)
		}
	}
	return out
}
