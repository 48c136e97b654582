package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateStore(); err != nil {
		return err
	}
	if err := c.validateBus(); err != nil {
		return err
	}
	if err := c.validatePipeline(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if err := c.validateLocations(); err != nil {
		return err
	}
	return c.validatePlans()
}

func (c *Config) validatePaths() error {
	if c.Paths.WorkDir == "" {
		return errors.New("paths.work_dir must be set")
	}
	if c.Paths.StateDir == "" {
		return errors.New("paths.state_dir must be set")
	}
	return nil
}

func (c *Config) validateStore() error {
	switch c.Store.Backend {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return errors.New("store.sqlite_path must be set for the sqlite backend")
		}
	case "redis":
		if c.Store.RedisAddr == "" {
			return errors.New("store.redis_addr must be set for the redis backend")
		}
	case "memory":
	default:
		return fmt.Errorf("store.backend: unsupported value %q (want sqlite, redis or memory)", c.Store.Backend)
	}
	if c.Store.RedisDB < 0 {
		return errors.New("store.redis_db must be >= 0")
	}
	return nil
}

func (c *Config) validateBus() error {
	switch c.Bus.Backend {
	case "memory":
	case "redis":
		if c.Bus.RedisAddr == "" {
			return errors.New("bus.redis_addr must be set for the redis backend")
		}
	default:
		return fmt.Errorf("bus.backend: unsupported value %q (want memory or redis)", c.Bus.Backend)
	}
	return nil
}

func (c *Config) validatePipeline() error {
	if err := ensurePositiveMap(map[string]int{
		"pipeline.job_timeout":        c.Pipeline.JobTimeout,
		"pipeline.lock_ttl":           c.Pipeline.LockTTL,
		"pipeline.heartbeat_interval": c.Pipeline.HeartbeatInterval,
		"pipeline.status_expiry":      c.Pipeline.StatusExpiry,
		"pipeline.stale_work_dir_age": c.Pipeline.StaleWorkDirAge,
	}); err != nil {
		return err
	}
	if c.Pipeline.HeartbeatInterval >= c.Pipeline.LockTTL {
		return errors.New("pipeline.heartbeat_interval must be less than pipeline.lock_ttl")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}

func (c *Config) validateLocations() error {
	seen := make(map[string]struct{}, len(c.Locations))
	for i, loc := range c.Locations {
		if loc.ID == "" {
			return fmt.Errorf("locations[%d].id must be set", i)
		}
		if loc.Root == "" || !filepath.IsAbs(loc.Root) {
			return fmt.Errorf("locations[%d].root must be an absolute path", i)
		}
		if _, dup := seen[loc.ID]; dup {
			return fmt.Errorf("locations: duplicate id %q", loc.ID)
		}
		seen[loc.ID] = struct{}{}
	}
	return nil
}

func (c *Config) validatePlans() error {
	for packaging, steps := range c.Plans {
		if packaging == "" {
			return errors.New("plans: packaging type must not be empty")
		}
		if len(steps) == 0 {
			return fmt.Errorf("plans.%s: at least one step is required", packaging)
		}
		for i, step := range steps {
			if step.Job == "" {
				return fmt.Errorf("plans.%s[%d].job must be set", packaging, i)
			}
			for _, dep := range step.DependsOn {
				if strings.TrimSpace(dep) == "" {
					return fmt.Errorf("plans.%s[%d].depends_on contains an empty name", packaging, i)
				}
			}
		}
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
