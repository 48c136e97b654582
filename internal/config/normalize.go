package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeStore(); err != nil {
		return err
	}
	c.normalizeBus()
	c.normalizePipeline()
	c.normalizeNotifications()
	c.normalizeLogging()
	if err := c.normalizeLocations(); err != nil {
		return err
	}
	c.normalizePlans()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.WorkDir, err = expandPath(c.Paths.WorkDir); err != nil {
		return fmt.Errorf("paths.work_dir: %w", err)
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)
	if c.Paths.APIToken == "" {
		if value, ok := os.LookupEnv("ACCESSION_API_TOKEN"); ok {
			c.Paths.APIToken = strings.TrimSpace(value)
		}
	}
	return nil
}

func (c *Config) normalizeStore() error {
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	if c.Store.Backend == "" {
		c.Store.Backend = defaultStoreBackend
	}
	if strings.TrimSpace(c.Store.SQLitePath) == "" {
		c.Store.SQLitePath = filepath.Join(c.Paths.StateDir, defaultSQLiteName)
	}
	var err error
	if c.Store.SQLitePath, err = expandPath(c.Store.SQLitePath); err != nil {
		return fmt.Errorf("store.sqlite_path: %w", err)
	}
	c.Store.RedisAddr = strings.TrimSpace(c.Store.RedisAddr)
	if c.Store.RedisPassword == "" {
		if value, ok := os.LookupEnv("ACCESSION_REDIS_PASSWORD"); ok {
			c.Store.RedisPassword = value
		}
	}
	c.Store.KeyPrefix = strings.Trim(strings.TrimSpace(c.Store.KeyPrefix), ":")
	if c.Store.PurgeInterval <= 0 {
		c.Store.PurgeInterval = defaultPurgeInterval
	}
	return nil
}

func (c *Config) normalizeBus() {
	c.Bus.Backend = strings.ToLower(strings.TrimSpace(c.Bus.Backend))
	if c.Bus.Backend == "" {
		c.Bus.Backend = defaultBusBackend
	}
	c.Bus.RedisAddr = strings.TrimSpace(c.Bus.RedisAddr)
	if c.Bus.RedisAddr == "" {
		c.Bus.RedisAddr = c.Store.RedisAddr
	}
	if c.Bus.RedisPassword == "" {
		c.Bus.RedisPassword = c.Store.RedisPassword
	}
	c.Bus.TopicPrefix = strings.Trim(strings.TrimSpace(c.Bus.TopicPrefix), ":")
	if c.Bus.RedeliveryDelayMS <= 0 {
		c.Bus.RedeliveryDelayMS = defaultRedeliveryDelayMS
	}
	if c.Bus.PollTimeout <= 0 {
		c.Bus.PollTimeout = defaultBusPollTimeout
	}
}

func (c *Config) normalizePipeline() {
	if c.Pipeline.Workers <= 0 {
		c.Pipeline.Workers = defaultWorkers
	}
	if c.Pipeline.PollIntervalMS <= 0 {
		c.Pipeline.PollIntervalMS = defaultPollIntervalMS
	}
	if c.Pipeline.MaxAttempts <= 0 {
		c.Pipeline.MaxAttempts = 1
	}
	if c.Pipeline.RetryBackoffMS < 0 {
		c.Pipeline.RetryBackoffMS = 0
	}
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaultNotifyTimeout
	}
}

func (c *Config) normalizeLogging() {
	format := strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch format {
	case "", "console":
		c.Logging.Format = "console"
	default:
		c.Logging.Format = format
	}
	level := strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if level == "" {
		level = defaultLogLevel
	}
	c.Logging.Level = level
}

func (c *Config) normalizeLocations() error {
	for i := range c.Locations {
		loc := &c.Locations[i]
		loc.ID = strings.TrimSpace(loc.ID)
		root, err := expandPath(strings.TrimSpace(loc.Root))
		if err != nil {
			return fmt.Errorf("locations[%d].root: %w", i, err)
		}
		loc.Root = root
	}
	return nil
}

func (c *Config) normalizePlans() {
	for packaging, steps := range c.Plans {
		key := strings.ToLower(strings.TrimSpace(packaging))
		for i := range steps {
			steps[i].Job = strings.TrimSpace(steps[i].Job)
			for j := range steps[i].DependsOn {
				steps[i].DependsOn[j] = strings.TrimSpace(steps[i].DependsOn[j])
			}
		}
		if key != packaging {
			delete(c.Plans, packaging)
			c.Plans[key] = steps
		}
	}
}
