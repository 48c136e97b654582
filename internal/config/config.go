package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	WorkDir  string `toml:"work_dir"`
	StateDir string `toml:"state_dir"`
	LogDir   string `toml:"log_dir"`
	APIBind  string `toml:"api_bind"`
	APIToken string `toml:"api_token"`
}

// Store selects and configures the Status Store backend.
type Store struct {
	Backend       string `toml:"backend"`
	SQLitePath    string `toml:"sqlite_path"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	KeyPrefix     string `toml:"key_prefix"`
	PurgeInterval int    `toml:"purge_interval"`
}

// Bus selects and configures the message bus backend.
type Bus struct {
	Backend           string `toml:"backend"`
	RedisAddr         string `toml:"redis_addr"`
	RedisPassword     string `toml:"redis_password"`
	RedisDB           int    `toml:"redis_db"`
	TopicPrefix       string `toml:"topic_prefix"`
	RedeliveryDelayMS int    `toml:"redelivery_delay_ms"`
	PollTimeout       int    `toml:"poll_timeout"`
}

// Pipeline contains executor and supervisor timing.
type Pipeline struct {
	Workers           int `toml:"workers"`
	PollIntervalMS    int `toml:"poll_interval_ms"`
	JobTimeout        int `toml:"job_timeout"`
	MaxAttempts       int `toml:"max_attempts"`
	RetryBackoffMS    int `toml:"retry_backoff_ms"`
	LockTTL           int `toml:"lock_ttl"`
	HeartbeatInterval int `toml:"heartbeat_interval"`
	StatusExpiry      int `toml:"status_expiry"`
	StaleWorkDirAge   int `toml:"stale_work_dir_age"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	Finished       bool   `toml:"finished"`
	Failed         bool   `toml:"failed"`
	Pipeline       bool   `toml:"pipeline"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Location is a storage location staged files and cleanup paths may live in.
type Location struct {
	ID       string `toml:"id"`
	Root     string `toml:"root"`
	ReadOnly bool   `toml:"read_only"`
}

// PlanStep names a registered job and the steps it waits for. An empty
// DependsOn means the step follows the one listed before it.
type PlanStep struct {
	Job       string   `toml:"job"`
	DependsOn []string `toml:"depends_on"`
}

// Config encapsulates all configuration values for accession.
//
// Configuration sections by subsystem:
//   - Paths: working directories and API bind address
//   - Store: Status Store backend (sqlite, redis, memory)
//   - Bus: message bus backend (memory, redis)
//   - Pipeline: worker pool, job timeout, retry and lease timing
//   - Notifications: ntfy push notification settings
//   - Logging: log format and level
//   - Locations: storage locations with their read-only flag
//   - Plans: job plans keyed by packaging type
type Config struct {
	Paths         Paths                 `toml:"paths"`
	Store         Store                 `toml:"store"`
	Bus           Bus                   `toml:"bus"`
	Pipeline      Pipeline              `toml:"pipeline"`
	Notifications Notifications         `toml:"notifications"`
	Logging       Logging               `toml:"logging"`
	Locations     []Location            `toml:"locations"`
	Plans         map[string][]PlanStep `toml:"plans"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("accession.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
// Location roots are created on a best-effort basis so the daemon can run when
// external storage is temporarily unavailable.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.WorkDir, c.Paths.StateDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	for _, loc := range c.Locations {
		if loc.ReadOnly {
			continue
		}
		_ = os.MkdirAll(loc.Root, 0o755)
	}
	return nil
}

// LockPath returns the daemon single-instance lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StateDir, "accessiond.lock")
}

// PIDPath returns the daemon pid file.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Paths.StateDir, "accessiond.pid")
}

// PollInterval returns how often the supervisor re-evaluates draining and the
// executor idles between empty polls.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Pipeline.PollIntervalMS) * time.Millisecond
}

// JobTimeout returns the maximum duration of a single job attempt.
func (c *Config) JobTimeout() time.Duration {
	return time.Duration(c.Pipeline.JobTimeout) * time.Second
}

// RetryBackoff returns the initial delay between transient job retries.
func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.Pipeline.RetryBackoffMS) * time.Millisecond
}

// LockTTL returns the lease length of the per-deposit execution lock.
func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.Pipeline.LockTTL) * time.Second
}

// HeartbeatInterval returns how often a running job renews its lease.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Pipeline.HeartbeatInterval) * time.Second
}

// StatusExpiry returns the delay after cleanup before status records expire.
func (c *Config) StatusExpiry() time.Duration {
	return time.Duration(c.Pipeline.StatusExpiry) * time.Second
}

// StaleWorkDirAge returns the age after which orphaned working directories are removed.
func (c *Config) StaleWorkDirAge() time.Duration {
	return time.Duration(c.Pipeline.StaleWorkDirAge) * time.Second
}

// RedeliveryDelay returns the pause before a failed delivery is retried.
func (c *Config) RedeliveryDelay() time.Duration {
	return time.Duration(c.Bus.RedeliveryDelayMS) * time.Millisecond
}

// PurgeInterval returns how often expired status records are purged.
func (c *Config) PurgeInterval() time.Duration {
	return time.Duration(c.Store.PurgeInterval) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
