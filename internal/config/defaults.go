package config

const (
	defaultConfigPath        = "~/.config/accession/config.toml"
	defaultWorkDir           = "~/.local/share/accession/work"
	defaultStateDir          = "~/.local/share/accession"
	defaultLogDir            = "~/.local/share/accession/logs"
	defaultAPIBind           = "127.0.0.1:7490"
	defaultStoreBackend      = "sqlite"
	defaultSQLiteName        = "status.db"
	defaultRedisAddr         = "127.0.0.1:6379"
	defaultKeyPrefix         = "accession"
	defaultPurgeInterval     = 300
	defaultBusBackend        = "memory"
	defaultRedeliveryDelayMS = 1000
	defaultBusPollTimeout    = 2
	defaultWorkers           = 4
	defaultPollIntervalMS    = 1000
	defaultJobTimeout        = 4 * 60 * 60
	defaultMaxAttempts       = 3
	defaultRetryBackoffMS    = 2000
	defaultLockTTL           = 120
	defaultHeartbeatInterval = 15
	defaultStatusExpiry      = 7 * 24 * 60 * 60
	defaultStaleWorkDirAge   = 3 * 24 * 60 * 60
	defaultNotifyTimeout     = 10
	defaultLogFormat         = "console"
	defaultLogLevel          = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			WorkDir:  defaultWorkDir,
			StateDir: defaultStateDir,
			LogDir:   defaultLogDir,
			APIBind:  defaultAPIBind,
		},
		Store: Store{
			Backend:       defaultStoreBackend,
			RedisAddr:     defaultRedisAddr,
			KeyPrefix:     defaultKeyPrefix,
			PurgeInterval: defaultPurgeInterval,
		},
		Bus: Bus{
			Backend:           defaultBusBackend,
			TopicPrefix:       defaultKeyPrefix,
			RedeliveryDelayMS: defaultRedeliveryDelayMS,
			PollTimeout:       defaultBusPollTimeout,
		},
		Pipeline: Pipeline{
			Workers:           defaultWorkers,
			PollIntervalMS:    defaultPollIntervalMS,
			JobTimeout:        defaultJobTimeout,
			MaxAttempts:       defaultMaxAttempts,
			RetryBackoffMS:    defaultRetryBackoffMS,
			LockTTL:           defaultLockTTL,
			HeartbeatInterval: defaultHeartbeatInterval,
			StatusExpiry:      defaultStatusExpiry,
			StaleWorkDirAge:   defaultStaleWorkDirAge,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyTimeout,
			Finished:       true,
			Failed:         true,
			Pipeline:       true,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
