package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv
const EnvPrefix = "VENUESYNC_"

// LoadFromEnv loads configuration from environment variables
// Parameters:
// - configDir: Directory containing config files (or empty for ~/.venuesync)
// - configFilePath: Path to .env file (or empty for <configDir>/.env)
func LoadFromEnv(configDir string, configFilePath string) (*Config, error) {
	cfg := New()

	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configDir = filepath.Join(homeDir, ".venuesync")

		if err := os.MkdirAll(configDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	cfg.configDir = configDir

	cfg.Database.Path = filepath.Join(configDir, "venuesync.db")
	defaultLogPath := filepath.Join(configDir, "venuesync.log")

	if configFilePath == "" {
		configFilePath = filepath.Join(configDir, ".env")
	}

	if envFilePath := getEnvString(EnvPrefix+"ENV_FILE", ""); envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			return nil, fmt.Errorf("failed to load env file from %s: %w", envFilePath, err)
		}
	} else if err := godotenv.Load(configFilePath); err != nil {
		// Then try current directory as fallback
		_ = godotenv.Load()
	}

	cfg.Logging = LoggingConfig{
		Level:      getEnvString(EnvPrefix+"LOG_LEVEL", cfg.Logging.Level),
		Format:     getEnvString(EnvPrefix+"LOG_FORMAT", cfg.Logging.Format),
		Output:     getEnvString(EnvPrefix+"LOG_OUTPUT", defaultLogPath),
		AddSource:  getEnvBool(EnvPrefix+"LOG_ADD_SOURCE", cfg.Logging.AddSource),
		TimeFormat: getEnvString(EnvPrefix+"LOG_TIME_FORMAT", cfg.Logging.TimeFormat),
	}

	cfg.Database = DatabaseConfig{
		Path:            getEnvString(EnvPrefix+"DB_PATH", cfg.Database.Path),
		JournalMode:     getEnvString(EnvPrefix+"DB_JOURNAL_MODE", cfg.Database.JournalMode),
		SynchronousMode: getEnvString(EnvPrefix+"DB_SYNCHRONOUS_MODE", cfg.Database.SynchronousMode),
		BusyTimeout:     getEnvInt(EnvPrefix+"DB_BUSY_TIMEOUT", cfg.Database.BusyTimeout),
		CacheSize:       getEnvInt(EnvPrefix+"DB_CACHE_SIZE", cfg.Database.CacheSize),
		ConnMaxLife:     getEnvDuration(EnvPrefix+"DB_CONN_MAX_LIFE", cfg.Database.ConnMaxLife),
	}

	cfg.Remote = RemoteConfig{
		Driver:         getEnvString(EnvPrefix+"REMOTE_DRIVER", cfg.Remote.Driver),
		URL:            getEnvString(EnvPrefix+"REMOTE_URL", cfg.Remote.URL),
		Username:       getEnvString(EnvPrefix+"REMOTE_USERNAME", ""),
		Password:       getEnvString(EnvPrefix+"REMOTE_PASSWORD", ""),
		Database:       getEnvString(EnvPrefix+"REMOTE_DATABASE", cfg.Remote.Database),
		CreateDatabase: getEnvBool(EnvPrefix+"REMOTE_CREATE_DATABASE", cfg.Remote.CreateDatabase),
		Timeout:        getEnvDuration(EnvPrefix+"REMOTE_TIMEOUT", cfg.Remote.Timeout),
	}

	cfg.Realtime = RealtimeConfig{
		Transport:          getEnvString(EnvPrefix+"REALTIME_TRANSPORT", cfg.Realtime.Transport),
		GatewayURL:         getEnvString(EnvPrefix+"REALTIME_GATEWAY_URL", ""),
		PingInterval:       getEnvDuration(EnvPrefix+"REALTIME_PING_INTERVAL", cfg.Realtime.PingInterval),
		ResubscribeInitial: getEnvDuration(EnvPrefix+"REALTIME_RESUBSCRIBE_INITIAL", cfg.Realtime.ResubscribeInitial),
		ResubscribeMax:     getEnvDuration(EnvPrefix+"REALTIME_RESUBSCRIBE_MAX", cfg.Realtime.ResubscribeMax),
		StaleAfter:         getEnvInt(EnvPrefix+"REALTIME_STALE_AFTER", cfg.Realtime.StaleAfter),
		Buffer:             getEnvInt(EnvPrefix+"REALTIME_BUFFER", cfg.Realtime.Buffer),
	}

	cfg.Sync = SyncConfig{
		Interval:          getEnvDuration(EnvPrefix+"SYNC_INTERVAL", cfg.Sync.Interval),
		MaxAttempts:       getEnvInt(EnvPrefix+"SYNC_MAX_ATTEMPTS", cfg.Sync.MaxAttempts),
		BackoffBase:       getEnvDuration(EnvPrefix+"SYNC_BACKOFF_BASE", cfg.Sync.BackoffBase),
		BackoffMax:        getEnvDuration(EnvPrefix+"SYNC_BACKOFF_MAX", cfg.Sync.BackoffMax),
		BackoffJitter:     getEnvFloat(EnvPrefix+"SYNC_BACKOFF_JITTER", cfg.Sync.BackoffJitter),
		Concurrency:       getEnvInt(EnvPrefix+"SYNC_CONCURRENCY", cfg.Sync.Concurrency),
		RequestsPerSecond: getEnvFloat(EnvPrefix+"SYNC_REQUESTS_PER_SECOND", cfg.Sync.RequestsPerSecond),
		Burst:             getEnvInt(EnvPrefix+"SYNC_BURST", cfg.Sync.Burst),
		FailedCap:         getEnvInt(EnvPrefix+"SYNC_FAILED_CAP", cfg.Sync.FailedCap),
	}

	cfg.Connectivity = ConnectivityConfig{
		Debounce:      getEnvDuration(EnvPrefix+"CONNECTIVITY_DEBOUNCE", cfg.Connectivity.Debounce),
		ProbeURL:      getEnvString(EnvPrefix+"CONNECTIVITY_PROBE_URL", ""),
		ProbeInterval: getEnvDuration(EnvPrefix+"CONNECTIVITY_PROBE_INTERVAL", cfg.Connectivity.ProbeInterval),
		ProbeTimeout:  getEnvDuration(EnvPrefix+"CONNECTIVITY_PROBE_TIMEOUT", cfg.Connectivity.ProbeTimeout),
	}

	cfg.Notify = NotifyConfig{
		Enabled:       getEnvBool(EnvPrefix+"NOTIFY_ENABLED", cfg.Notify.Enabled),
		RedisAddr:     getEnvString(EnvPrefix+"NOTIFY_REDIS_ADDR", cfg.Notify.RedisAddr),
		RedisPassword: getEnvString(EnvPrefix+"NOTIFY_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt(EnvPrefix+"NOTIFY_REDIS_DB", cfg.Notify.RedisDB),
		ChannelPrefix: getEnvString(EnvPrefix+"NOTIFY_CHANNEL_PREFIX", cfg.Notify.ChannelPrefix),
	}

	cfg.Auth = AuthConfig{
		AccessToken:    getEnvString(EnvPrefix+"AUTH_ACCESS_TOKEN", ""),
		RefreshToken:   getEnvString(EnvPrefix+"AUTH_REFRESH_TOKEN", ""),
		RefreshURL:     getEnvString(EnvPrefix+"AUTH_REFRESH_URL", ""),
		ActorID:        getEnvString(EnvPrefix+"AUTH_ACTOR_ID", ""),
		RefreshTimeout: getEnvDuration(EnvPrefix+"AUTH_REFRESH_TIMEOUT", cfg.Auth.RefreshTimeout),
	}

	return cfg, cfg.Validate()
}
