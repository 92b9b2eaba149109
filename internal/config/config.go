package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	// Global configuration instance
	globalConfig *Config
	configMutex  sync.RWMutex
)

// Get returns the global configuration instance
func Get() (*Config, error) {
	configMutex.RLock()
	defer configMutex.RUnlock()

	if globalConfig == nil {
		return nil, fmt.Errorf("configuration not initialized")
	}

	return globalConfig, nil
}

// Set sets the global configuration instance
func Set(cfg *Config) {
	configMutex.Lock()
	defer configMutex.Unlock()

	globalConfig = cfg
}

// Config represents the complete application configuration
type Config struct {
	Logging      LoggingConfig
	Database     DatabaseConfig
	Remote       RemoteConfig
	Realtime     RealtimeConfig
	Sync         SyncConfig
	Connectivity ConnectivityConfig
	Notify       NotifyConfig
	Auth         AuthConfig
	configDir    string
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string // debug, info, warn, error, none
	Format     string // text or json
	Output     string // stdout, stderr, or file path
	AddSource  bool
	TimeFormat string
}

// DatabaseConfig configures the local SQLite file backing the action queue and sync journal
type DatabaseConfig struct {
	Path            string
	JournalMode     string
	SynchronousMode string
	BusyTimeout     int // milliseconds
	CacheSize       int // KiB when negative
	ConnMaxLife     time.Duration
}

// RemoteConfig configures the remote data store
type RemoteConfig struct {
	Driver         string // couch or memory
	URL            string
	Username       string
	Password       string
	Database       string
	CreateDatabase bool
	Timeout        time.Duration // per remote call
}

// RealtimeConfig configures the push-change channels
type RealtimeConfig struct {
	Transport          string // couch or websocket
	GatewayURL         string
	PingInterval       time.Duration
	ResubscribeInitial time.Duration
	ResubscribeMax     time.Duration
	StaleAfter         int // consecutive failed resubscribes before an entity is marked stale
	Buffer             int
}

// SyncConfig configures queue draining and retry backoff
type SyncConfig struct {
	Interval          time.Duration
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	BackoffJitter     float64
	Concurrency       int
	RequestsPerSecond float64
	Burst             int
	FailedCap         int
}

// ConnectivityConfig configures the connectivity monitor and its health prober
type ConnectivityConfig struct {
	Debounce      time.Duration
	ProbeURL      string
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
}

// NotifyConfig configures the push-notification sink
type NotifyConfig struct {
	Enabled       bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	ChannelPrefix string
}

// AuthConfig holds the session tokens of the acting user
type AuthConfig struct {
	AccessToken    string
	RefreshToken   string
	RefreshURL     string
	ActorID        string // used when the access token carries no subject
	RefreshTimeout time.Duration
}

// New returns a Config populated with defaults
func New() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			TimeFormat: time.RFC3339,
		},
		Database: DatabaseConfig{
			Path:            "venuesync.db",
			JournalMode:     "WAL",
			SynchronousMode: "NORMAL",
			BusyTimeout:     5000,
			CacheSize:       -16000,
			ConnMaxLife:     5 * time.Minute,
		},
		Remote: RemoteConfig{
			Driver:         "couch",
			URL:            "http://localhost:5984",
			Database:       "venue",
			CreateDatabase: true,
			Timeout:        10 * time.Second,
		},
		Realtime: RealtimeConfig{
			Transport:          "couch",
			PingInterval:       30 * time.Second,
			ResubscribeInitial: time.Second,
			ResubscribeMax:     30 * time.Second,
			StaleAfter:         5,
			Buffer:             64,
		},
		Sync: SyncConfig{
			Interval:          30 * time.Second,
			MaxAttempts:       5,
			BackoffBase:       2 * time.Second,
			BackoffMax:        60 * time.Second,
			BackoffJitter:     0.2,
			Concurrency:       4,
			RequestsPerSecond: 20,
			Burst:             4,
			FailedCap:         50,
		},
		Connectivity: ConnectivityConfig{
			Debounce:      500 * time.Millisecond,
			ProbeInterval: 15 * time.Second,
			ProbeTimeout:  3 * time.Second,
		},
		Notify: NotifyConfig{
			RedisAddr:     "localhost:6379",
			ChannelPrefix: "notifications",
		},
		Auth: AuthConfig{
			RefreshTimeout: 10 * time.Second,
		},
	}
}

// ConfigDir returns the directory the configuration was loaded from
func (c *Config) ConfigDir() string {
	return c.configDir
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := c.validateLogging(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if err := c.validateDatabase(); err != nil {
		return fmt.Errorf("database config: %w", err)
	}

	if err := c.validateRemote(); err != nil {
		return fmt.Errorf("remote config: %w", err)
	}

	if err := c.validateRealtime(); err != nil {
		return fmt.Errorf("realtime config: %w", err)
	}

	if err := c.validateSync(); err != nil {
		return fmt.Errorf("sync config: %w", err)
	}

	if err := c.validateConnectivity(); err != nil {
		return fmt.Errorf("connectivity config: %w", err)
	}

	if err := c.validateNotify(); err != nil {
		return fmt.Errorf("notify config: %w", err)
	}

	return nil
}

// ParseLogLevel parses a log level string to a slog.Level
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "none":
		// Set to a very high level that won't be triggered
		return slog.Level(9999)
	default:
		return slog.LevelInfo
	}
}

func (c *Config) validateLogging() error {
	level := strings.ToLower(c.Logging.Level)
	if level != "debug" && level != "info" && level != "warn" && level != "error" && level != "none" {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	format := strings.ToLower(c.Logging.Format)
	if format != "text" && format != "json" {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}

	if c.Database.Path != ":memory:" {
		dir := filepath.Dir(c.Database.Path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory for database: %w", err)
		}
		if err := checkDirectoryWritable(dir); err != nil {
			return fmt.Errorf("database directory: %w", err)
		}
	}

	if c.Database.BusyTimeout <= 0 {
		return fmt.Errorf("busy timeout must be positive")
	}

	if c.Database.ConnMaxLife <= 0 {
		return fmt.Errorf("connection max life must be positive")
	}

	return nil
}

func (c *Config) validateRemote() error {
	switch c.Remote.Driver {
	case "memory":
		return nil
	case "couch":
	default:
		return fmt.Errorf("unknown driver: %s (must be couch or memory)", c.Remote.Driver)
	}

	if c.Remote.URL == "" {
		return fmt.Errorf("url cannot be empty")
	}

	if c.Remote.Database == "" {
		return fmt.Errorf("database cannot be empty")
	}

	if c.Remote.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}

	return nil
}

func (c *Config) validateRealtime() error {
	switch c.Realtime.Transport {
	case "couch":
	case "websocket":
		if c.Realtime.GatewayURL == "" {
			return fmt.Errorf("gateway url is required for the websocket transport")
		}
	default:
		return fmt.Errorf("unknown transport: %s (must be couch or websocket)", c.Realtime.Transport)
	}

	if c.Realtime.ResubscribeInitial <= 0 || c.Realtime.ResubscribeMax < c.Realtime.ResubscribeInitial {
		return fmt.Errorf("resubscribe backoff must be positive and max must not be below initial")
	}

	if c.Realtime.StaleAfter <= 0 {
		return fmt.Errorf("stale_after must be positive")
	}

	if c.Realtime.Buffer <= 0 {
		return fmt.Errorf("buffer must be positive")
	}

	return nil
}

func (c *Config) validateSync() error {
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}

	if c.Sync.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive")
	}

	if c.Sync.BackoffBase <= 0 || c.Sync.BackoffMax < c.Sync.BackoffBase {
		return fmt.Errorf("backoff base must be positive and max must not be below base")
	}

	if c.Sync.BackoffJitter < 0 || c.Sync.BackoffJitter >= 1 {
		return fmt.Errorf("backoff jitter must be in [0, 1)")
	}

	if c.Sync.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}

	if c.Sync.RequestsPerSecond <= 0 || c.Sync.Burst <= 0 {
		return fmt.Errorf("rate limit must be positive")
	}

	if c.Sync.FailedCap <= 0 {
		return fmt.Errorf("failed_cap must be positive")
	}

	return nil
}

func (c *Config) validateConnectivity() error {
	if c.Connectivity.Debounce < 0 {
		return fmt.Errorf("debounce cannot be negative")
	}

	if c.Connectivity.ProbeURL != "" && c.Connectivity.ProbeInterval <= 0 {
		return fmt.Errorf("probe interval must be positive when a probe url is set")
	}

	return nil
}

func (c *Config) validateNotify() error {
	if !c.Notify.Enabled {
		return nil
	}

	if c.Notify.RedisAddr == "" {
		return fmt.Errorf("redis address cannot be empty when notifications are enabled")
	}

	if c.Notify.ChannelPrefix == "" {
		return fmt.Errorf("channel prefix cannot be empty")
	}

	return nil
}

// getEnvString returns a string from the environment variable
func getEnvString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvInt returns an int from the environment variable
func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool returns a bool from the environment variable
func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration returns a time.Duration from the environment variable
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvFloat returns a float64 from the environment variable
func getEnvFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// checkDirectoryWritable tests if a directory is writable
func checkDirectoryWritable(dir string) error {
	testFile := filepath.Join(dir, fmt.Sprintf("test_write_%d", time.Now().UnixNano()))
	f, err := os.Create(testFile)
	if err != nil {
		return fmt.Errorf("directory not writable: %w", err)
	}

	f.Close()
	os.Remove(testFile)

	return nil
}
