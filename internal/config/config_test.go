package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetEnvHelpers(t *testing.T) {
	t.Run("float keeps precision", func(t *testing.T) {
		t.Setenv("TEST_FLOAT_VALUE", "0.123456789")
		assert.Equal(t, 0.123456789, getEnvFloat("TEST_FLOAT_VALUE", 0.2))
	})

	t.Run("invalid values fall back to default", func(t *testing.T) {
		t.Setenv("TEST_BAD_VALUE", "invalid")
		assert.Equal(t, 0.2, getEnvFloat("TEST_BAD_VALUE", 0.2))
		assert.Equal(t, 7, getEnvInt("TEST_BAD_VALUE", 7))
		assert.True(t, getEnvBool("TEST_BAD_VALUE", true))
		assert.Equal(t, time.Second, getEnvDuration("TEST_BAD_VALUE", time.Second))
	})

	t.Run("unset returns default", func(t *testing.T) {
		os.Unsetenv("TEST_UNSET_VALUE")
		assert.Equal(t, "default", getEnvString("TEST_UNSET_VALUE", "default"))
	})

	t.Run("set values are parsed", func(t *testing.T) {
		t.Setenv("TEST_DURATION_VALUE", "1500ms")
		t.Setenv("TEST_INT_VALUE", "42")
		t.Setenv("TEST_BOOL_VALUE", "false")
		assert.Equal(t, 1500*time.Millisecond, getEnvDuration("TEST_DURATION_VALUE", 0))
		assert.Equal(t, 42, getEnvInt("TEST_INT_VALUE", 0))
		assert.False(t, getEnvBool("TEST_BOOL_VALUE", true))
	})
}

func TestNewDefaults(t *testing.T) {
	cfg := New()

	assert.Equal(t, 30*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 5, cfg.Sync.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Sync.BackoffBase)
	assert.Equal(t, 60*time.Second, cfg.Sync.BackoffMax)
	assert.Equal(t, 0.2, cfg.Sync.BackoffJitter)
	assert.Equal(t, 4, cfg.Sync.Concurrency)
	assert.Equal(t, 10*time.Second, cfg.Remote.Timeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Connectivity.Debounce)
}

func TestLoadFromEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvPrefix+"SYNC_MAX_ATTEMPTS", "7")
	t.Setenv(EnvPrefix+"REMOTE_DRIVER", "memory")
	t.Setenv(EnvPrefix+"SYNC_BACKOFF_JITTER", "0.1")
	t.Setenv(EnvPrefix+"LOG_OUTPUT", "stderr")

	cfg, err := LoadFromEnv(dir, filepath.Join(dir, "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.ConfigDir())
	assert.Equal(t, filepath.Join(dir, "venuesync.db"), cfg.Database.Path)
	assert.Equal(t, 7, cfg.Sync.MaxAttempts)
	assert.Equal(t, "memory", cfg.Remote.Driver)
	assert.Equal(t, 0.1, cfg.Sync.BackoffJitter)
	assert.Equal(t, "stderr", cfg.Logging.Output)
}

func TestLoadFromEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("VENUESYNC_SYNC_CONCURRENCY=2\n"), 0600))
	t.Cleanup(func() { os.Unsetenv(EnvPrefix + "SYNC_CONCURRENCY") })

	cfg, err := LoadFromEnv(dir, envFile)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Sync.Concurrency)
}

func TestSetGet(t *testing.T) {
	Set(nil)

	_, err := Get()
	assert.ErrorContains(t, err, "not initialized")

	testCfg := New()
	testCfg.Sync.MaxAttempts = 9
	Set(testCfg)

	cfg, err := Get()
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Sync.MaxAttempts)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := New()
		cfg.Database.Path = filepath.Join(t.TempDir(), "test.db")
		return cfg
	}

	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "logging config"},
		{"unknown remote driver", func(c *Config) { c.Remote.Driver = "mongo" }, "remote config"},
		{"websocket without gateway", func(c *Config) { c.Realtime.Transport = "websocket" }, "gateway url"},
		{"backoff max below base", func(c *Config) { c.Sync.BackoffMax = time.Second }, "sync config"},
		{"jitter out of range", func(c *Config) { c.Sync.BackoffJitter = 1.5 }, "jitter"},
		{"zero concurrency", func(c *Config) { c.Sync.Concurrency = 0 }, "concurrency"},
		{"negative debounce", func(c *Config) { c.Connectivity.Debounce = -time.Second }, "debounce"},
		{"notify without redis", func(c *Config) { c.Notify.Enabled = true; c.Notify.RedisAddr = "" }, "redis address"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLogLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLogLevel("warn"))
	assert.Equal(t, slog.Level(9999), ParseLogLevel("none"))
	assert.Equal(t, slog.LevelInfo, ParseLogLevel("whatever"))
}

func TestSetupConfigDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cfg")

	require.NoError(t, SetupConfigDirectory(dir, false))
	data, err := os.ReadFile(filepath.Join(dir, ".env"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "VENUESYNC_SYNC_INTERVAL")

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("custom"), 0600))
	require.NoError(t, SetupConfigDirectory(dir, false))
	data, err = os.ReadFile(filepath.Join(dir, ".env"))
	require.NoError(t, err)
	assert.Equal(t, "custom", string(data), "existing file must be kept without backup flag")
}
