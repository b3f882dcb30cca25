package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

const testSecret = "0123456789abcdef0123456789abcdef"

func validConfig() Config {
	return Config{
		Env:               "production",
		LogFormat:         "json",
		DBMaxOpenConns:    10,
		DBMaxIdleConns:    2,
		LockTimeout:       time.Second,
		JWTSecret:         testSecret,
		ReconcileInterval: time.Minute,
		ReleaseWindow:     time.Hour,
		Currency:          "EGP",
	}
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "JWT_SECRET", "")
	setEnv(t, "PORT", "9090")
	setEnv(t, "LOCK_TIMEOUT", "750ms")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 750*time.Millisecond, cfg.LockTimeout)
	assert.Equal(t, DefaultReconcileInterval, cfg.ReconcileInterval)
	assert.Equal(t, 72*time.Hour, cfg.ReleaseWindow)
	assert.Equal(t, time.Minute, cfg.ReleaseCheckInterval)
	assert.Equal(t, "EGP", cfg.Currency)
	assert.Equal(t, devJWTSecret, cfg.JWTSecret)
	assert.Empty(t, cfg.DatabaseURL)
}

func TestLoad_ProductionRequiresSecret(t *testing.T) {
	setEnv(t, "ENV", "production")
	setEnv(t, "JWT_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
}

func TestLoad_LockTimeoutSeconds(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "LOCK_TIMEOUT", "3")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.LockTimeout)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid config", func(*Config) {}, ""},
		{"short secret", func(c *Config) { c.JWTSecret = "short" }, "at least 32"},
		{"dev secret in production", func(c *Config) { c.JWTSecret = devJWTSecret }, "must be set in production"},
		{"other currency", func(c *Config) { c.Currency = "USD" }, "CURRENCY"},
		{"zero lock timeout", func(c *Config) { c.LockTimeout = 0 }, "LOCK_TIMEOUT"},
		{"negative reconcile interval", func(c *Config) { c.ReconcileInterval = -time.Second }, "RECONCILE_INTERVAL"},
		{"reconcile disabled", func(c *Config) { c.ReconcileInterval = 0 }, ""},
		{"zero release window", func(c *Config) { c.ReleaseWindow = 0 }, "ESCROW_RELEASE_WINDOW"},
		{"negative release check", func(c *Config) { c.ReleaseCheckInterval = -time.Second }, "RELEASE_CHECK_INTERVAL"},
		{"auto-release disabled", func(c *Config) { c.ReleaseCheckInterval = 0 }, ""},
		{"negative rate limit", func(c *Config) { c.RateLimitRPS = -1 }, "RATE_LIMIT_RPS"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "LOG_FORMAT"},
		{"idle above open", func(c *Config) { c.DBMaxIdleConns = 20 }, "DB_MAX_IDLE_CONNS"},
		{"webhook without secret", func(c *Config) { c.NotifyWebhookURL = "https://hooks.example.com/n" }, "NOTIFY_WEBHOOK_SECRET"},
		{"webhook bad scheme", func(c *Config) {
			c.NotifyWebhookURL = "ftp://hooks.example.com"
			c.NotifyWebhookSecret = "s"
		}, "http(s)"},
		{"webhook ok", func(c *Config) {
			c.NotifyWebhookURL = "https://hooks.example.com/n"
			c.NotifyWebhookSecret = "s"
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "2m")
	setEnv(t, "TEST_DUR_BAD", "soon")

	assert.Equal(t, 2*time.Minute, getEnvDuration("TEST_DUR", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("TEST_DUR_BAD", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("NONEXISTENT_VAR", time.Second))
}

func TestGetEnvList(t *testing.T) {
	setEnv(t, "TEST_LIST", " https://a.example.com, ,https://b.example.com ")

	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, getEnvList("TEST_LIST"))
	assert.Empty(t, getEnvList("NONEXISTENT_VAR"))
}
