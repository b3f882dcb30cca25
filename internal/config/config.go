// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mbd888/marketledger/internal/money"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL    string // PostgreSQL connection string (optional, uses in-memory if not set)
	DBMaxOpenConns int
	DBMaxIdleConns int
	LockTimeout    time.Duration

	// Security
	JWTSecret          string
	RateLimitRPS       int
	CORSAllowedOrigins []string

	// Notifications
	NotifyWebhookURL    string
	NotifyWebhookSecret string

	// Observability
	OTLPEndpoint      string
	ReconcileInterval time.Duration // 0 disables the periodic run

	// Orders
	ReleaseWindow        time.Duration
	ReleaseCheckInterval time.Duration // 0 disables auto-release

	Currency string
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultMaxOpenConns      = 25
	DefaultMaxIdleConns      = 5
	DefaultLockTimeout       = 5 * time.Second
	DefaultRateLimit         = 100
	DefaultReconcileInterval = 10 * time.Minute
	DefaultReleaseWindow     = 72 * time.Hour
	DefaultReleaseCheck      = time.Minute

	// devJWTSecret signs tokens outside production when JWT_SECRET is unset.
	devJWTSecret = "marketledger-development-secret-do-not-use"

	minJWTSecretLen = 32
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		DBMaxOpenConns:       int(getEnvInt64("DB_MAX_OPEN_CONNS", DefaultMaxOpenConns)),
		DBMaxIdleConns:       int(getEnvInt64("DB_MAX_IDLE_CONNS", DefaultMaxIdleConns)),
		LockTimeout:          getEnvDuration("LOCK_TIMEOUT", DefaultLockTimeout),
		JWTSecret:            os.Getenv("JWT_SECRET"),
		RateLimitRPS:         int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
		CORSAllowedOrigins:   getEnvList("CORS_ALLOWED_ORIGINS"),
		NotifyWebhookURL:     os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifyWebhookSecret:  os.Getenv("NOTIFY_WEBHOOK_SECRET"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ReconcileInterval:    getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		ReleaseWindow:        getEnvDuration("ESCROW_RELEASE_WINDOW", DefaultReleaseWindow),
		ReleaseCheckInterval: getEnvDuration("RELEASE_CHECK_INTERVAL", DefaultReleaseCheck),
		Currency:             getEnv("CURRENCY", money.Currency),
	}

	if cfg.JWTSecret == "" && !cfg.IsProduction() {
		cfg.JWTSecret = devJWTSecret
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if len(c.JWTSecret) < minJWTSecretLen {
		return fmt.Errorf("JWT_SECRET must be at least %d characters", minJWTSecretLen)
	}
	if c.IsProduction() && c.JWTSecret == devJWTSecret {
		return fmt.Errorf("JWT_SECRET must be set in production")
	}

	if c.Currency != money.Currency {
		return fmt.Errorf("CURRENCY %q is not supported, only %s", c.Currency, money.Currency)
	}

	if c.LockTimeout <= 0 {
		return fmt.Errorf("LOCK_TIMEOUT must be positive")
	}
	if c.ReconcileInterval < 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must not be negative")
	}
	if c.ReleaseWindow <= 0 {
		return fmt.Errorf("ESCROW_RELEASE_WINDOW must be positive")
	}
	if c.ReleaseCheckInterval < 0 {
		return fmt.Errorf("RELEASE_CHECK_INTERVAL must not be negative")
	}

	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}

	if c.DBMaxOpenConns <= 0 || c.DBMaxIdleConns < 0 || c.DBMaxIdleConns > c.DBMaxOpenConns {
		return fmt.Errorf("DB_MAX_IDLE_CONNS must be between 0 and DB_MAX_OPEN_CONNS (%d)", c.DBMaxOpenConns)
	}

	if c.RateLimitRPS < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must not be negative")
	}

	if c.NotifyWebhookURL != "" {
		u, err := url.Parse(c.NotifyWebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("NOTIFY_WEBHOOK_URL must be an http(s) URL")
		}
		if c.NotifyWebhookSecret == "" {
			return fmt.Errorf("NOTIFY_WEBHOOK_SECRET is required with NOTIFY_WEBHOOK_URL")
		}
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated variable, dropping empty items.
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// getEnvDuration accepts Go durations ("750ms", "2m") or whole seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
