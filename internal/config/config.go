// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	Port      int
	DataDir   string
	LogLevel  string
	LogPretty bool

	// Persistence. DatabaseURL selects PostgreSQL; RedisURL alone selects
	// Redis; with both, Redis caches PostgreSQL reads. Otherwise a SQLite
	// file under DataDir is used.
	DatabaseURL   string
	RedisURL      string
	StoreCacheTTL time.Duration

	// Quote service.
	QuoteBaseURL     string
	QuoteAPIKey      string
	QuoteCurrency    string
	QuoteMaxAttempts int
	QuoteTimeout     time.Duration
	RateLimitWindow  time.Duration
	BatchSize        int
	BatchPause       time.Duration

	// Price cache TTL classes.
	CurrentPriceTTL    time.Duration
	HistoricalPriceTTL time.Duration
	SearchTTL          time.Duration
	StaleTTL           time.Duration

	// Background jobs.
	CacheCleanupSchedule string
	PriceRefreshSchedule string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Port:      getEnvAsInt("PORT", 8080),
		DataDir:   getEnv("DATA_DIR", "./data"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogPretty: getEnvAsBool("LOG_PRETTY", false),

		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RedisURL:      getEnv("REDIS_URL", ""),
		StoreCacheTTL: getEnvAsDuration("STORE_CACHE_TTL", 30*time.Second),

		QuoteBaseURL:     getEnv("QUOTE_BASE_URL", "https://api.coingecko.com/api/v3"),
		QuoteAPIKey:      getEnv("QUOTE_API_KEY", ""),
		QuoteCurrency:    getEnv("QUOTE_CURRENCY", "usd"),
		QuoteMaxAttempts: getEnvAsInt("QUOTE_MAX_ATTEMPTS", 3),
		QuoteTimeout:     getEnvAsDuration("QUOTE_TIMEOUT", 10*time.Second),
		RateLimitWindow:  getEnvAsDuration("RATE_LIMIT_WINDOW", 60*time.Second),
		BatchSize:        getEnvAsInt("QUOTE_BATCH_SIZE", 50),
		BatchPause:       getEnvAsDuration("QUOTE_BATCH_PAUSE", time.Second),

		CurrentPriceTTL:    getEnvAsDuration("CACHE_TTL_CURRENT", time.Hour),
		HistoricalPriceTTL: getEnvAsDuration("CACHE_TTL_HISTORICAL", 24*time.Hour),
		SearchTTL:          getEnvAsDuration("CACHE_TTL_SEARCH", 30*time.Minute),
		StaleTTL:           getEnvAsDuration("CACHE_TTL_STALE", 7*24*time.Hour),

		CacheCleanupSchedule: getEnv("CACHE_CLEANUP_SCHEDULE", "@every 1h"),
		PriceRefreshSchedule: getEnv("PRICE_REFRESH_SCHEDULE", "@every 15m"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.QuoteBaseURL == "" {
		return fmt.Errorf("QUOTE_BASE_URL is required")
	}
	if c.QuoteMaxAttempts < 1 {
		return fmt.Errorf("QUOTE_MAX_ATTEMPTS must be at least 1")
	}
	if c.BatchSize < 1 || c.BatchSize > 50 {
		return fmt.Errorf("QUOTE_BATCH_SIZE must be between 1 and 50")
	}
	if c.DatabaseURL == "" && c.RedisURL == "" && c.DataDir == "" {
		return fmt.Errorf("DATA_DIR is required when no database is configured")
	}
	return nil
}

// SQLitePath is the location of the local database file.
func (c *Config) SQLitePath() string {
	return filepath.Join(c.DataDir, "portfolio.db")
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
