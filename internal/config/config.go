// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Money settings
	DefaultCurrency string // ISO 4217 code used for system accounts
	MinTopUp        string
	MaxTopUp        string
	MaxWithdrawal   string

	// Settlement settings
	SettlementAttempts  int           // handler retry ceiling
	SettlementBaseDelay time.Duration // first backoff delay, doubled per attempt
}

const (
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "text"
	DefaultCurrency     = "USD"
	DefaultMinTopUp     = "0.01"
	DefaultMaxTopUp     = "100000"
	DefaultMaxWithdraw  = "100000"
	DefaultAttempts     = 3
	DefaultBaseDelaySec = 2
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		DefaultCurrency:     getEnv("DEFAULT_CURRENCY", DefaultCurrency),
		MinTopUp:            getEnv("MIN_TOPUP", DefaultMinTopUp),
		MaxTopUp:            getEnv("MAX_TOPUP", DefaultMaxTopUp),
		MaxWithdrawal:       getEnv("MAX_WITHDRAWAL", DefaultMaxWithdraw),
		SettlementAttempts:  int(getEnvInt64("SETTLEMENT_ATTEMPTS", DefaultAttempts)),
		SettlementBaseDelay: time.Duration(getEnvInt64("SETTLEMENT_BASE_DELAY_SECONDS", DefaultBaseDelaySec)) * time.Second,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if len(c.DefaultCurrency) != 3 {
		return fmt.Errorf("DEFAULT_CURRENCY must be a 3-letter currency code, got %q", c.DefaultCurrency)
	}
	if c.SettlementAttempts < 1 {
		return fmt.Errorf("SETTLEMENT_ATTEMPTS must be at least 1, got %d", c.SettlementAttempts)
	}
	if c.SettlementBaseDelay <= 0 {
		return fmt.Errorf("SETTLEMENT_BASE_DELAY_SECONDS must be positive")
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
