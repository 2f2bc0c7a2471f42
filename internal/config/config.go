// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port           string
	Env            string // "development", "staging", "production"
	LogLevel       string
	LogFormat      string // "json" or "text"
	AllowedOrigins []string
	RateLimitRPM   int
	RateLimitBurst int
	OTLPEndpoint   string // OpenTelemetry collector; tracing disabled when empty

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Payment gateway
	GatewayDriver        string // "rest", "stripe", or "memory"
	GatewayBaseURL       string
	GatewayAPIKey        string
	GatewayWebhookSecret string
	GatewayTimeout       time.Duration

	// Stripe driver
	StripeAPIKey        string
	StripeWebhookSecret string

	// Payments
	PlatformFeeRate string // decimal fraction of gross, e.g. "0.05"

	// Identity collaborator
	AuthJWTSecret string

	// Reconciliation sweep
	ReconcileInterval    time.Duration // 0 disables the sweep
	ReconcilePendingAge  time.Duration // pending older than this is considered stuck
	ReconcileBatchSize   int
	ReconcileConcurrency int
}

// Defaults
const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "json"
	DefaultGatewayDriver    = "memory"
	DefaultFeeRate          = "0.05"
	DefaultRateLimitRPM     = 120
	DefaultRateLimitBurst   = 20
	DefaultGatewayTimeout   = 15 * time.Second
	DefaultReconcileEvery   = 5 * time.Minute
	DefaultPendingAge       = 15 * time.Minute
	DefaultReconcileBatch   = 50
	DefaultReconcileWorkers = 4
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
		AllowedOrigins:       splitCSV(os.Getenv("ALLOWED_ORIGINS")),
		RateLimitRPM:         getEnvInt("RATE_LIMIT_RPM", DefaultRateLimitRPM),
		RateLimitBurst:       getEnvInt("RATE_LIMIT_BURST", DefaultRateLimitBurst),
		OTLPEndpoint:         os.Getenv("OTLP_ENDPOINT"),
		DatabaseURL:          os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		GatewayDriver:        getEnv("GATEWAY_DRIVER", DefaultGatewayDriver),
		GatewayBaseURL:       os.Getenv("GATEWAY_BASE_URL"),
		GatewayAPIKey:        os.Getenv("GATEWAY_API_KEY"),
		GatewayWebhookSecret: os.Getenv("GATEWAY_WEBHOOK_SECRET"),
		GatewayTimeout:       getEnvDuration("GATEWAY_TIMEOUT", DefaultGatewayTimeout),
		StripeAPIKey:         os.Getenv("STRIPE_API_KEY"),
		StripeWebhookSecret:  os.Getenv("STRIPE_WEBHOOK_SECRET"),
		PlatformFeeRate:      getEnv("PLATFORM_FEE_RATE", DefaultFeeRate),
		AuthJWTSecret:        os.Getenv("AUTH_JWT_SECRET"),
		ReconcileInterval:    getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileEvery),
		ReconcilePendingAge:  getEnvDuration("RECONCILE_PENDING_AGE", DefaultPendingAge),
		ReconcileBatchSize:   getEnvInt("RECONCILE_BATCH_SIZE", DefaultReconcileBatch),
		ReconcileConcurrency: getEnvInt("RECONCILE_CONCURRENCY", DefaultReconcileWorkers),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	rate, err := decimal.NewFromString(c.PlatformFeeRate)
	if err != nil {
		return fmt.Errorf("PLATFORM_FEE_RATE %q is not a decimal", c.PlatformFeeRate)
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("PLATFORM_FEE_RATE must be in [0, 1), got %s", rate)
	}

	switch c.GatewayDriver {
	case "memory":
		// No credentials needed; development/demo only.
	case "rest":
		if c.GatewayBaseURL == "" {
			return fmt.Errorf("GATEWAY_BASE_URL is required for the rest gateway driver")
		}
		if c.IsProduction() && c.GatewayAPIKey == "" {
			return fmt.Errorf("GATEWAY_API_KEY is required in production")
		}
		if c.IsProduction() && c.GatewayWebhookSecret == "" {
			return fmt.Errorf("GATEWAY_WEBHOOK_SECRET is required in production")
		}
	case "stripe":
		if c.StripeAPIKey == "" {
			return fmt.Errorf("STRIPE_API_KEY is required for the stripe gateway driver")
		}
		if c.IsProduction() && c.StripeWebhookSecret == "" {
			return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in production")
		}
	default:
		return fmt.Errorf("unknown GATEWAY_DRIVER %q (want rest, stripe, or memory)", c.GatewayDriver)
	}

	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.AuthJWTSecret == "" {
			return fmt.Errorf("AUTH_JWT_SECRET is required in production")
		}
		if c.GatewayDriver == "memory" {
			return fmt.Errorf("GATEWAY_DRIVER=memory is not allowed in production")
		}
	}

	return nil
}

// FeeRate returns the parsed platform fee rate. Validate must have passed.
func (c *Config) FeeRate() decimal.Decimal {
	rate, _ := decimal.NewFromString(c.PlatformFeeRate)
	return rate
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

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
