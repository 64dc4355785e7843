// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// ClickPesa gateway
	GatewayBaseURL  string
	GatewayClientID string
	GatewayAPIKey   string
	ChecksumSecret  string // enables request checksums and webhook signature checks when set
	GatewayTimeout  time.Duration
	GatewayRetries  int

	// Webhook verification
	WebhookAllowedIPs []string // empty list allows any source IP

	// Wallet / escrow policy
	DefaultCurrency    string
	MinAmount          string
	MaxAmount          string
	EscrowFeePercent   string // platform fee as a percentage, e.g. "2.5"
	EscrowAutoRelease  time.Duration
	ReconcileInterval  time.Duration
	ReconcileBatchSize int

	// Observability
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultGatewayBaseURL    = "https://api.clickpesa.com"
	DefaultCurrency          = "TZS"
	DefaultMinAmount         = "100.00"
	DefaultMaxAmount         = "10000000.00"
	DefaultEscrowFeePercent  = "2.5"
	DefaultGatewayRetries    = 3
	DefaultGatewayTimeout    = 30 * time.Second
	DefaultEscrowAutoRelease = 7 * 24 * time.Hour
	DefaultReconcileInterval = 5 * time.Minute
	DefaultReconcileBatch    = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:        os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		GatewayBaseURL:     getEnv("CLICKPESA_BASE_URL", DefaultGatewayBaseURL),
		GatewayClientID:    os.Getenv("CLICKPESA_CLIENT_ID"),
		GatewayAPIKey:      os.Getenv("CLICKPESA_API_KEY"),
		ChecksumSecret:     os.Getenv("CLICKPESA_CHECKSUM_SECRET"),
		GatewayTimeout:     getEnvDuration("CLICKPESA_TIMEOUT", DefaultGatewayTimeout),
		GatewayRetries:     int(getEnvInt64("CLICKPESA_MAX_RETRIES", DefaultGatewayRetries)),
		WebhookAllowedIPs:  getEnvList("WEBHOOK_ALLOWED_IPS"),
		DefaultCurrency:    getEnv("DEFAULT_CURRENCY", DefaultCurrency),
		MinAmount:          getEnv("MIN_AMOUNT", DefaultMinAmount),
		MaxAmount:          getEnv("MAX_AMOUNT", DefaultMaxAmount),
		EscrowFeePercent:   getEnv("ESCROW_FEE_PCT", DefaultEscrowFeePercent),
		EscrowAutoRelease:  getEnvDuration("ESCROW_AUTO_RELEASE", DefaultEscrowAutoRelease),
		ReconcileInterval:  getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		ReconcileBatchSize: int(getEnvInt64("RECONCILE_BATCH_SIZE", DefaultReconcileBatch)),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.GatewayClientID == "" {
		return fmt.Errorf("CLICKPESA_CLIENT_ID is required")
	}
	if c.GatewayAPIKey == "" {
		return fmt.Errorf("CLICKPESA_API_KEY is required")
	}
	if c.GatewayBaseURL == "" {
		return fmt.Errorf("CLICKPESA_BASE_URL is required")
	}
	if c.GatewayRetries < 1 {
		return fmt.Errorf("CLICKPESA_MAX_RETRIES must be at least 1")
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
