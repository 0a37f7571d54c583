// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Observability
	OTLPEndpoint string // OTLP gRPC collector; empty disables tracing

	// Collections gateway (card/bank-transfer deposits)
	GatewayBaseURL   string
	GatewaySecretKey string // bearer auth + webhook HMAC key

	// Payout provider (virtual accounts, account lookup, disbursements)
	ProviderBaseURL       string
	ProviderAPIKey        string
	ProviderSecretKey     string
	ProviderContractCode  string
	ProviderSourceAccount string // merchant settlement account funds are paid out from

	// Biller (airtime/data purchases)
	BillerBaseURL   string
	BillerAPIKey    string
	BillerSecretKey string

	// Money policy
	Currency         string
	MinWithdrawal    decimal.Decimal
	CommissionRate   decimal.Decimal // platform share of a released order, e.g. 0.03
	CommissionCap    decimal.Decimal // ceiling on the commission; zero means uncapped
	PlatformWalletID string          // wallet that collects commission fees (optional)

	// Security
	RateLimitRPS int
}

// Defaults for local development.
const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultCurrency       = "NGN"
	DefaultGatewayBaseURL = "https://api.paystack.co"
	DefaultMinWithdrawal  = "1000"
	DefaultCommissionRate = "0.03"
	DefaultCommissionCap  = "5000"
	DefaultRateLimit      = 100
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		GatewayBaseURL:        getEnv("GATEWAY_BASE_URL", DefaultGatewayBaseURL),
		GatewaySecretKey:      os.Getenv("GATEWAY_SECRET_KEY"),
		ProviderBaseURL:       os.Getenv("PROVIDER_BASE_URL"),
		ProviderAPIKey:        os.Getenv("PROVIDER_API_KEY"),
		ProviderSecretKey:     os.Getenv("PROVIDER_SECRET_KEY"),
		ProviderContractCode:  os.Getenv("PROVIDER_CONTRACT_CODE"),
		ProviderSourceAccount: os.Getenv("PROVIDER_SOURCE_ACCOUNT"),
		BillerBaseURL:         os.Getenv("BILLER_BASE_URL"),
		BillerAPIKey:          os.Getenv("BILLER_API_KEY"),
		BillerSecretKey:       os.Getenv("BILLER_SECRET_KEY"),
		Currency:              getEnv("CURRENCY", DefaultCurrency),
		PlatformWalletID:      os.Getenv("PLATFORM_WALLET_ID"),
		RateLimitRPS:          getEnvInt("RATE_LIMIT_RPS", DefaultRateLimit),
	}

	var err error
	if cfg.MinWithdrawal, err = getEnvDecimal("MIN_WITHDRAWAL", DefaultMinWithdrawal); err != nil {
		return nil, err
	}
	if cfg.CommissionRate, err = getEnvDecimal("COMMISSION_RATE", DefaultCommissionRate); err != nil {
		return nil, err
	}
	if cfg.CommissionCap, err = getEnvDecimal("COMMISSION_CAP", DefaultCommissionCap); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and sane.
func (c *Config) Validate() error {
	if c.GatewaySecretKey == "" {
		return fmt.Errorf("GATEWAY_SECRET_KEY is required")
	}
	if len(c.Currency) != 3 {
		return fmt.Errorf("CURRENCY must be a 3-letter ISO code, got %q", c.Currency)
	}
	if c.MinWithdrawal.Sign() < 0 {
		return fmt.Errorf("MIN_WITHDRAWAL must not be negative")
	}
	if c.CommissionRate.Sign() < 0 || c.CommissionRate.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("COMMISSION_RATE must be between 0 and 1, got %s", c.CommissionRate)
	}
	if c.CommissionCap.Sign() < 0 {
		return fmt.Errorf("COMMISSION_CAP must not be negative")
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must be positive")
	}
	return nil
}

// IsProduction returns true when running in production.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDecimal(key, fallback string) (decimal.Decimal, error) {
	raw := getEnv(key, fallback)
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: invalid decimal %q: %w", key, raw, err)
	}
	return d, nil
}
