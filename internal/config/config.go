package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tuma-pay/tuma_pay/internal/limits"
)

const (
	defaultAppName        = "TumaPay"
	defaultAppEnv         = "development"
	defaultPort           = "8080"
	defaultLogLevel       = "info"
	defaultCurrency       = "KES"
	defaultShutdownDelay  = 10 * time.Second
	defaultIdempotencyTTL = 24 * time.Hour
	defaultTransferRPM    = 30
)

// Config captures application runtime configuration loaded from environment
// variables. Database and Redis are optional outside production: without
// them the service runs on in-memory storage, which is how the test suites
// and local development operate.
type Config struct {
	AppName         string
	AppEnv          string
	Port            string
	LogLevel        string
	DatabaseURL     string
	RedisURL        string
	DefaultCurrency string
	P2PFeeRate      decimal.Decimal
	ExternalFeeRate decimal.Decimal
	Limits          limits.Policy
	TransferPerMin  int
	ShutdownPeriod  time.Duration
	IdempotencyTTL  time.Duration
}

// Load reads configuration values from the environment.
func Load() (Config, error) {
	cfg := Config{
		AppName:         getEnv("APP_NAME", defaultAppName),
		AppEnv:          getEnv("APP_ENV", defaultAppEnv),
		Port:            getEnv("PORT", defaultPort),
		LogLevel:        strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisURL:        os.Getenv("REDIS_URL"),
		DefaultCurrency: getEnv("DEFAULT_CURRENCY", defaultCurrency),
		P2PFeeRate:      decimal.NewFromFloat(0.005),
		ExternalFeeRate: decimal.NewFromFloat(0.01),
		Limits:          limits.DefaultPolicy(),
		TransferPerMin:  defaultTransferRPM,
		ShutdownPeriod:  defaultShutdownDelay,
		IdempotencyTTL:  defaultIdempotencyTTL,
	}

	var err error
	if cfg.P2PFeeRate, err = decimalEnv("P2P_FEE_RATE", cfg.P2PFeeRate); err != nil {
		return Config{}, err
	}
	if cfg.ExternalFeeRate, err = decimalEnv("EXTERNAL_FEE_RATE", cfg.ExternalFeeRate); err != nil {
		return Config{}, err
	}
	if cfg.Limits.MaxDailyCount, err = intEnv("MAX_DAILY_TRANSFERS", cfg.Limits.MaxDailyCount); err != nil {
		return Config{}, err
	}
	if cfg.Limits.MaxMonthlyCount, err = intEnv("MAX_MONTHLY_TRANSFERS", cfg.Limits.MaxMonthlyCount); err != nil {
		return Config{}, err
	}
	if cfg.Limits.DailyAmountCap, err = decimalEnv("DAILY_AMOUNT_CAP", cfg.Limits.DailyAmountCap); err != nil {
		return Config{}, err
	}
	if cfg.Limits.MonthlyAmountCap, err = decimalEnv("MONTHLY_AMOUNT_CAP", cfg.Limits.MonthlyAmountCap); err != nil {
		return Config{}, err
	}
	if cfg.TransferPerMin, err = intEnv("TRANSFER_RATE_PER_MINUTE", cfg.TransferPerMin); err != nil {
		return Config{}, err
	}

	if tz := os.Getenv("LIMIT_TIMEZONE"); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return Config{}, fmt.Errorf("invalid LIMIT_TIMEZONE: %w", err)
		}
		cfg.Limits.Location = loc
	}

	if v := os.Getenv("SHUTDOWN_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
		}
		cfg.ShutdownPeriod = d
	}
	if v := os.Getenv("IDEMPOTENCY_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid IDEMPOTENCY_TTL: %w", err)
		}
		cfg.IdempotencyTTL = d
	}

	if cfg.AppEnv == "production" {
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL must be set in production")
		}
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("REDIS_URL must be set in production")
		}
	}

	return cfg, nil
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func decimalEnv(key string, fallback decimal.Decimal) (decimal.Decimal, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
