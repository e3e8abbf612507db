package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	DBSource     string
	StoreDriver  string
	StoreTimeout time.Duration
	Port         string
	Env          string
	LogLevel     string

	FraudURL       string
	FraudThreshold float64
	FraudTimeout   time.Duration
	ModelVersion   string

	IdempotencyTTL           time.Duration
	IdempotencyLease         time.Duration
	IdempotencyVerifyHash    bool
	IdempotencyPurgeInterval time.Duration

	RecordFailedTransactions bool

	CompensationRetryInterval time.Duration
	CompensationBatch         int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("STORE_DRIVER", DriverPostgres)
	v.SetDefault("STORE_TIMEOUT_MS", 3000)
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("PY_FRAUD_URL", "http://localhost:8001")
	v.SetDefault("FRAUD_THRESHOLD", 0.80)
	v.SetDefault("HTTP_TIMEOUT_MS", 2000)
	v.SetDefault("MODEL_VERSION", "rules-v1")
	v.SetDefault("IDEMPOTENCY_TTL", "24h")
	v.SetDefault("IDEMPOTENCY_LEASE", "30s")
	v.SetDefault("IDEMPOTENCY_VERIFY_HASH", false)
	v.SetDefault("IDEMPOTENCY_PURGE_INTERVAL", "1h")
	v.SetDefault("RECORD_FAILED_TRANSACTIONS", false)
	v.SetDefault("COMPENSATION_RETRY_INTERVAL", "10s")
	v.SetDefault("COMPENSATION_BATCH", 50)
}

// Load reads configuration from the environment. When CONFIG_FILE is set the
// named YAML file supplies values the environment does not override.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path := v.GetString("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		DBSource:     v.GetString("DB_SOURCE"),
		StoreDriver:  strings.ToLower(v.GetString("STORE_DRIVER")),
		StoreTimeout: time.Duration(v.GetInt64("STORE_TIMEOUT_MS")) * time.Millisecond,
		Port:         v.GetString("SERVER_PORT"),
		Env:          v.GetString("ENVIRONMENT"),
		LogLevel:     v.GetString("LOG_LEVEL"),

		FraudURL:       strings.TrimRight(v.GetString("PY_FRAUD_URL"), "/") + "/check_fraud",
		FraudThreshold: v.GetFloat64("FRAUD_THRESHOLD"),
		FraudTimeout:   time.Duration(v.GetInt64("HTTP_TIMEOUT_MS")) * time.Millisecond,
		ModelVersion:   v.GetString("MODEL_VERSION"),

		IdempotencyTTL:           v.GetDuration("IDEMPOTENCY_TTL"),
		IdempotencyLease:         v.GetDuration("IDEMPOTENCY_LEASE"),
		IdempotencyVerifyHash:    v.GetBool("IDEMPOTENCY_VERIFY_HASH"),
		IdempotencyPurgeInterval: v.GetDuration("IDEMPOTENCY_PURGE_INTERVAL"),

		RecordFailedTransactions: v.GetBool("RECORD_FAILED_TRANSACTIONS"),

		CompensationRetryInterval: v.GetDuration("COMPENSATION_RETRY_INTERVAL"),
		CompensationBatch:         v.GetInt("COMPENSATION_BATCH"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DBSource == "" {
			return fmt.Errorf("DB_SOURCE environment variable is required")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}

	if c.FraudThreshold < 0 || c.FraudThreshold > 1 {
		return fmt.Errorf("FRAUD_THRESHOLD must be within [0,1], got %v", c.FraudThreshold)
	}
	if c.FraudTimeout <= 0 || c.StoreTimeout <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT_MS and STORE_TIMEOUT_MS must be positive")
	}
	if c.IdempotencyTTL <= 0 || c.IdempotencyLease <= 0 {
		return fmt.Errorf("IDEMPOTENCY_TTL and IDEMPOTENCY_LEASE must be positive")
	}
	if c.IdempotencyPurgeInterval <= 0 || c.CompensationRetryInterval <= 0 {
		return fmt.Errorf("worker intervals must be positive")
	}
	if c.CompensationBatch <= 0 {
		return fmt.Errorf("COMPENSATION_BATCH must be positive")
	}
	return nil
}
