/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the ledger-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	RailEventQueue       string `mapstructure:"RAIL_EVENT_QUEUE"`
	RailAPIBaseURL       string `mapstructure:"RAIL_API_BASE_URL"`
	RailAPIKey           string `mapstructure:"RAIL_API_KEY"`
	JWKSURL              string `mapstructure:"JWKS_URL"`
	AuthAudience         string `mapstructure:"AUTH_AUDIENCE"`
	AuthIssuer           string `mapstructure:"AUTH_ISSUER"`
	InternalAPIKey       string `mapstructure:"INTERNAL_API_KEY"`

	P2PTransferFeeKobo    int64   `mapstructure:"P2P_TRANSFER_FEE_KOBO"`
	SelfTransferFeeKobo   int64   `mapstructure:"SELF_TRANSFER_FEE_KOBO"`
	MoneyDropFeeKobo      int64   `mapstructure:"MONEY_DROP_FEE_KOBO"`
	MoneyDropFeePercent   float64 `mapstructure:"MONEY_DROP_FEE_PERCENT"`
	PaymentRequestFeeKobo int64   `mapstructure:"PAYMENT_REQUEST_FEE_KOBO"`

	PINMaxAttempts    int `mapstructure:"PIN_MAX_ATTEMPTS"`
	PINLockoutSeconds int `mapstructure:"PIN_LOCKOUT_SECONDS"`

	MoneyDropPasswordKey            string `mapstructure:"MONEY_DROP_PASSWORD_ENCRYPTION_KEY"`
	MoneyDropPasswordMaxAttempts    int    `mapstructure:"MONEY_DROP_PASSWORD_MAX_ATTEMPTS"`
	MoneyDropPasswordLockoutSeconds int    `mapstructure:"MONEY_DROP_PASSWORD_LOCKOUT_SECONDS"`
	MoneyDropClaimRateLimitPerMin   int    `mapstructure:"MONEY_DROP_CLAIM_RATE_LIMIT_PER_MINUTE"`
	MoneyDropDetailsRateLimitPerMin int    `mapstructure:"MONEY_DROP_DETAILS_RATE_LIMIT_PER_MINUTE"`

	IdempotencyTTLMinutes        int `mapstructure:"IDEMPOTENCY_TTL_MINUTES"`
	IdempotencyStaleAfterSeconds int `mapstructure:"IDEMPOTENCY_STALE_AFTER_SECONDS"`

	MaxBatchTransfers int `mapstructure:"MAX_BATCH_TRANSFERS"`

	OutboxBatchSize         int `mapstructure:"OUTBOX_BATCH_SIZE"`
	OutboxStaleAfterSeconds int `mapstructure:"OUTBOX_STALE_AFTER_SECONDS"`
	OutboxPollIntervalMS    int `mapstructure:"OUTBOX_POLL_INTERVAL_MS"`

	ReconcileCronSpec     string `mapstructure:"RECONCILE_CRON_SPEC"`
	ReconcileGraceMinutes int    `mapstructure:"RECONCILE_GRACE_MINUTES"`
	DropExpiryCronSpec    string `mapstructure:"DROP_EXPIRY_CRON_SPEC"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("RAIL_EVENT_QUEUE", "ledger_service.rail_updates")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "ledger:rate_limit")
	viper.SetDefault("P2P_TRANSFER_FEE_KOBO", 500)
	viper.SetDefault("SELF_TRANSFER_FEE_KOBO", 2500)
	viper.SetDefault("MONEY_DROP_FEE_KOBO", 0) // Default: no fee (can be configured)
	viper.SetDefault("MONEY_DROP_FEE_PERCENT", 0.0)
	viper.SetDefault("PAYMENT_REQUEST_FEE_KOBO", 0)
	viper.SetDefault("PIN_MAX_ATTEMPTS", 5)
	viper.SetDefault("PIN_LOCKOUT_SECONDS", 900)
	viper.SetDefault("MONEY_DROP_PASSWORD_MAX_ATTEMPTS", 5)
	viper.SetDefault("MONEY_DROP_PASSWORD_LOCKOUT_SECONDS", 600)
	viper.SetDefault("MONEY_DROP_CLAIM_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("MONEY_DROP_DETAILS_RATE_LIMIT_PER_MINUTE", 120)
	viper.SetDefault("IDEMPOTENCY_TTL_MINUTES", 1440)
	viper.SetDefault("IDEMPOTENCY_STALE_AFTER_SECONDS", 120)
	viper.SetDefault("MAX_BATCH_TRANSFERS", 10)
	viper.SetDefault("OUTBOX_BATCH_SIZE", 50)
	viper.SetDefault("OUTBOX_STALE_AFTER_SECONDS", 300)
	viper.SetDefault("OUTBOX_POLL_INTERVAL_MS", 1000)
	viper.SetDefault("RECONCILE_CRON_SPEC", "*/5 * * * *")
	viper.SetDefault("RECONCILE_GRACE_MINUTES", 10)
	viper.SetDefault("DROP_EXPIRY_CRON_SPEC", "* * * * *")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "LEDGER_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("RAIL_EVENT_QUEUE")
	_ = viper.BindEnv("RAIL_API_BASE_URL")
	_ = viper.BindEnv("RAIL_API_KEY")
	_ = viper.BindEnv("JWKS_URL")
	_ = viper.BindEnv("AUTH_AUDIENCE")
	_ = viper.BindEnv("AUTH_ISSUER")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "LEDGER_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("P2P_TRANSFER_FEE_KOBO")
	_ = viper.BindEnv("P2P_TRANSFER_FEE_NAIRA")
	_ = viper.BindEnv("SELF_TRANSFER_FEE_KOBO")
	_ = viper.BindEnv("MONEY_DROP_FEE_KOBO")
	_ = viper.BindEnv("MONEY_DROP_FEE_NAIRA")
	_ = viper.BindEnv("MONEY_DROP_FEE_PERCENT")
	_ = viper.BindEnv("PAYMENT_REQUEST_FEE_KOBO")
	_ = viper.BindEnv("PIN_MAX_ATTEMPTS")
	_ = viper.BindEnv("PIN_LOCKOUT_SECONDS")
	_ = viper.BindEnv("MONEY_DROP_PASSWORD_ENCRYPTION_KEY")
	_ = viper.BindEnv("MONEY_DROP_PASSWORD_MAX_ATTEMPTS")
	_ = viper.BindEnv("MONEY_DROP_PASSWORD_LOCKOUT_SECONDS")
	_ = viper.BindEnv("MONEY_DROP_CLAIM_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("MONEY_DROP_DETAILS_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("IDEMPOTENCY_TTL_MINUTES")
	_ = viper.BindEnv("IDEMPOTENCY_STALE_AFTER_SECONDS")
	_ = viper.BindEnv("MAX_BATCH_TRANSFERS")
	_ = viper.BindEnv("OUTBOX_BATCH_SIZE")
	_ = viper.BindEnv("OUTBOX_STALE_AFTER_SECONDS")
	_ = viper.BindEnv("OUTBOX_POLL_INTERVAL_MS")
	_ = viper.BindEnv("RECONCILE_CRON_SPEC")
	_ = viper.BindEnv("RECONCILE_GRACE_MINUTES")
	_ = viper.BindEnv("DROP_EXPIRY_CRON_SPEC")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("LEDGER_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "ledger:rate_limit"
	}

	// Allow specifying fees in whole currency units via the *_NAIRA variants.
	config.P2PTransferFeeKobo = resolveFeeKobo("P2P_TRANSFER_FEE_NAIRA", config.P2PTransferFeeKobo)
	config.MoneyDropFeeKobo = resolveFeeKobo("MONEY_DROP_FEE_NAIRA", config.MoneyDropFeeKobo)

	if config.P2PTransferFeeKobo < 0 {
		log.Printf("level=warn component=config msg=\"negative p2p fee configured; coercing to zero\" fee_kobo=%d", config.P2PTransferFeeKobo)
		config.P2PTransferFeeKobo = 0
	}
	if config.SelfTransferFeeKobo < 0 {
		log.Printf("level=warn component=config msg=\"negative self-transfer fee configured; coercing to zero\" fee_kobo=%d", config.SelfTransferFeeKobo)
		config.SelfTransferFeeKobo = 0
	}
	if config.MoneyDropFeeKobo < 0 {
		log.Printf("level=warn component=config msg=\"negative money-drop fee configured; coercing to zero\" fee_kobo=%d", config.MoneyDropFeeKobo)
		config.MoneyDropFeeKobo = 0
	}
	if config.PaymentRequestFeeKobo < 0 {
		config.PaymentRequestFeeKobo = 0
	}

	if config.MoneyDropFeePercent < 0 {
		log.Printf("level=warn component=config msg=\"negative money-drop fee percent configured; coercing to zero\" fee_percent=%f", config.MoneyDropFeePercent)
		config.MoneyDropFeePercent = 0
	}
	if config.MoneyDropFeePercent > 100 {
		log.Printf("level=warn component=config msg=\"money-drop fee percent too high; capping at 100\" fee_percent=%f", config.MoneyDropFeePercent)
		config.MoneyDropFeePercent = 100
	}

	if config.PINMaxAttempts <= 0 {
		config.PINMaxAttempts = 5
	}
	if config.PINLockoutSeconds <= 0 {
		config.PINLockoutSeconds = 900
	}
	if config.MoneyDropPasswordMaxAttempts <= 0 {
		config.MoneyDropPasswordMaxAttempts = 5
	}
	if config.MoneyDropPasswordLockoutSeconds <= 0 {
		config.MoneyDropPasswordLockoutSeconds = 600
	}
	if config.MoneyDropClaimRateLimitPerMin <= 0 {
		config.MoneyDropClaimRateLimitPerMin = 30
	}
	if config.MoneyDropDetailsRateLimitPerMin <= 0 {
		config.MoneyDropDetailsRateLimitPerMin = 120
	}
	if config.IdempotencyTTLMinutes <= 0 {
		config.IdempotencyTTLMinutes = 1440
	}
	if config.IdempotencyStaleAfterSeconds <= 0 {
		config.IdempotencyStaleAfterSeconds = 120
	}
	if config.MaxBatchTransfers <= 0 {
		config.MaxBatchTransfers = 10
	}
	if config.OutboxBatchSize <= 0 {
		config.OutboxBatchSize = 50
	}
	if config.OutboxStaleAfterSeconds <= 0 {
		config.OutboxStaleAfterSeconds = 300
	}
	if config.OutboxPollIntervalMS <= 0 {
		config.OutboxPollIntervalMS = 1000
	}
	if strings.TrimSpace(config.ReconcileCronSpec) == "" {
		config.ReconcileCronSpec = "*/5 * * * *"
	}
	if config.ReconcileGraceMinutes <= 0 {
		config.ReconcileGraceMinutes = 10
	}
	if strings.TrimSpace(config.DropExpiryCronSpec) == "" {
		config.DropExpiryCronSpec = "* * * * *"
	}

	return
}

// resolveFeeKobo prefers a whole-currency-unit override when set, converting
// it to kobo. Falls back to the already-bound kobo value.
func resolveFeeKobo(nairaKey string, currentKobo int64) int64 {
	if !viper.IsSet(nairaKey) {
		return currentKobo
	}
	feeStr := strings.TrimSpace(viper.GetString(nairaKey))
	if feeStr == "" {
		return currentKobo
	}
	feeValue, parseErr := strconv.ParseFloat(feeStr, 64)
	if parseErr != nil {
		log.Printf("level=warn component=config msg=\"invalid fee override\" key=%s value=%q err=%v", nairaKey, feeStr, parseErr)
		return currentKobo
	}
	return int64(math.Round(feeValue * 100))
}
