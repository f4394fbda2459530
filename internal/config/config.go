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
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the onramp-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                  string `mapstructure:"SERVER_PORT"`
	DatabaseURL                 string `mapstructure:"DATABASE_URL"`
	RedisURL                    string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix        string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL                 string `mapstructure:"RABBITMQ_URL"`
	PaymentEventQueue           string `mapstructure:"PAYMENT_EVENT_QUEUE"`
	PaymentEventExchange        string `mapstructure:"PAYMENT_EVENT_EXCHANGE"`
	VenueAPIBaseURL             string `mapstructure:"VENUE_API_BASE_URL"`
	VenueAPIKey                 string `mapstructure:"VENUE_API_KEY"`
	VenueAPISecret              string `mapstructure:"VENUE_API_SECRET"`
	VenueAccountID              string `mapstructure:"VENUE_ACCOUNT_ID"`
	PaymentAPIBaseURL           string `mapstructure:"PAYMENT_API_BASE_URL"`
	PaymentAPIKey               string `mapstructure:"PAYMENT_API_KEY"`
	WebhookSigningSecret        string `mapstructure:"WEBHOOK_SIGNING_SECRET"`
	InternalAPIKey              string `mapstructure:"INTERNAL_API_KEY"`
	OperatorJWKSURL             string `mapstructure:"OPERATOR_JWKS_URL"`
	BalanceCacheTTLSeconds      int    `mapstructure:"BALANCE_CACHE_TTL_SECONDS"`
	IntentRetentionHours        int    `mapstructure:"INTENT_RETENTION_HOURS"`
	StuckProcessingThresholdMin int    `mapstructure:"STUCK_PROCESSING_THRESHOLD_MINUTES"`
	CheckoutRateLimitPerMinute  int    `mapstructure:"CHECKOUT_RATE_LIMIT_PER_MINUTE"`
	ProcessingFeeBps            int64  `mapstructure:"PROCESSING_FEE_BPS"`
	ProcessingFeeFixed          int64  `mapstructure:"PROCESSING_FEE_FIXED"`
	SettlementTimeoutSeconds    int    `mapstructure:"SETTLEMENT_TIMEOUT_SECONDS"`
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
	viper.SetDefault("PAYMENT_EVENT_QUEUE", "onramp_service.payment_events")
	viper.SetDefault("PAYMENT_EVENT_EXCHANGE", "payments.events")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "onramp:rate_limit")
	viper.SetDefault("BALANCE_CACHE_TTL_SECONDS", 30)
	viper.SetDefault("INTENT_RETENTION_HOURS", 24)
	viper.SetDefault("STUCK_PROCESSING_THRESHOLD_MINUTES", 15)
	viper.SetDefault("CHECKOUT_RATE_LIMIT_PER_MINUTE", 10)
	viper.SetDefault("PROCESSING_FEE_BPS", 150)
	viper.SetDefault("PROCESSING_FEE_FIXED", 0)
	viper.SetDefault("SETTLEMENT_TIMEOUT_SECONDS", 30)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "ONRAMP_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("PAYMENT_EVENT_QUEUE")
	_ = viper.BindEnv("PAYMENT_EVENT_EXCHANGE")
	_ = viper.BindEnv("VENUE_API_BASE_URL")
	_ = viper.BindEnv("VENUE_API_KEY")
	_ = viper.BindEnv("VENUE_API_SECRET")
	_ = viper.BindEnv("VENUE_ACCOUNT_ID")
	_ = viper.BindEnv("PAYMENT_API_BASE_URL")
	_ = viper.BindEnv("PAYMENT_API_KEY")
	_ = viper.BindEnv("WEBHOOK_SIGNING_SECRET")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "ONRAMP_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("OPERATOR_JWKS_URL")
	_ = viper.BindEnv("BALANCE_CACHE_TTL_SECONDS")
	_ = viper.BindEnv("INTENT_RETENTION_HOURS")
	_ = viper.BindEnv("STUCK_PROCESSING_THRESHOLD_MINUTES")
	_ = viper.BindEnv("CHECKOUT_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("PROCESSING_FEE_BPS")
	_ = viper.BindEnv("PROCESSING_FEE_FIXED")
	_ = viper.BindEnv("SETTLEMENT_TIMEOUT_SECONDS")

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
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("ONRAMP_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "onramp:rate_limit"
	}

	if config.ProcessingFeeBps < 0 {
		log.Printf("level=warn component=config msg=\"negative fee bps configured; coercing to zero\" fee_bps=%d", config.ProcessingFeeBps)
		config.ProcessingFeeBps = 0
	}
	if config.ProcessingFeeBps > 10_000 {
		log.Printf("level=warn component=config msg=\"fee bps exceeds 100%%; capping\" fee_bps=%d", config.ProcessingFeeBps)
		config.ProcessingFeeBps = 10_000
	}
	if config.ProcessingFeeFixed < 0 {
		log.Printf("level=warn component=config msg=\"negative fixed fee configured; coercing to zero\" fee_fixed=%d", config.ProcessingFeeFixed)
		config.ProcessingFeeFixed = 0
	}

	if config.BalanceCacheTTLSeconds <= 0 {
		config.BalanceCacheTTLSeconds = 30
	}
	if config.IntentRetentionHours <= 0 {
		config.IntentRetentionHours = 24
	}
	if config.StuckProcessingThresholdMin <= 0 {
		config.StuckProcessingThresholdMin = 15
	}
	if config.CheckoutRateLimitPerMinute <= 0 {
		config.CheckoutRateLimitPerMinute = 10
	}
	if config.SettlementTimeoutSeconds <= 0 {
		config.SettlementTimeoutSeconds = 30
	}

	return
}
