/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables and an optional
 * .env file, providing a centralized way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"errors"
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

var (
	ErrMissingAttesterAddress = errors.New("ATTESTER_ADDRESS is required")
	ErrMissingPlatformAddress = errors.New("PLATFORM_ADDRESS is required")
)

// Config holds all the configuration variables for the proof-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                string `mapstructure:"SERVER_PORT"`
	DatabaseURL               string `mapstructure:"DATABASE_URL"`
	RedisURL                  string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix      string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL               string `mapstructure:"RABBITMQ_URL"`
	AttemptStatusQueue        string `mapstructure:"ATTEMPT_STATUS_QUEUE"`
	EventsExchange            string `mapstructure:"EVENTS_EXCHANGE"`
	LedgerAPIBaseURL          string `mapstructure:"LEDGER_API_BASE_URL"`
	LedgerAPIKey              string `mapstructure:"LEDGER_API_KEY"`
	AttesterAddress           string `mapstructure:"ATTESTER_ADDRESS"`
	PlatformAddress           string `mapstructure:"PLATFORM_ADDRESS"`
	JWTSigningSecret          string `mapstructure:"JWT_SIGNING_SECRET"`
	JWTIssuer                 string `mapstructure:"JWT_ISSUER"`
	AttemptRateLimitPerMinute int    `mapstructure:"ATTEMPT_RATE_LIMIT_PER_MINUTE"`
	OutboxFlushSchedule       string `mapstructure:"OUTBOX_FLUSH_SCHEDULE"`
	OutboxBatchSize           int    `mapstructure:"OUTBOX_BATCH_SIZE"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "proof:rate_limit")
	viper.SetDefault("ATTEMPT_STATUS_QUEUE", "proof_service.attempt_status")
	viper.SetDefault("EVENTS_EXCHANGE", "proof.events")
	viper.SetDefault("ATTEMPT_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("OUTBOX_FLUSH_SCHEDULE", "@every 2s")
	viper.SetDefault("OUTBOX_BATCH_SIZE", 50)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "PROOF_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("ATTEMPT_STATUS_QUEUE")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("LEDGER_API_BASE_URL")
	_ = viper.BindEnv("LEDGER_API_KEY")
	_ = viper.BindEnv("ATTESTER_ADDRESS", "ATTESTER_ADDRESS", "VERIFIER_ADDRESS")
	_ = viper.BindEnv("PLATFORM_ADDRESS")
	_ = viper.BindEnv("JWT_SIGNING_SECRET")
	_ = viper.BindEnv("JWT_ISSUER")
	_ = viper.BindEnv("ATTEMPT_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("OUTBOX_FLUSH_SCHEDULE")
	_ = viper.BindEnv("OUTBOX_BATCH_SIZE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RabbitMQURL = strings.TrimSpace(config.RabbitMQURL)
	config.LedgerAPIBaseURL = strings.TrimSpace(config.LedgerAPIBaseURL)
	config.AttesterAddress = strings.TrimSpace(config.AttesterAddress)
	config.PlatformAddress = strings.TrimSpace(config.PlatformAddress)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "proof:rate_limit"
	}
	if strings.TrimSpace(config.OutboxFlushSchedule) == "" {
		config.OutboxFlushSchedule = "@every 2s"
	}
	if config.OutboxBatchSize <= 0 {
		config.OutboxBatchSize = 50
	}
	if config.AttemptRateLimitPerMinute < 0 {
		log.Printf("level=warn component=config msg=\"negative attempt rate limit configured; disabling\" limit=%d", config.AttemptRateLimitPerMinute)
		config.AttemptRateLimitPerMinute = 0
	}

	if config.AttesterAddress == "" {
		err = ErrMissingAttesterAddress
		return
	}
	if config.PlatformAddress == "" {
		err = ErrMissingPlatformAddress
		return
	}

	return
}
