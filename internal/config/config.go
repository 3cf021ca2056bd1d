/**
 * @description
 * Configuration management for the loyalty service. Values are read from the
 * environment (and an optional .env file) through Viper, then coerced into
 * safe ranges so a bad deployment value degrades to a default instead of
 * failing at runtime.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the loyalty-service.
type Config struct {
	ServerPort               string `mapstructure:"SERVER_PORT"`
	DatabaseURL              string `mapstructure:"DATABASE_URL"`
	DBMaxConns               int    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns               int    `mapstructure:"DB_MIN_CONNS"`
	DBLockTimeoutMS          int    `mapstructure:"DB_LOCK_TIMEOUT_MS"`
	DBStatementTimeoutMS     int    `mapstructure:"DB_STATEMENT_TIMEOUT_MS"`
	RequestTimeoutSeconds    int    `mapstructure:"REQUEST_TIMEOUT_SECONDS"`
	RedisURL                 string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix     string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	PointsRateLimitPerMinute int    `mapstructure:"POINTS_RATE_LIMIT_PER_MINUTE"`
	RabbitMQURL              string `mapstructure:"RABBITMQ_URL"`
	EventsExchange           string `mapstructure:"EVENTS_EXCHANGE"`
	NotificationRetryQueue   string `mapstructure:"NOTIFICATION_RETRY_QUEUE"`
	InternalAPIKey           string `mapstructure:"INTERNAL_API_KEY"`
	ServiceJWTSecret         string `mapstructure:"SERVICE_JWT_SECRET"`
	CORSAllowedOrigins       string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	ApprovalExpiryHours      int    `mapstructure:"APPROVAL_EXPIRY_HOURS"`
	CardNumberMaxAttempts    int    `mapstructure:"CARD_NUMBER_MAX_ATTEMPTS"`
	AuditSchedule            string `mapstructure:"AUDIT_SCHEDULE"`
	AuditAutoRepair          bool   `mapstructure:"AUDIT_AUTO_REPAIR"`
	ExpirySweepSchedule      string `mapstructure:"EXPIRY_SWEEP_SCHEDULE"`
	LogLevel                 string `mapstructure:"LOG_LEVEL"`
	LogFormat                string `mapstructure:"LOG_FORMAT"`
}

const (
	defaultServerPort             = "8080"
	defaultDBMaxConns             = 100
	defaultDBMinConns             = 20
	defaultDBLockTimeoutMS        = 3000
	defaultDBStatementTimeoutMS   = 10000
	defaultRequestTimeoutSeconds  = 15
	defaultRateLimitPrefix        = "loyalty:rate_limit"
	defaultEventsExchange         = "loyalty_events"
	defaultNotificationRetryQueue = "loyalty_service.notification_retry"
	defaultApprovalExpiryHours    = 7 * 24
	defaultCardNumberMaxAttempts  = 5
	defaultAuditSchedule          = "*/15 * * * *"
	defaultExpirySweepSchedule    = "0 * * * *"
)

// LoadConfig reads configuration from environment variables from the given path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", defaultServerPort)
	viper.SetDefault("DB_MAX_CONNS", defaultDBMaxConns)
	viper.SetDefault("DB_MIN_CONNS", defaultDBMinConns)
	viper.SetDefault("DB_LOCK_TIMEOUT_MS", defaultDBLockTimeoutMS)
	viper.SetDefault("DB_STATEMENT_TIMEOUT_MS", defaultDBStatementTimeoutMS)
	viper.SetDefault("REQUEST_TIMEOUT_SECONDS", defaultRequestTimeoutSeconds)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", defaultRateLimitPrefix)
	viper.SetDefault("POINTS_RATE_LIMIT_PER_MINUTE", 0) // 0 disables the per-card limit
	viper.SetDefault("EVENTS_EXCHANGE", defaultEventsExchange)
	viper.SetDefault("NOTIFICATION_RETRY_QUEUE", defaultNotificationRetryQueue)
	viper.SetDefault("APPROVAL_EXPIRY_HOURS", defaultApprovalExpiryHours)
	viper.SetDefault("CARD_NUMBER_MAX_ATTEMPTS", defaultCardNumberMaxAttempts)
	viper.SetDefault("AUDIT_SCHEDULE", defaultAuditSchedule)
	viper.SetDefault("AUDIT_AUTO_REPAIR", false)
	viper.SetDefault("EXPIRY_SWEEP_SCHEDULE", defaultExpirySweepSchedule)
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "json")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("DB_MAX_CONNS")
	_ = viper.BindEnv("DB_MIN_CONNS")
	_ = viper.BindEnv("DB_LOCK_TIMEOUT_MS")
	_ = viper.BindEnv("DB_STATEMENT_TIMEOUT_MS")
	_ = viper.BindEnv("REQUEST_TIMEOUT_SECONDS")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "LOYALTY_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("POINTS_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("NOTIFICATION_RETRY_QUEUE")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "LOYALTY_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("SERVICE_JWT_SECRET")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("APPROVAL_EXPIRY_HOURS")
	_ = viper.BindEnv("CARD_NUMBER_MAX_ATTEMPTS")
	_ = viper.BindEnv("AUDIT_SCHEDULE")
	_ = viper.BindEnv("AUDIT_AUTO_REPAIR")
	_ = viper.BindEnv("EXPIRY_SWEEP_SCHEDULE")
	_ = viper.BindEnv("LOG_LEVEL")
	_ = viper.BindEnv("LOG_FORMAT")

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
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("LOYALTY_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RabbitMQURL = strings.TrimSpace(config.RabbitMQURL)
	config.ServiceJWTSecret = strings.TrimSpace(config.ServiceJWTSecret)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = defaultRateLimitPrefix
	}
	if strings.TrimSpace(config.EventsExchange) == "" {
		config.EventsExchange = defaultEventsExchange
	}
	if strings.TrimSpace(config.NotificationRetryQueue) == "" {
		config.NotificationRetryQueue = defaultNotificationRetryQueue
	}

	if config.DBMaxConns <= 0 {
		config.DBMaxConns = defaultDBMaxConns
	}
	if config.DBMinConns < 0 || config.DBMinConns > config.DBMaxConns {
		log.Printf("level=warn component=config msg=\"db min conns out of range; clamping\" min=%d max=%d", config.DBMinConns, config.DBMaxConns)
		config.DBMinConns = config.DBMaxConns
		if config.DBMinConns > defaultDBMinConns {
			config.DBMinConns = defaultDBMinConns
		}
	}
	if config.DBLockTimeoutMS <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive lock timeout configured; using default\" value=%d", config.DBLockTimeoutMS)
		config.DBLockTimeoutMS = defaultDBLockTimeoutMS
	}
	if config.DBStatementTimeoutMS <= 0 {
		config.DBStatementTimeoutMS = defaultDBStatementTimeoutMS
	}
	if config.RequestTimeoutSeconds <= 0 {
		config.RequestTimeoutSeconds = defaultRequestTimeoutSeconds
	}
	if config.PointsRateLimitPerMinute < 0 {
		log.Printf("level=warn component=config msg=\"negative points rate limit configured; disabling\" value=%d", config.PointsRateLimitPerMinute)
		config.PointsRateLimitPerMinute = 0
	}
	if config.ApprovalExpiryHours <= 0 {
		config.ApprovalExpiryHours = defaultApprovalExpiryHours
	}
	if config.CardNumberMaxAttempts <= 0 {
		config.CardNumberMaxAttempts = defaultCardNumberMaxAttempts
	}
	config.AuditSchedule = normalizeSchedule(config.AuditSchedule, defaultAuditSchedule)
	config.ExpirySweepSchedule = normalizeSchedule(config.ExpirySweepSchedule, defaultExpirySweepSchedule)
	config.LogLevel = strings.ToLower(strings.TrimSpace(config.LogLevel))
	config.LogFormat = strings.ToLower(strings.TrimSpace(config.LogFormat))
	if config.LogFormat != "text" {
		config.LogFormat = "json"
	}

	return
}

// normalizeSchedule maps "off" to the empty schedule, which disables the job.
func normalizeSchedule(raw, fallback string) string {
	schedule := strings.TrimSpace(raw)
	switch strings.ToLower(schedule) {
	case "":
		return fallback
	case "off", "disabled", "none":
		return ""
	}
	return schedule
}

// ApprovalExpiry returns the invitation lifetime as a duration.
func (c Config) ApprovalExpiry() time.Duration {
	return time.Duration(c.ApprovalExpiryHours) * time.Hour
}

// LockTimeout returns the per-transaction lock wait bound.
func (c Config) LockTimeout() time.Duration {
	return time.Duration(c.DBLockTimeoutMS) * time.Millisecond
}

// StatementTimeout returns the per-statement execution bound.
func (c Config) StatementTimeout() time.Duration {
	return time.Duration(c.DBStatementTimeoutMS) * time.Millisecond
}

// RequestTimeout returns the deadline applied to one engine call.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, part := range strings.Split(c.CORSAllowedOrigins, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
