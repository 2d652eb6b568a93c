// Package config provides application configuration loading.
// Every recognized option lives here with a documented default so call
// sites never invent their own fallbacks.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration values.
type Config struct {
	Env         string
	HTTPAddr    string
	DatabaseURL string
	RedisURL    string

	CORSAllowAll bool
	CORSOrigins  []string

	JWTAccessSecret string

	// Practice-management (Clio) API access.
	ClioBaseURL      string
	ClioTokenURL     string
	ClioClientID     string
	ClioClientSecret string

	// FallbackUser receives "missing data" error tasks.
	FallbackUserID   int64
	FallbackUserName string

	// Virtual assistant the VA template role resolves to.
	VAUserID   int64
	VAUserName string

	// Shared secret the CRM includes on webhook deliveries.
	WebhookSharedSecret string

	// Business timezone offset applied when a due date anchors on "now".
	// The server runs in UTC; the firm does not.
	TimezoneOffset time.Duration

	// RollbackWindow is how soon a matter re-entering a stage is treated
	// as an accidental transition whose generated tasks must be undone.
	RollbackWindow time.Duration

	// VerificationSettleDelay is how long the reconciliation pass waits
	// for the local store to settle before diffing task numbers.
	VerificationSettleDelay time.Duration

	// VerificationWindow bounds how far back the reconciliation pass
	// looks for recently generated task records.
	VerificationWindow time.Duration

	// Rate-aware queue tuning.
	RateLimitThreshold int
	RateLimitWaitMax   time.Duration
	InterRequestDelay  time.Duration

	// Retry policy around the practice-management client.
	APIRetryAttempts int
	APIRetryDelay    time.Duration

	// TrackingRetentionDays bounds the stage-tracking cleanup job.
	TrackingRetentionDays int

	// StageStaleAfter is the dwell time past which a matter is alerted on.
	StageStaleAfter time.Duration

	// Scheduled job tuning.
	TokenRefreshMargin          time.Duration
	TokenRefreshInterval        time.Duration
	SubscriptionRenewAhead      time.Duration
	SubscriptionExtendBy        time.Duration
	SubscriptionRenewalInterval time.Duration
	StaleMattersInterval        time.Duration
	TrackingCleanupInterval     time.Duration

	// Alerting email settings.
	EmailEnabled    bool
	SMTPHost        string
	SMTPPort        int
	SMTPUsername    string
	SMTPPassword    string
	EmailFromName   string
	EmailFromAddr   string
	AlertRecipients []string

	AsynqQueueName   string
	AsynqConcurrency int
}

// Load reads configuration from the environment (and .env when present).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Env:         getEnv("APP_ENV", "development"),
		HTTPAddr:    getEnv("HTTP_ADDR", ":8080"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),

		CORSAllowAll: strings.EqualFold(getEnv("CORS_ALLOW_ALL", "false"), "true"),
		CORSOrigins:  splitCSV(getEnv("CORS_ORIGINS", "http://localhost:4200")),

		JWTAccessSecret: getEnv("JWT_ACCESS_SECRET", ""),

		ClioBaseURL:      getEnv("CLIO_BASE_URL", "https://app.clio.com/api/v4"),
		ClioTokenURL:     getEnv("CLIO_TOKEN_URL", "https://app.clio.com/oauth/token"),
		ClioClientID:     getEnv("CLIO_CLIENT_ID", ""),
		ClioClientSecret: getEnv("CLIO_CLIENT_SECRET", ""),

		FallbackUserID:   getInt64Env("FALLBACK_USER_ID", 0),
		FallbackUserName: getEnv("FALLBACK_USER_NAME", "Operations"),

		VAUserID:   getInt64Env("VA_USER_ID", 0),
		VAUserName: getEnv("VA_USER_NAME", "Virtual Assistant"),

		WebhookSharedSecret: getEnv("WEBHOOK_SHARED_SECRET", ""),

		TimezoneOffset:          -time.Duration(getIntEnv("BUSINESS_TZ_OFFSET_HOURS", 6)) * time.Hour,
		RollbackWindow:          time.Duration(getIntEnv("ROLLBACK_WINDOW_MINUTES", 3)) * time.Minute,
		VerificationSettleDelay: mustDuration(getEnv("VERIFICATION_SETTLE_DELAY", "30s")),
		VerificationWindow:      mustDuration(getEnv("VERIFICATION_WINDOW", "10m")),

		RateLimitThreshold: getIntEnv("RATE_LIMIT_THRESHOLD", 20),
		RateLimitWaitMax:   mustDuration(getEnv("RATE_LIMIT_WAIT_MAX", "65s")),
		InterRequestDelay:  mustDuration(getEnv("INTER_REQUEST_DELAY", "500ms")),

		APIRetryAttempts: getIntEnv("API_RETRY_ATTEMPTS", 3),
		APIRetryDelay:    mustDuration(getEnv("API_RETRY_DELAY", "2s")),

		TrackingRetentionDays: getIntEnv("TRACKING_RETENTION_DAYS", 90),
		StageStaleAfter:       mustDuration(getEnv("STAGE_STALE_AFTER", "336h")),

		TokenRefreshMargin:          mustDuration(getEnv("TOKEN_REFRESH_MARGIN", "1h")),
		TokenRefreshInterval:        mustDuration(getEnv("TOKEN_REFRESH_INTERVAL", "30m")),
		SubscriptionRenewAhead:      mustDuration(getEnv("SUBSCRIPTION_RENEW_AHEAD", "12h")),
		SubscriptionExtendBy:        mustDuration(getEnv("SUBSCRIPTION_EXTEND_BY", "48h")),
		SubscriptionRenewalInterval: mustDuration(getEnv("SUBSCRIPTION_RENEWAL_INTERVAL", "6h")),
		StaleMattersInterval:        mustDuration(getEnv("STALE_MATTERS_INTERVAL", "24h")),
		TrackingCleanupInterval:     mustDuration(getEnv("TRACKING_CLEANUP_INTERVAL", "24h")),

		EmailEnabled:    strings.EqualFold(getEnv("EMAIL_ENABLED", "false"), "true"),
		SMTPHost:        getEnv("SMTP_HOST", ""),
		SMTPPort:        getIntEnv("SMTP_PORT", 587),
		SMTPUsername:    getEnv("SMTP_USERNAME", ""),
		SMTPPassword:    getEnv("SMTP_PASSWORD", ""),
		EmailFromName:   getEnv("EMAIL_FROM_NAME", "LawFlow"),
		EmailFromAddr:   getEnv("EMAIL_FROM_ADDRESS", ""),
		AlertRecipients: splitCSV(getEnv("ALERT_RECIPIENTS", "")),

		AsynqQueueName:   getEnv("ASYNQ_QUEUE", "default"),
		AsynqConcurrency: getIntEnv("ASYNQ_CONCURRENCY", 10),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWTAccessSecret == "" {
		return nil, fmt.Errorf("JWT_ACCESS_SECRET is required")
	}
	if cfg.EmailEnabled && (cfg.SMTPHost == "" || cfg.EmailFromAddr == "") {
		return nil, fmt.Errorf("SMTP_HOST and EMAIL_FROM_ADDRESS are required when EMAIL_ENABLED is true")
	}

	return cfg, nil
}

// GetDatabaseURL implements platform/db.Config.
func (c *Config) GetDatabaseURL() string { return c.DatabaseURL }

// GetEnv returns the deployment environment name.
func (c *Config) GetEnv() string { return c.Env }

// GetCORSAllowAll reports whether any origin is accepted.
func (c *Config) GetCORSAllowAll() bool { return c.CORSAllowAll }

// GetCORSOrigins returns the allowed CORS origins.
func (c *Config) GetCORSOrigins() []string { return c.CORSOrigins }

// GetJWTAccessSecret implements platform/httpkit.JWTConfig.
func (c *Config) GetJWTAccessSecret() string { return c.JWTAccessSecret }

// GetRedisURL returns the Redis connection URL for the scheduler.
func (c *Config) GetRedisURL() string { return c.RedisURL }

// GetAsynqQueueName returns the asynq queue all jobs are enqueued on.
func (c *Config) GetAsynqQueueName() string { return c.AsynqQueueName }

// GetAsynqConcurrency returns the worker concurrency.
func (c *Config) GetAsynqConcurrency() int { return c.AsynqConcurrency }

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func getInt64Env(key string, fallback int64) int64 {
	val := getEnv(key, "")
	if val == "" {
		return fallback
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getIntEnv(key string, fallback int) int {
	val := getEnv(key, "")
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}

func mustDuration(value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	results := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			results = append(results, trimmed)
		}
	}
	return results
}
