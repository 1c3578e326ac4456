// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/quantrails/strikeline/internal/utils"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for all databases and snapshot files (always absolute)
	LogLevel string
	Pretty   bool
	HTTPAddr string
	MarketTZ string // IANA zone for market-hours logic and cron schedules

	CORSAllowedOrigins []string

	Aggregator AggregatorConfig
	Redis      RedisConfig
	Alerts     AlertsConfig
	Notify     NotifyConfig
	Broker     BrokerConfig
	Analytics  AnalyticsConfig
	Positions  PositionsConfig
	Backup     BackupConfig

	RetentionDays int
}

// AggregatorConfig controls the F&O tick aggregator.
type AggregatorConfig struct {
	Timeframes         []string // bucket sizes to maintain and broadcast, e.g. "1min,5min,15min"
	PersistTimeframes  []string // subset of Timeframes written to persistence
	FlushLagSeconds    int      // extra wait after bucket boundary before flushing
	PersistConcurrency int      // max concurrent persistence calls
	StrikeGap          float64  // strike spacing for downstream moneyness bucketing
}

// RedisConfig holds the tick pub/sub connection settings.
type RedisConfig struct {
	Addr              string
	Password          string
	DB                int
	OptionsChannel    string
	UnderlyingChannel string
}

// AlertsConfig controls the alert evaluation worker.
type AlertsConfig struct {
	BatchSize             int // alerts per priority per cycle
	EvaluationConcurrency int // max concurrent alert evaluations
	MinIntervalSeconds    int // floor seconds between cycles
}

// NotifyConfig controls notification providers.
type NotifyConfig struct {
	RetryAttempts          int
	RetryBackoffMs         int
	TelegramBotToken       string
	TelegramRatePerMinute  int // process-wide outbound cap for the telegram channel
	WebhookTimeoutSeconds  int
	DefaultQuietTimezone   string
	MaxNotificationsPerHour int // default per-user hourly cap when preferences are absent
}

// BrokerConfig holds the broker gateway connection settings.
type BrokerConfig struct {
	BaseURL string
	APIKey  string
}

// AnalyticsConfig holds the analytics endpoint used by indicator and greek conditions.
type AnalyticsConfig struct {
	BaseURL string
}

// PositionsConfig controls the position sync loop.
type PositionsConfig struct {
	PollSeconds int
	Accounts    []string
}

// BackupConfig holds S3-compatible backup settings. Empty bucket disables backups.
type BackupConfig struct {
	Bucket    string
	Endpoint  string // non-empty for R2-style S3-compatible hosts
	Region    string
	AccessKey string
	SecretKey string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:            absDataDir,
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		Pretty:             getEnvAsBool("LOG_PRETTY", false),
		HTTPAddr:           getEnv("HTTP_ADDR", ":8080"),
		MarketTZ:           getEnv("MARKET_TZ", "Asia/Kolkata"),
		CORSAllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
		Aggregator: AggregatorConfig{
			Timeframes:         getEnvAsSlice("FO_TIMEFRAMES", []string{"1min", "5min", "15min"}),
			PersistTimeframes:  getEnvAsSlice("FO_PERSIST_TIMEFRAMES", []string{"1min", "5min"}),
			FlushLagSeconds:    getEnvAsInt("FO_FLUSH_LAG_SECONDS", 5),
			PersistConcurrency: getEnvAsInt("FO_PERSIST_CONCURRENCY", 2),
			StrikeGap:          getEnvAsFloat("FO_STRIKE_GAP", 50),
		},
		Redis: RedisConfig{
			Addr:              getEnv("REDIS_ADDR", "localhost:6379"),
			Password:          getEnv("REDIS_PASSWORD", ""),
			DB:                getEnvAsInt("REDIS_DB", 0),
			OptionsChannel:    getEnv("REDIS_OPTIONS_CHANNEL", "fo.ticks.options"),
			UnderlyingChannel: getEnv("REDIS_UNDERLYING_CHANNEL", "fo.ticks.underlying"),
		},
		Alerts: AlertsConfig{
			BatchSize:             getEnvAsInt("ALERT_BATCH_SIZE", 100),
			EvaluationConcurrency: getEnvAsInt("ALERT_EVALUATION_CONCURRENCY", 10),
			MinIntervalSeconds:    getEnvAsInt("ALERT_MIN_INTERVAL_SECONDS", 10),
		},
		Notify: NotifyConfig{
			RetryAttempts:           getEnvAsInt("NOTIFY_RETRY_ATTEMPTS", 2),
			RetryBackoffMs:          getEnvAsInt("NOTIFY_RETRY_BACKOFF_MS", 500),
			TelegramBotToken:        getEnv("TELEGRAM_BOT_TOKEN", ""),
			TelegramRatePerMinute:   getEnvAsInt("TELEGRAM_RATE_LIMIT_PER_MINUTE", 20),
			WebhookTimeoutSeconds:   getEnvAsInt("WEBHOOK_TIMEOUT_SECONDS", 10),
			DefaultQuietTimezone:    getEnv("MARKET_TZ", "Asia/Kolkata"),
			MaxNotificationsPerHour: getEnvAsInt("MAX_NOTIFICATIONS_PER_HOUR", 30),
		},
		Broker: BrokerConfig{
			BaseURL: getEnv("BROKER_BASE_URL", ""),
			APIKey:  getEnv("BROKER_API_KEY", ""),
		},
		Analytics: AnalyticsConfig{
			BaseURL: getEnv("ANALYTICS_BASE_URL", "http://localhost:8080"),
		},
		Positions: PositionsConfig{
			PollSeconds: getEnvAsInt("POSITION_POLL_SECONDS", 15),
			Accounts:    getEnvAsSlice("POSITION_ACCOUNTS", nil),
		},
		Backup: BackupConfig{
			Bucket:    getEnv("BACKUP_S3_BUCKET", ""),
			Endpoint:  getEnv("BACKUP_S3_ENDPOINT", ""),
			Region:    getEnv("BACKUP_S3_REGION", "auto"),
			AccessKey: getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
		},
		RetentionDays: getEnvAsInt("RETENTION_DAYS", 30),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present and consistent
func (c *Config) Validate() error {
	if len(c.Aggregator.Timeframes) == 0 {
		return fmt.Errorf("at least one timeframe is required")
	}

	tfSet := make(map[string]bool, len(c.Aggregator.Timeframes))
	for _, tf := range c.Aggregator.Timeframes {
		tfSet[tf] = true
	}
	for _, tf := range c.Aggregator.PersistTimeframes {
		if !tfSet[tf] {
			return fmt.Errorf("persist timeframe %q is not in FO_TIMEFRAMES", tf)
		}
	}

	if c.Aggregator.FlushLagSeconds < 0 {
		return fmt.Errorf("FO_FLUSH_LAG_SECONDS must not be negative")
	}
	if c.Aggregator.PersistConcurrency < 1 {
		return fmt.Errorf("FO_PERSIST_CONCURRENCY must be at least 1")
	}

	// The worker cycle floor is never allowed below 10 seconds.
	if c.Alerts.MinIntervalSeconds < 10 {
		c.Alerts.MinIntervalSeconds = 10
	}
	if c.Alerts.BatchSize < 1 {
		return fmt.Errorf("ALERT_BATCH_SIZE must be at least 1")
	}
	if c.Alerts.EvaluationConcurrency < 1 {
		return fmt.Errorf("ALERT_EVALUATION_CONCURRENCY must be at least 1")
	}

	if c.Positions.PollSeconds < 1 {
		return fmt.Errorf("POSITION_POLL_SECONDS must be at least 1")
	}

	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		if parsed := utils.ParseCSV(value); len(parsed) > 0 {
			return parsed
		}
	}
	return defaultValue
}
