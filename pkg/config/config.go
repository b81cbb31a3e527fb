// ==============================================================================
// CONFIG PACKAGE - pkg/config/config.go
// ==============================================================================
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Server         ServerConfig
	Database       DatabaseConfig
	Redis          RedisConfig
	Reconciliation ReconciliationConfig
	Settlement     SettlementConfig
	Queue          QueueConfig
	Alerts         AlertConfig
	Metrics        MetricsConfig
	Tracing        TracingConfig
	Log            LogConfig
}

type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// RateLimit caps operator API requests per client per minute.
	RateLimit int
}

type DatabaseConfig struct {
	URL             string
	MigrationsPath  string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
}

type ReconciliationConfig struct {
	// Tolerance is the largest debit/credit difference treated as balanced.
	Tolerance decimal.Decimal
	// BatchSize is the page size of the transaction integrity scan.
	BatchSize int
	// DailyScanLimit bounds the integrity scan of daily runs; 0 scans everything.
	DailyScanLimit int
	// QuickScanLimit bounds the integrity scan of hourly and health runs.
	QuickScanLimit int
	// WalletAccountTypes are the credit-normal account types that must never go negative.
	WalletAccountTypes []string
	DailyCron          string
	HourlyCron         string
	StuckAfter         time.Duration
	HealthCacheTTL     time.Duration
}

type SettlementConfig struct {
	Cron        string
	Window      time.Duration
	Source      string
	SuccessCode string
	Tolerance   decimal.Decimal
}

type QueueConfig struct {
	Name        string
	Concurrency int
	Attempts    int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	JobTimeout  time.Duration
	HistorySize int64

	// LeaseTTL bounds how long a crashed worker's job stays claimed.
	LeaseTTL        time.Duration
	RecoverInterval time.Duration
}

type AlertConfig struct {
	Enabled      bool
	RedisChannel string
	// EmailTo receives a copy of every alert when SMTP is configured.
	EmailTo []string
	SMTP    SMTPConfig
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	UseTLS   bool
}

type MetricsConfig struct {
	Path string
}

type TracingConfig struct {
	Enabled bool
}

type LogConfig struct {
	Level string
}

func Load() *Config {
	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	return &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnv("SERVER_PORT", "8080"),
			ReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 60*time.Second),
			IdleTimeout:  getDurationEnv("SERVER_IDLE_TIMEOUT", 120*time.Second),
			RateLimit:    getIntEnv("SERVER_RATE_LIMIT", 60),
		},
		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			MigrationsPath:  getEnv("MIGRATIONS_PATH", "file://migrations"),
			MaxOpenConns:    getIntEnv("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getIntEnv("DB_MAX_IDLE_CONNS", 25),
			ConnMaxLifetime: getDurationEnv("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL:      normalizeRedisURL(getEnv("REDIS_URL", "localhost:6379")),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
		},
		Reconciliation: ReconciliationConfig{
			Tolerance:          getDecimalEnv("RECONCILIATION_TOLERANCE", decimal.NewFromFloat(0.01)),
			BatchSize:          getIntEnv("RECONCILIATION_BATCH_SIZE", 500),
			DailyScanLimit:     getIntEnv("RECONCILIATION_DAILY_SCAN_LIMIT", 0),
			QuickScanLimit:     getIntEnv("RECONCILIATION_QUICK_SCAN_LIMIT", 100),
			WalletAccountTypes: getListEnv("RECONCILIATION_WALLET_TYPES", []string{"USER_WALLET", "CHAMA_WALLET"}),
			DailyCron:          getEnv("RECONCILIATION_DAILY_CRON", "0 2 * * *"),
			HourlyCron:         getEnv("RECONCILIATION_HOURLY_CRON", "0 * * * *"),
			StuckAfter:         getDurationEnv("RECONCILIATION_STUCK_AFTER", 30*time.Minute),
			HealthCacheTTL:     getDurationEnv("RECONCILIATION_HEALTH_CACHE_TTL", 30*time.Second),
		},
		Settlement: SettlementConfig{
			Cron:        getEnv("SETTLEMENT_CRON", "*/15 * * * *"),
			Window:      getDurationEnv("SETTLEMENT_WINDOW", 24*time.Hour),
			Source:      getEnv("SETTLEMENT_SOURCE", "mpesa"),
			SuccessCode: getEnv("SETTLEMENT_SUCCESS_CODE", "0"),
			Tolerance:   getDecimalEnv("SETTLEMENT_TOLERANCE", decimal.NewFromFloat(0.01)),
		},
		Queue: QueueConfig{
			Name:            getEnv("QUEUE_NAME", "reconciliation"),
			Concurrency:     getIntEnv("QUEUE_CONCURRENCY", 2),
			Attempts:        getIntEnv("QUEUE_ATTEMPTS", 3),
			BackoffBase:     getDurationEnv("QUEUE_BACKOFF_BASE", 5*time.Second),
			BackoffMax:      getDurationEnv("QUEUE_BACKOFF_MAX", 10*time.Minute),
			JobTimeout:      getDurationEnv("QUEUE_JOB_TIMEOUT", 15*time.Minute),
			HistorySize:     int64(getIntEnv("QUEUE_HISTORY_SIZE", 500)),
			LeaseTTL:        getDurationEnv("QUEUE_LEASE_TTL", 30*time.Second),
			RecoverInterval: getDurationEnv("QUEUE_RECOVER_INTERVAL", time.Minute),
		},
		Alerts: AlertConfig{
			Enabled:      getBoolEnv("ALERTS_ENABLED", true),
			RedisChannel: getEnv("ALERTS_REDIS_CHANNEL", "reconciliation:alerts"),
			EmailTo:      getListEnv("ALERTS_EMAIL_TO", nil),
			SMTP: SMTPConfig{
				Host:     getEnv("SMTP_HOST", ""),
				Port:     getIntEnv("SMTP_PORT", 587),
				Username: getEnv("SMTP_USERNAME", ""),
				Password: getEnv("SMTP_PASSWORD", ""),
				From:     getEnv("SMTP_FROM", ""),
				UseTLS:   getBoolEnv("SMTP_USE_TLS", false),
			},
		},
		Metrics: MetricsConfig{
			Path: getEnv("METRICS_PATH", "/metrics"),
		},
		Tracing: TracingConfig{
			Enabled: getBoolEnv("TRACING_ENABLED", false),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func normalizeRedisURL(url string) string {
	// Strip redis:// or redis+tls:// scheme if present
	if strings.HasPrefix(url, "redis+tls://") {
		return url[len("redis+tls://"):]
	}
	if strings.HasPrefix(url, "redis://") {
		return url[len("redis://"):]
	}
	return url
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return defaultValue
}

func getDecimalEnv(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
