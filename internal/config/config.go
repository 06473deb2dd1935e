package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	LogLevel    string
	StoreDriver string
	Database    DatabaseConfig
	RabbitMQ    RabbitMQConfig
	Redis       RedisConfig
	HTTP        HTTPConfig
	Billing     BillingConfig
	Validation  ValidationConfig
	Anomaly     AnomalyConfig
	Audit       AuditConfig
	Security    SecurityConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL         string
	MaxConns    int
	AutoMigrate bool
}

// RabbitMQConfig holds RabbitMQ connection and queue settings
type RabbitMQConfig struct {
	URL              string
	IngestEnabled    bool
	IngestExchange   string
	IngestQueue      string
	IngestRoutingKey string
	EventsExchange   string
	DLQQueue         string
	PrefetchCount    int
}

// RedisConfig holds cache settings. An empty Addr selects the in-process cache.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// HTTPConfig holds API server settings
type HTTPConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// BillingConfig holds calculation settings
type BillingConfig struct {
	MaxConsumption decimal.Decimal
	CacheTTL       time.Duration
}

// ValidationConfig holds reading validation settings
type ValidationConfig struct {
	FutureToleranceMinutes int
}

// AnomalyConfig holds anomaly detection settings
type AnomalyConfig struct {
	SpikeThreshold            float64
	MinDataPointsForDetection int
}

// AuditConfig holds audit reporting settings
type AuditConfig struct {
	ReportCacheTTL      time.Duration
	ChangeCacheTTL      time.Duration
	BulkChangeThreshold int
	RetentionDays       int
}

// SecurityConfig holds the hex-encoded key protecting violation reports
type SecurityConfig struct {
	KeyHex string
}

// Store drivers
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "utility-billing"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		StoreDriver: getEnv("STORE_DRIVER", StorePostgres),
		Database: DatabaseConfig{
			URL:         getEnv("DATABASE_URL", ""),
			MaxConns:    getEnvAsInt("DATABASE_MAX_CONNS", 10),
			AutoMigrate: getEnvAsBool("DATABASE_AUTO_MIGRATE", false),
		},
		RabbitMQ: RabbitMQConfig{
			URL:              getEnv("RABBITMQ_URL", ""),
			IngestEnabled:    getEnvAsBool("INGEST_ENABLED", true),
			IngestExchange:   getEnv("RABBITMQ_INGEST_EXCHANGE", "utility-billing.ingest.exchange"),
			IngestQueue:      getEnv("RABBITMQ_INGEST_QUEUE", "utility-billing.ingest.queue"),
			IngestRoutingKey: getEnv("RABBITMQ_INGEST_ROUTING_KEY", "reading.submitted"),
			EventsExchange:   getEnv("RABBITMQ_EVENTS_EXCHANGE", "utility-billing.events.exchange"),
			DLQQueue:         getEnv("RABBITMQ_DLQ_QUEUE", "utility-billing.ingest.dlq"),
			PrefetchCount:    getEnvAsInt("RABBITMQ_PREFETCH", 10),
		},
		Redis: RedisConfig{
			Addr:      getEnv("REDIS_ADDR", ""),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvAsInt("REDIS_DB", 0),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "utility-billing:"),
		},
		HTTP: HTTPConfig{
			Port:         getEnvAsInt("HTTP_PORT", 8080),
			ReadTimeout:  getEnvAsDuration("HTTP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvAsDuration("HTTP_WRITE_TIMEOUT", 30*time.Second),
		},
		Billing: BillingConfig{
			MaxConsumption: getEnvAsDecimal("BILLING_MAX_CONSUMPTION", decimal.RequireFromString("999999.99")),
			CacheTTL:       getEnvAsDuration("BILLING_CACHE_TTL", time.Hour),
		},
		Validation: ValidationConfig{
			FutureToleranceMinutes: getEnvAsInt("VALIDATION_FUTURE_TOLERANCE_MINUTES", 5),
		},
		Anomaly: AnomalyConfig{
			SpikeThreshold:            getEnvAsFloat("ANOMALY_SPIKE_THRESHOLD", 3.0),
			MinDataPointsForDetection: getEnvAsInt("ANOMALY_MIN_DATA_POINTS", 3),
		},
		Audit: AuditConfig{
			ReportCacheTTL:      getEnvAsDuration("AUDIT_REPORT_CACHE_TTL", 300*time.Second),
			ChangeCacheTTL:      getEnvAsDuration("AUDIT_CHANGE_CACHE_TTL", 600*time.Second),
			BulkChangeThreshold: getEnvAsInt("AUDIT_BULK_CHANGE_THRESHOLD", 10),
			RetentionDays:       getEnvAsInt("AUDIT_RETENTION_DAYS", 90),
		},
		Security: SecurityConfig{
			KeyHex: getEnv("SECURITY_KEY", ""),
		},
	}

	// Validate required fields
	switch cfg.StoreDriver {
	case StorePostgres:
		if cfg.Database.URL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required but not set in environment variables")
		}
	case StoreMemory:
	default:
		return nil, fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StorePostgres, StoreMemory, cfg.StoreDriver)
	}
	if cfg.RabbitMQ.IngestEnabled && cfg.RabbitMQ.URL == "" {
		return nil, fmt.Errorf("RABBITMQ_URL is required but not set in environment variables (set INGEST_ENABLED=false to run without it)")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration accepts Go durations ("90s") or plain seconds ("300")
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if seconds, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(seconds) * time.Second
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := decimal.NewFromString(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
