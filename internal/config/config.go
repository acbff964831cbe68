package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string
	DBMaxConns  int
	LogLevel    string

	// Bypass skips compliance checks and ledger writes. Demo environments only.
	Bypass bool

	BusinessTimezone string

	Company CompanyConfig
	Email   EmailConfig
	SMS     SMSConfig
	Queue   QueueConfig
	Kafka   KafkaConfig

	ProviderRateLimitPerSecond int
	WebhookSecret              string
	LedgerRetentionDays        int
	MaintenanceInterval        time.Duration
}

// CompanyConfig carries the sender identity merged into every template.
type CompanyConfig struct {
	Name           string
	Address        string
	SupportEmail   string
	UnsubscribeURL string
}

type EmailConfig struct {
	APIKey    string
	FromEmail string
	FromName  string
	BaseURL   string
	TPS       int
}

type SMSConfig struct {
	AccountSID        string
	AuthToken         string
	FromNumber        string
	BaseURL           string
	StatusCallbackURL string
	TPS               int
}

type QueueConfig struct {
	ImmediateConcurrency int
	BulkConcurrency      int
	ScheduledConcurrency int
	BulkBatchSize        int
	PollInterval         time.Duration
	LeaseDuration        time.Duration
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Enabled reports whether Kafka ingest should run.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	dbURL := getEnv("DATABASE_URL", "")
	redisURL := getEnv("REDIS_URL", "")

	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if redisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}

	tz := getEnv("BUSINESS_TIMEZONE", "America/New_York")
	if _, err := time.LoadLocation(tz); err != nil {
		return nil, fmt.Errorf("invalid BUSINESS_TIMEZONE %q: %w", tz, err)
	}

	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		DatabaseURL:      dbURL,
		RedisURL:         redisURL,
		DBMaxConns:       getEnvInt("DB_MAX_CONNS", 20),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		Bypass:           getEnvBool("NOTIFY_BYPASS", false),
		BusinessTimezone: tz,
		Company: CompanyConfig{
			Name:           getEnv("COMPANY_NAME", "Community Association"),
			Address:        getEnv("COMPANY_ADDRESS", ""),
			SupportEmail:   getEnv("COMPANY_SUPPORT_EMAIL", ""),
			UnsubscribeURL: getEnv("UNSUBSCRIBE_BASE_URL", "http://localhost:8080/unsubscribe"),
		},
		Email: EmailConfig{
			APIKey:    getEnv("SENDGRID_API_KEY", ""),
			FromEmail: getEnv("EMAIL_FROM", ""),
			FromName:  getEnv("EMAIL_FROM_NAME", ""),
			BaseURL:   getEnv("SENDGRID_BASE_URL", "https://api.sendgrid.com"),
			TPS:       getEnvInt("EMAIL_TPS", 10),
		},
		SMS: SMSConfig{
			AccountSID:        getEnv("TWILIO_ACCOUNT_SID", ""),
			AuthToken:         getEnv("TWILIO_AUTH_TOKEN", ""),
			FromNumber:        getEnv("TWILIO_FROM_NUMBER", ""),
			BaseURL:           getEnv("TWILIO_BASE_URL", "https://api.twilio.com"),
			StatusCallbackURL: getEnv("SMS_STATUS_CALLBACK_URL", ""),
			TPS:               getEnvInt("SMS_TPS", 1),
		},
		Queue: QueueConfig{
			ImmediateConcurrency: getEnvInt("QUEUE_IMMEDIATE_CONCURRENCY", 5),
			BulkConcurrency:      getEnvInt("QUEUE_BULK_CONCURRENCY", 2),
			ScheduledConcurrency: getEnvInt("QUEUE_SCHEDULED_CONCURRENCY", 10),
			BulkBatchSize:        getEnvInt("QUEUE_BULK_BATCH_SIZE", 10),
			PollInterval:         getEnvDuration("QUEUE_POLL_INTERVAL", 100*time.Millisecond),
			LeaseDuration:        getEnvDuration("QUEUE_LEASE_DURATION", 30*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(getEnv("KAFKA_BROKERS", "")),
			Topic:   getEnv("KAFKA_NOTIFY_TOPIC", "notifications"),
			GroupID: getEnv("KAFKA_GROUP_ID", "hoa-notifier"),
		},
		ProviderRateLimitPerSecond: getEnvInt("PROVIDER_RATE_LIMIT_PER_SECOND", 0),
		WebhookSecret:              getEnv("WEBHOOK_SIGNING_SECRET", ""),
		LedgerRetentionDays:        getEnvInt("LEDGER_RETENTION_DAYS", 90),
		MaintenanceInterval:        getEnvDuration("MAINTENANCE_INTERVAL", time.Hour),
	}

	return cfg, nil
}

// Location returns the business-hours time zone. Load has already validated it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.BusinessTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		b, err := strconv.ParseBool(val)
		if err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		d, err := time.ParseDuration(val)
		if err == nil {
			return d
		}
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
