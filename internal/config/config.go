package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendDynamoDB = "dynamodb"
	BackendSame     = "same"
)

// Config holds process configuration. Business rules (wait thresholds,
// cutoff, exclusions) live in the hot-reloadable settings file instead.
type Config struct {
	Port      string
	Env       string
	LogLevel  string
	LogFormat string
	DryRun    bool

	SettingsPath string

	StoreBackend  string
	LedgerBackend string
	SQLitePath    string
	DatabaseURL   string

	RedisAddr     string
	RedisPassword string
	RedisTLS      bool
	RedisPrefix   string

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
	LedgerTable         string
	ArchiveBucket       string
	HistoryQueueURL     string

	TickSchedule       string
	TickTimeout        time.Duration
	AbandonTimeout     time.Duration
	SendConcurrency    int
	SendRatePerSec     float64
	LifecycleRetention time.Duration
	HistoryRetention   time.Duration

	QueueBaseURL       string
	QueueAPIToken      string
	QueueChannelTokens string
	QueueChannels      string
	QueueTimeout       time.Duration

	TelnyxAPIKey             string
	TelnyxMessagingProfileID string
	TelnyxFromNumber         string
	TelnyxTimeout            time.Duration

	SendGridAPIKey    string
	SendGridFromEmail string
	SendGridFromName  string
	SESFromEmail      string
	AlertEmails       string
	AlertMinInterval  time.Duration

	AdminJWTSecret string
}

// Load reads configuration from environment variables. A .env file in the
// working directory is applied first when present; real env vars win.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:      getEnv("PORT", "8080"),
		Env:       getEnv("ENV", "development"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
		DryRun:    getEnvAsBool("DRY_RUN", false),

		SettingsPath: getEnv("SETTINGS_PATH", "settings.yaml"),

		StoreBackend:  strings.ToLower(strings.TrimSpace(getEnv("STORE_BACKEND", BackendSQLite))),
		LedgerBackend: strings.ToLower(strings.TrimSpace(getEnv("LEDGER_BACKEND", BackendSame))),
		SQLitePath:    getEnv("SQLITE_PATH", "data/notifier.db"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),
		RedisPrefix:   getEnv("REDIS_PREFIX", "notifier"),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		LedgerTable:         getEnv("LEDGER_TABLE", "notifier_reservations"),
		ArchiveBucket:       getEnv("ARCHIVE_BUCKET", ""),
		HistoryQueueURL:     getEnv("HISTORY_QUEUE_URL", ""),

		TickSchedule:       getEnv("TICK_SCHEDULE", "@every 1m"),
		TickTimeout:        getEnvAsDuration("TICK_TIMEOUT", 50*time.Second),
		AbandonTimeout:     getEnvAsDuration("ABANDON_TIMEOUT", 2*time.Minute),
		SendConcurrency:    getEnvAsInt("SEND_CONCURRENCY", 4),
		SendRatePerSec:     getEnvAsFloat("SEND_RATE_PER_SEC", 5),
		LifecycleRetention: getEnvAsDuration("LIFECYCLE_RETENTION", 7*24*time.Hour),
		HistoryRetention:   getEnvAsDuration("HISTORY_RETENTION", 30*24*time.Hour),

		QueueBaseURL:       getEnv("QUEUE_BASE_URL", ""),
		QueueAPIToken:      getEnv("QUEUE_API_TOKEN", ""),
		QueueChannelTokens: getEnv("QUEUE_CHANNEL_TOKENS", ""),
		QueueChannels:      getEnv("QUEUE_CHANNELS", ""),
		QueueTimeout:       getEnvAsDuration("QUEUE_TIMEOUT", 10*time.Second),

		TelnyxAPIKey:             getEnv("TELNYX_API_KEY", ""),
		TelnyxMessagingProfileID: getEnv("TELNYX_MESSAGING_PROFILE_ID", ""),
		TelnyxFromNumber:         getEnv("TELNYX_FROM_NUMBER", ""),
		TelnyxTimeout:            getEnvAsDuration("TELNYX_TIMEOUT", 10*time.Second),

		SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail: getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:  getEnv("SENDGRID_FROM_NAME", "Triage Notifier"),
		SESFromEmail:      getEnv("SES_FROM_EMAIL", ""),
		AlertEmails:       getEnv("ALERT_EMAILS", ""),
		AlertMinInterval:  getEnvAsDuration("ALERT_MIN_INTERVAL", 15*time.Minute),

		AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", ""),
	}
}

// EffectiveLedgerBackend resolves LEDGER_BACKEND=same to the store backend.
func (c *Config) EffectiveLedgerBackend() string {
	if c.LedgerBackend == "" || c.LedgerBackend == BackendSame {
		return c.StoreBackend
	}
	return c.LedgerBackend
}

// SplitList parses a comma separated list, dropping blanks.
func SplitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// SplitPairs parses "k1=v1,k2=v2". Entries without '=' are ignored.
func SplitPairs(raw string) map[string]string {
	out := map[string]string{}
	for _, item := range SplitList(raw) {
		k, v, ok := strings.Cut(item, "=")
		if !ok {
			continue
		}
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if k != "" && v != "" {
			out[k] = v
		}
	}
	return out
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
