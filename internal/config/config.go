package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config carries all deployment settings, read from the environment.
type Config struct {
	Port    string
	DBPath  string
	NATSURL string

	// JWKSURL backs JWT verification on the account-management endpoints.
	JWKSURL string

	GoogleClientID     string
	GoogleClientSecret string
	// PubSubTopic is the Cloud Pub/Sub topic Gmail watches publish to.
	PubSubTopic string
	// WebhookAudience is the OIDC audience push notifications must carry.
	WebhookAudience string

	MicrosoftClientID     string
	MicrosoftClientSecret string
	// GraphNotificationURL is the webhook endpoint Graph subscriptions use.
	GraphNotificationURL string

	LabelerURL         string
	LabelerToken       string
	CacheInvalidateURL string

	// RenewalThreshold must stay strictly below the shortest provider
	// subscription lifetime, with margin for one scan period.
	RenewalThreshold time.Duration
	RenewalInterval  time.Duration

	SyncBatchSize int
	ItemTimeout   time.Duration
}

// Load reads configuration, taking defaults where the environment is
// silent. A .env file is honored when present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:    getEnv("PORT", "8080"),
		DBPath:  getEnv("DB_PATH", "data/connections.db"),
		NATSURL: getEnv("NATS_URL", "nats://localhost:4222"),

		JWKSURL: getEnv("JWKS_URL", ""),

		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		PubSubTopic:        getEnv("GMAIL_PUBSUB_TOPIC", ""),
		WebhookAudience:    getEnv("WEBHOOK_AUDIENCE", ""),

		MicrosoftClientID:     getEnv("MICROSOFT_CLIENT_ID", ""),
		MicrosoftClientSecret: getEnv("MICROSOFT_CLIENT_SECRET", ""),
		GraphNotificationURL:  getEnv("GRAPH_NOTIFICATION_URL", ""),

		LabelerURL:         getEnv("LABELER_URL", ""),
		LabelerToken:       getEnv("LABELER_TOKEN", ""),
		CacheInvalidateURL: getEnv("CACHE_INVALIDATE_URL", ""),

		// Gmail watches last 7 days; renew at day 5, scanning every 6
		// hours, so scheduler jitter can never let one lapse.
		RenewalThreshold: getDuration("RENEWAL_THRESHOLD", 5*24*time.Hour),
		RenewalInterval:  getDuration("RENEWAL_INTERVAL", 6*time.Hour),

		SyncBatchSize: getInt("SYNC_BATCH_SIZE", 64),
		ItemTimeout:   getDuration("ITEM_TIMEOUT", 60*time.Second),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
