package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port    string
	DataDir string
	DBPath  string

	SyncTimeBudget   time.Duration
	FullSyncWindow   time.Duration
	FullSyncPageSize int
	MaxBodyBytes     int
	SyncInterval     time.Duration // zero disables scheduled syncs

	BetterAuthURL          string
	BetterAuthServiceToken string
	JWKSURL                string

	GoogleClientID     string
	GoogleClientSecret string

	NATSURL string

	OutreachDBDriver string
	OutreachDSN      string

	GoogleProjectID         string
	GmailPubSubSubscription string
	GoogleCredentials       string
	GmailPushToken          string

	LogLevel  string
	LogFormat string
}

func Load() *Config {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("DATA_DIR", "data")
	betterAuthURL := getEnv("BETTER_AUTH_URL", "http://localhost:3000")

	return &Config{
		Port:    getEnv("PORT", "8080"),
		DataDir: dataDir,
		DBPath:  getEnv("DB_PATH", filepath.Join(dataDir, "mailbox.db")),

		SyncTimeBudget:   getDuration("SYNC_TIME_BUDGET", 25*time.Second),
		FullSyncWindow:   getDuration("FULL_SYNC_WINDOW", 168*time.Hour),
		FullSyncPageSize: getInt("FULL_SYNC_PAGE_SIZE", 100),
		MaxBodyBytes:     getInt("MAX_BODY_BYTES", 10<<20),
		SyncInterval:     getDuration("SYNC_INTERVAL", 0),

		BetterAuthURL:          betterAuthURL,
		BetterAuthServiceToken: getEnv("BETTER_AUTH_SERVICE_TOKEN", ""),
		JWKSURL:                getEnv("JWKS_URL", betterAuthURL+"/api/auth/jwks"),

		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),

		NATSURL: getEnv("NATS_URL", "nats://localhost:4222"),

		OutreachDBDriver: getEnv("OUTREACH_DB_DRIVER", "sqlite"),
		OutreachDSN:      getEnv("OUTREACH_DSN", filepath.Join(dataDir, "outreach.db")),

		GoogleProjectID:         getEnv("GOOGLE_PROJECT_ID", ""),
		GmailPubSubSubscription: getEnv("GMAIL_PUBSUB_SUBSCRIPTION", ""),
		GoogleCredentials:       getEnv("GOOGLE_CREDENTIALS", ""),
		GmailPushToken:          getEnv("GMAIL_PUSH_TOKEN", ""),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "console"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDuration ignores unparsable values.
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
		if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
			return parsed
		}
	}
	return defaultValue
}
