package config

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config holds the application settings.
type Config struct {
	ListenAddr    string // HTTP listen address
	DBPath        string // SQLite database file
	RedisURL      string // event broker; empty means log-only events
	EventChannel  string // Redis channel for domain events
	AuditSchedule string // cron expression for the ledger replay audit
}

// Load reads configuration from the environment, with a .env file if present.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("no .env file found")
	}

	return &Config{
		ListenAddr:    getEnv("LISTEN_ADDR", ":8080"),
		DBPath:        getEnv("DB_PATH", "emiledger.db"),
		RedisURL:      os.Getenv("REDIS_URL"),
		EventChannel:  getEnv("EVENT_CHANNEL", "emiledger.events"),
		AuditSchedule: getEnv("AUDIT_SCHEDULE", "0 2 * * *"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
