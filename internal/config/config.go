package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// Config holds all configuration for the application
type Config struct {
	Port           string
	AllowedOrigins []string
	WSReadTimeout  time.Duration
	WSWriteTimeout time.Duration
	LogLevel       string
	PingPeriod     time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64

	// Distribution
	DistributionSchedule string // cron spec; empty disables periodic runs

	// Presence
	PresenceStaleAfter    time.Duration
	PresenceSweepInterval time.Duration

	// Supervisor feed
	SnapshotInterval time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	config := &Config{
		Port:           getEnv("PORT", "8080"),
		AllowedOrigins: strings.Split(getEnv("ALLOWED_ORIGINS", "http://localhost:5173"), ","),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
	}

	// Parse WebSocket timeouts
	wsReadTimeout, err := strconv.Atoi(getEnv("WS_READ_TIMEOUT", "60"))
	if err != nil {
		return nil, fmt.Errorf("invalid WS_READ_TIMEOUT: %w", err)
	}
	config.WSReadTimeout = time.Duration(wsReadTimeout) * time.Second

	wsWriteTimeout, err := strconv.Atoi(getEnv("WS_WRITE_TIMEOUT", "10"))
	if err != nil {
		return nil, fmt.Errorf("invalid WS_WRITE_TIMEOUT: %w", err)
	}
	config.WSWriteTimeout = time.Duration(wsWriteTimeout) * time.Second

	// Calculate WebSocket constants
	config.PongWait = config.WSReadTimeout
	config.PingPeriod = (config.PongWait * 9) / 10 // Must be less than pongWait
	config.WriteWait = config.WSWriteTimeout
	config.MaxMessageSize = 4096

	// Trim spaces from allowed origins
	for i, origin := range config.AllowedOrigins {
		config.AllowedOrigins[i] = strings.TrimSpace(origin)
	}

	// An explicitly empty DISTRIBUTION_SCHEDULE disables the cron job
	schedule, set := os.LookupEnv("DISTRIBUTION_SCHEDULE")
	if !set {
		schedule = "@every 30s"
	}
	schedule = strings.TrimSpace(schedule)
	if schedule != "" {
		if _, err := cron.ParseStandard(schedule); err != nil {
			return nil, fmt.Errorf("invalid DISTRIBUTION_SCHEDULE: %w", err)
		}
	}
	config.DistributionSchedule = schedule

	config.PresenceStaleAfter, err = time.ParseDuration(getEnv("PRESENCE_STALE_AFTER", "90s"))
	if err != nil {
		return nil, fmt.Errorf("invalid PRESENCE_STALE_AFTER: %w", err)
	}

	config.PresenceSweepInterval, err = time.ParseDuration(getEnv("PRESENCE_SWEEP_INTERVAL", "15s"))
	if err != nil {
		return nil, fmt.Errorf("invalid PRESENCE_SWEEP_INTERVAL: %w", err)
	}
	if config.PresenceSweepInterval <= 0 {
		return nil, fmt.Errorf("invalid PRESENCE_SWEEP_INTERVAL: must be positive")
	}

	config.SnapshotInterval, err = time.ParseDuration(getEnv("SNAPSHOT_INTERVAL", "2s"))
	if err != nil || config.SnapshotInterval <= 0 {
		return nil, fmt.Errorf("invalid SNAPSHOT_INTERVAL: %q", os.Getenv("SNAPSHOT_INTERVAL"))
	}

	return config, nil
}

// getEnv gets an environment variable with a fallback default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
