package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	Port        string
	Env         string
	ServiceName string
	DatabaseURL string // Postgres principal directory
	SQLitePath  string // fallback principal directory when DatabaseURL is empty
	RedisURL    string // empty selects the in-memory store outside production

	SessionTTL         time.Duration
	PresenceTTL        time.Duration
	StreamPollInterval time.Duration

	// Observability buffers
	LogBufferSize       int
	LogFlushInterval    time.Duration
	MetricBufferSize    int
	MetricFlushInterval time.Duration

	// Rate limiting
	RateLimitWhitelist []string // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled   bool     // Enable auto-blocking after repeated violations
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics on missing required variables.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", "8080"),
		Env:                 getEnv("ENV", "development"),
		ServiceName:         getEnv("SERVICE_NAME", "agentbus"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		SQLitePath:          getEnv("SQLITE_PATH", "agentbus.db"),
		RedisURL:            os.Getenv("REDIS_URL"),
		SessionTTL:          getDuration("SESSION_TTL", time.Hour),
		PresenceTTL:         getDuration("PRESENCE_TTL", 5*time.Minute),
		StreamPollInterval:  getDuration("STREAM_POLL_INTERVAL", 500*time.Millisecond),
		LogBufferSize:       getInt("LOG_BUFFER_SIZE", 100),
		LogFlushInterval:    getDuration("LOG_FLUSH_INTERVAL", 10*time.Second),
		MetricBufferSize:    getInt("METRIC_BUFFER_SIZE", 100),
		MetricFlushInterval: getDuration("METRIC_FLUSH_INTERVAL", 10*time.Second),
		AutoBlockEnabled:    getEnv("AUTO_BLOCK_ENABLED", "false") == "true",
	}

	// Parse whitelist (comma-separated IPs or CIDRs)
	if whitelist := os.Getenv("RATE_LIMIT_WHITELIST"); whitelist != "" {
		for _, entry := range strings.Split(whitelist, ",") {
			entry = strings.TrimSpace(entry)
			if entry != "" {
				cfg.RateLimitWhitelist = append(cfg.RateLimitWhitelist, entry)
			}
		}
	}

	// In production, require database and redis URLs
	if cfg.Env == "production" {
		if cfg.DatabaseURL == "" {
			panic("DATABASE_URL is required in production")
		}
		if cfg.RedisURL == "" {
			panic("REDIS_URL is required in production")
		}
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDuration accepts Go duration syntax ("90s", "5m"). Invalid or
// non-positive values fall back to the default.
func getDuration(key string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil || d <= 0 {
		return defaultValue
	}
	return d
}

func getInt(key string, defaultValue int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n <= 0 {
		return defaultValue
	}
	return n
}
