package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	Port         string
	DatabasePath string
	RedisURL     string // optional; enables the outbox instance lease
	JWTSecret    string // optional; empty disables WebSocket auth (dev mode)

	// Effect runner tuning
	PollInterval    time.Duration
	BatchSize       int
	EffectTTL       time.Duration
	Cooldown        time.Duration
	DeliveryTimeout time.Duration

	// Timer daemon
	TimerPollInterval time.Duration

	// Autonomy policy limits. MaxConsecutiveSends <= 0 disables that limit.
	AutonomyMaxConsecutiveSends int
	AutonomyMinQuietPeriod      time.Duration
	AutonomyMaxIdlePeriod       time.Duration

	// Retention cleanup for terminal effects and fired timers
	RetentionPeriod  time.Duration
	CleanupInterval  time.Duration

	// Inbound WebSocket message rate limit (messages per second per connection)
	InboundRatePerSecond float64
	InboundRateBurst     int
}

// Load loads configuration from environment variables with defaults
func Load() *Config {
	return &Config{
		Port:         getEnv("PORT", "3001"),
		DatabasePath: getEnv("DATABASE_PATH", "courier.db"),
		RedisURL:     getEnv("REDIS_URL", ""),
		JWTSecret:    getEnv("JWT_SECRET", ""),

		PollInterval:    getDurationMsEnv("POLL_INTERVAL_MS", 500*time.Millisecond),
		BatchSize:       getIntEnv("BATCH_SIZE", 100),
		EffectTTL:       getDurationMsEnv("EFFECT_TTL_MS", 24*time.Hour),
		Cooldown:        getDurationMsEnv("COOLDOWN_MS", 10*time.Second),
		DeliveryTimeout: getDurationMsEnv("DELIVERY_TIMEOUT_MS", 5*time.Second),

		TimerPollInterval: getDurationMsEnv("TIMER_POLL_INTERVAL_MS", time.Second),

		AutonomyMaxConsecutiveSends: getIntEnv("AUTONOMY_MAX_CONSECUTIVE_SENDS", 3),
		AutonomyMinQuietPeriod:      getDurationMsEnv("AUTONOMY_MIN_QUIET_MS", 5*time.Minute),
		AutonomyMaxIdlePeriod:       getDurationMsEnv("AUTONOMY_MAX_IDLE_MS", 7*24*time.Hour),

		RetentionPeriod: getDurationMsEnv("RETENTION_PERIOD_MS", 30*24*time.Hour),
		CleanupInterval: getDurationMsEnv("CLEANUP_INTERVAL_MS", time.Hour),

		InboundRatePerSecond: getFloatEnv("INBOUND_RATE_PER_SECOND", 5),
		InboundRateBurst:     getIntEnv("INBOUND_RATE_BURST", 10),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getDurationMsEnv reads an integer number of milliseconds
func getDurationMsEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err == nil && parsed >= 0 {
			return time.Duration(parsed) * time.Millisecond
		}
	}
	return defaultValue
}
