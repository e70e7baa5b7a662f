package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	LogLevel       string
	Redis          RedisConfig
	Rooms          RoomConfig
	// MaxMessagesPerSecond limits inbound signaling events per connection.
	// Zero disables the limit.
	MaxMessagesPerSecond float64
}

type RedisConfig struct {
	// Enabled is true when REDIS_HOST is set; the room directory mirror is
	// optional.
	Enabled  bool
	Host     string
	Port     string
	Password string
	DB       int
	TTL      time.Duration
}

type RoomConfig struct {
	TTL             time.Duration
	SweepInterval   time.Duration
	MinIDLength     int
	MaxParticipants int
	// AllowBroadcastSignals permits signal events without a target, relayed
	// to every other participant in the room.
	AllowBroadcastSignals bool
}

func Load() *Config {
	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	origins := splitCommaSeparated(originsStr)

	roomTTL := getDuration("ROOM_TTL", 24*time.Hour)

	return &Config{
		Port:                 getEnv("PORT", "8080"),
		Environment:          getEnv("ENVIRONMENT", "development"),
		AllowedOrigins:       origins,
		JWTSecret:            getEnv("JWT_SECRET", "change-me-in-production"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		MaxMessagesPerSecond: getFloat("MAX_SIGNALING_MESSAGES_PER_SECOND", 0),
		Redis: RedisConfig{
			Enabled:  os.Getenv("REDIS_HOST") != "",
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getInt("REDIS_DB", 0),
			TTL:      roomTTL,
		},
		Rooms: RoomConfig{
			TTL:                   roomTTL,
			SweepInterval:         getDuration("ROOM_SWEEP_INTERVAL", time.Hour),
			MinIDLength:           getInt("ROOM_MIN_ID_LENGTH", 3),
			MaxParticipants:       getInt("ROOM_MAX_PARTICIPANTS", 0),
			AllowBroadcastSignals: getBool("ALLOW_BROADCAST_SIGNALS", false),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultValue
}

func getFloat(key string, defaultValue float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return f
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
		return d
	}
	return defaultValue
}

func splitCommaSeparated(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
