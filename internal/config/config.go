package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port         string
	RedisURL     string
	JWTSecret    string
	ServiceToken string
	LogLevel     string

	// GrantTTL bounds how long a signed topic grant stays usable.
	GrantTTL time.Duration

	// Client reconnect policy.
	ReconnectInitialWait time.Duration
	ReconnectMaxWait     time.Duration
	ReconnectMaxAttempts uint64

	// Per-client outbound buffer; a client that falls this far behind is evicted.
	SendBuffer int
}

func Load() *Config {
	return &Config{
		Port:                 getEnv("PORT", "8080"),
		RedisURL:             getEnv("REDIS_URL", "redis://localhost:6379"),
		JWTSecret:            getEnv("JWT_SECRET", ""),
		ServiceToken:         getEnv("SERVICE_TOKEN", ""),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		GrantTTL:             getEnvDuration("GRANT_TTL", 2*time.Minute),
		ReconnectInitialWait: getEnvDuration("RECONNECT_INITIAL_WAIT", 500*time.Millisecond),
		ReconnectMaxWait:     getEnvDuration("RECONNECT_MAX_WAIT", 30*time.Second),
		ReconnectMaxAttempts: uint64(getEnvInt("RECONNECT_MAX_ATTEMPTS", 8)),
		SendBuffer:           getEnvInt("SEND_BUFFER", 256),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
