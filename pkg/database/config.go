package database

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Environment defaults for local development.
const (
	defaultHost     = "localhost"
	defaultPort     = 5432
	defaultUser     = "sigmaflow"
	defaultDatabase = "sigmaflow"
	defaultSSLMode  = "disable"
)

// LoadConfigFromEnv builds the database Config from DATABASE_* environment
// variables. The password is required; everything else has a default.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		Host:            envOr("DATABASE_HOST", defaultHost),
		User:            envOr("DATABASE_USER", defaultUser),
		Password:        os.Getenv("DATABASE_PASSWORD"),
		Database:        envOr("DATABASE_NAME", defaultDatabase),
		SSLMode:         envOr("DATABASE_SSL_MODE", defaultSSLMode),
		MaxOpenConns:    envIntOr("DATABASE_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    envIntOr("DATABASE_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: envDurationOr("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
		ConnMaxIdleTime: envDurationOr("DATABASE_CONN_MAX_IDLE_TIME", 5*time.Minute),
	}

	cfg.Port = envIntOr("DATABASE_PORT", defaultPort)

	if cfg.Password == "" {
		return Config{}, fmt.Errorf("DATABASE_PASSWORD is required")
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
