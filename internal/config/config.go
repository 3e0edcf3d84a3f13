package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the gateway startup surface. Durations arrive from the
// environment in milliseconds, matching the deployment convention.
type Config struct {
	Port                   string
	WorkerURL              string
	JWTSecret              string
	StaleThreshold         time.Duration
	CleanupInterval        time.Duration
	MinHealthCheckInterval time.Duration
	MaxHealthCheckInterval time.Duration
	TaskTimeout            time.Duration
	CleanupDelay           time.Duration
	MaxRetries             int
	TasksTableDSN          string
	FleetFile              string
}

func FromEnv() (Config, error) {
	cfg := Config{
		Port:                   getenv("GATEWAY_PORT", "8080"),
		WorkerURL:              os.Getenv("WORKER_URL"),
		JWTSecret:              os.Getenv("JWT_SECRET"),
		StaleThreshold:         getenvMillis("SERVER_STALE_THRESHOLD", 300_000),
		CleanupInterval:        getenvMillis("SERVER_CLEANUP_INTERVAL", 60_000),
		MinHealthCheckInterval: getenvMillis("MIN_HEALTH_CHECK_INTERVAL", 5_000),
		MaxHealthCheckInterval: getenvMillis("MAX_HEALTH_CHECK_INTERVAL", 60_000),
		TaskTimeout:            getenvMillis("TASK_TIMEOUT", 3_600_000),
		CleanupDelay:           getenvMillis("CLEANUP_DELAY", 300_000),
		MaxRetries:             getenvInt("MAX_RETRIES", 3),
		TasksTableDSN:          os.Getenv("TASKS_TABLE_DSN"),
		FleetFile:              os.Getenv("FLEET_FILE"),
	}
	if cfg.WorkerURL == "" {
		return Config{}, fmt.Errorf("WORKER_URL is required")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvMillis(key string, fallback int64) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return time.Duration(fallback) * time.Millisecond
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return time.Duration(fallback) * time.Millisecond
	}
	return time.Duration(n) * time.Millisecond
}
