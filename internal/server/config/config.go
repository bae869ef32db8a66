package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port           string
	StoragePath    string
	SnapshotPath   string
	StaticDir      string
	BaseURL        string
	MaxBodySize    string
	TokenLength    int
	MaxDownloads   int
	RecordTTL      time.Duration
	ReapInterval   time.Duration
	RateLimitRPS   float64
	RateLimitBurst int
	LogLevel       slog.Level
}

func Load() *Config {
	return &Config{
		Port:           getEnv("PORT", "3000"),
		StoragePath:    getEnv("STORAGE_PATH", ".cache/serve"),
		SnapshotPath:   getEnv("SNAPSHOT_PATH", ".cache/data"),
		StaticDir:      getEnv("STATIC_DIR", "dist"),
		BaseURL:        getEnv("BASE_URL", "http://localhost:3000"),
		MaxBodySize:    getEnv("MAX_BODY_SIZE", "10G"),
		TokenLength:    getEnvInt("TOKEN_LENGTH", 10),
		MaxDownloads:   getEnvInt("MAX_DOWNLOADS", 5),
		RecordTTL:      getEnvDuration("RECORD_TTL", 72*time.Hour),
		ReapInterval:   getEnvDuration("REAP_INTERVAL", 15*time.Minute),
		RateLimitRPS:   getEnvFloat64("RATE_LIMIT_RPS", 10),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 20),
		LogLevel:       getEnvLevel("LOG_LEVEL", slog.LevelInfo),
	}
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat64(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration syntax ("72h", "15m", "1h30m").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return fallback
}

// getEnvLevel accepts slog level names ("debug", "info", "warn", "error").
func getEnvLevel(key string, fallback slog.Level) slog.Level {
	if val := os.Getenv(key); val != "" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(val)); err == nil {
			return level
		}
	}
	return fallback
}
