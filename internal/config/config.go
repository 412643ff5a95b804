package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr     string
	LogLevel slog.Level

	DBPath      string
	DatabaseURL string
	RedisURL    string
	LibraryRoot string

	ChunkSize      int
	ImportInterval time.Duration

	WebhookURL        string
	WebhookMaxRetries int
	WebhookTimeout    time.Duration

	RecreateCommand   string
	RecreateArgs      []string
	DeletePurgedFiles bool
}

// Load reads files (default .env) into the environment without overriding
// variables that are already set, then builds a Config. Missing files are
// ignored.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return FromEnv(), nil
}

func FromEnv() Config {
	return Config{
		Addr:              getenv("API_ADDR", ":8080"),
		LogLevel:          ParseLogLevel(getenv("LOG_LEVEL", "INFO")),
		DBPath:            getenv("DB_PATH", "./data/comics.db"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          os.Getenv("REDIS_URL"),
		LibraryRoot:       os.Getenv("LIBRARY_ROOT"),
		ChunkSize:         getEnvInt("CHUNK_SIZE", 10),
		ImportInterval:    getEnvDuration("IMPORT_INTERVAL", time.Minute),
		WebhookURL:        os.Getenv("WEBHOOK_URL"),
		WebhookMaxRetries: getEnvInt("WEBHOOK_MAX_RETRIES", 5),
		WebhookTimeout:    time.Duration(getEnvInt("WEBHOOK_TIMEOUT_SEC", 10)) * time.Second,
		RecreateCommand:   getenv("RECREATE_COMMAND", "zip"),
		RecreateArgs:      strings.Fields(os.Getenv("RECREATE_ARGS")),
		DeletePurgedFiles: getEnvBool("DELETE_PURGED_FILES", false),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		var out int
		_, err := fmt.Sscanf(v, "%d", &out)
		if err == nil {
			return out
		}
	}
	return def
}

// getEnvDuration accepts Go durations ("90s") or a bare number of seconds.
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func ParseLogLevel(s string) slog.Level {
	switch s {
	case "DEBUG", "debug":
		return slog.LevelDebug
	case "INFO", "info":
		return slog.LevelInfo
	case "WARN", "warning", "warn":
		return slog.LevelWarn
	case "ERROR", "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
