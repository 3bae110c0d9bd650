package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	PushRedis   = "redis"
	PushStreams = "streams"
	PushNone    = "none"

	PrefsFile     = "file"
	PrefsSQLite   = "sqlite"
	PrefsPostgres = "postgres"
	PrefsRedis    = "redis"
	PrefsMemory   = "memory"
)

// Config holds everything the CLI needs to reach the record service, the
// task update feed and the preference store.
type Config struct {
	BaseURL        string
	APIToken       string
	Timeout        time.Duration
	MaxRetries     int
	RateLimitRPS   float64
	RateLimitBurst int
	// TraceHTTP logs one line per outbound request.
	TraceHTTP bool

	PushBackend   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PushChannel   string
	PushStream    string

	PrefsBackend    string
	PrefsPath       string
	PrefsSQLitePath string
	DatabaseURL     string
	PrefsRedisKey   string

	TaskPollInterval time.Duration
	RefreshDelay     time.Duration

	BulkPageSize  int
	BulkRenderCap int
	BulkMaxPages  int
}

func Load() Config {
	return Config{
		BaseURL:        strings.TrimRight(getEnv("VESTIGIUM_BASE_URL", "http://localhost:8008"), "/"),
		APIToken:       getEnv("VESTIGIUM_API_TOKEN", ""),
		Timeout:        getEnvMillis("VESTIGIUM_TIMEOUT_MS", 15000),
		MaxRetries:     getEnvInt("VESTIGIUM_MAX_RETRIES", 2),
		RateLimitRPS:   getEnvFloat("VESTIGIUM_RATE_LIMIT_RPS", 20),
		RateLimitBurst: getEnvInt("VESTIGIUM_RATE_LIMIT_BURST", 40),
		TraceHTTP:      getEnvBool("VESTIGIUM_TRACE_HTTP", false),

		PushBackend:   strings.ToLower(getEnv("PUSH_BACKEND", PushRedis)),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		PushChannel:   getEnv("PUSH_CHANNEL", "task-updates"),
		PushStream:    getEnv("PUSH_STREAM", "task-updates"),

		PrefsBackend:    strings.ToLower(getEnv("PREFS_BACKEND", PrefsFile)),
		PrefsPath:       getEnv("PREFS_PATH", "./data/prefs.json"),
		PrefsSQLitePath: getEnv("PREFS_SQLITE_PATH", "./data/prefs.db"),
		DatabaseURL:     getEnv("DATABASE_URL", ""),
		PrefsRedisKey:   getEnv("PREFS_REDIS_KEY", "vestigium:prefs"),

		TaskPollInterval: getEnvMillis("TASK_POLL_INTERVAL_MS", 2000),
		RefreshDelay:     getEnvMillis("AUTO_REFRESH_DELAY_MS", 900),

		BulkPageSize:  getEnvInt("BULK_PAGE_SIZE", 100),
		BulkRenderCap: getEnvInt("BULK_RENDER_CAP", 500),
		BulkMaxPages:  getEnvInt("BULK_MAX_PAGES", 50),
	}
}

// Validate rejects backend names nothing knows how to build.
func (c Config) Validate() error {
	switch c.PushBackend {
	case PushRedis, PushStreams, PushNone:
	default:
		return fmt.Errorf("unknown PUSH_BACKEND %q", c.PushBackend)
	}
	switch c.PrefsBackend {
	case PrefsFile, PrefsSQLite, PrefsPostgres, PrefsRedis, PrefsMemory:
	default:
		return fmt.Errorf("unknown PREFS_BACKEND %q", c.PrefsBackend)
	}
	if c.PrefsBackend == PrefsPostgres && c.DatabaseURL == "" {
		return fmt.Errorf("PREFS_BACKEND=postgres requires DATABASE_URL")
	}
	return nil
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	parsed, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	parsed, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	parsed, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return parsed
}

// getEnvMillis reads a millisecond count. Zero is kept, negative values fall back.
func getEnvMillis(key string, fallback int) time.Duration {
	ms := getEnvInt(key, fallback)
	if ms < 0 {
		ms = fallback
	}
	return time.Duration(ms) * time.Millisecond
}
