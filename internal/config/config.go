package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	OTLPEndpoint string

	HTTPAddr string
	// InternalAPIToken guards /internal routes. Empty leaves them open.
	InternalAPIToken string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBRunMigrations   bool
	SeedDemoData      bool

	Redis RedisConfig

	// MeteringBackend selects the usage gate implementation: "sql" or "redis".
	MeteringBackend string
	// GeoBackend selects the merchant locator: "sql" or "redis".
	GeoBackend string
	// GeoResyncInterval rebuilds the redis GEO set so merchants added or
	// deactivated after start are picked up.
	GeoResyncInterval time.Duration

	TriggerRateLimit TriggerRateLimitConfig

	Scheduler SchedulerConfig
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// SchedulerConfig is the process-level part of the scheduler. Matching
// behaviour lives in ReconcileConfig.
type SchedulerConfig struct {
	RunInterval time.Duration
	EnabledJobs []string
	RunLock     bool
}

// TriggerRateLimitConfig bounds manual reconcile triggers over HTTP.
type TriggerRateLimitConfig struct {
	Enabled bool
	Rate    float64
	Burst   int
	TTL     time.Duration
}

const (
	BackendSQL   = "sql"
	BackendRedis = "redis"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "rewardlink"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		InternalAPIToken:  strings.TrimSpace(getenv("INTERNAL_API_TOKEN", "")),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "rewardlink"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME_SECONDS", 1800),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_SECONDS", 300),
		DBRunMigrations:   getenvBool("DATABASE_RUN_MIGRATIONS", true),
		SeedDemoData:      getenvBool("DATABASE_SEED_DEMO", false),
		Redis: RedisConfig{
			Enabled:  getenvBool("REDIS_ENABLED", false),
			Addr:     getenv("REDIS_ADDR", "localhost:6379"),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
		},
		MeteringBackend:   normalizeBackend(getenv("METERING_BACKEND", BackendSQL)),
		GeoBackend:        normalizeBackend(getenv("GEO_BACKEND", BackendSQL)),
		GeoResyncInterval: time.Duration(getenvInt("GEO_RESYNC_INTERVAL_SECONDS", 600)) * time.Second,
		TriggerRateLimit: TriggerRateLimitConfig{
			Enabled: getenvBool("RECONCILE_TRIGGER_RATE_LIMIT_ENABLED", true),
			Rate:    getenvFloat("RECONCILE_TRIGGER_RATE_PER_SECOND", 0.1),
			Burst:   getenvInt("RECONCILE_TRIGGER_BURST", 2),
			TTL:     time.Duration(getenvInt("RECONCILE_TRIGGER_TTL_SECONDS", 120)) * time.Second,
		},
		Scheduler: SchedulerConfig{
			RunInterval: time.Duration(getenvInt("SCHEDULER_RUN_INTERVAL_SECONDS", 300)) * time.Second,
			EnabledJobs: getenvList("SCHEDULER_ENABLED_JOBS"),
			RunLock:     getenvBool("SCHEDULER_RUN_LOCK", true),
		},
	}

	// Redis-backed components fall back to SQL when redis is off.
	if !cfg.Redis.Enabled {
		cfg.MeteringBackend = BackendSQL
		cfg.GeoBackend = BackendSQL
	}

	return cfg
}

func normalizeBackend(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case BackendRedis:
		return BackendRedis
	default:
		return BackendSQL
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}
