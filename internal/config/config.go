package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration loaded from environment
// variables, with a .env file as the local-development source.
type Config struct {
	// Platforms enabled for ingestion runs.
	Platforms []string

	// Request shaping.
	RequestDelay   time.Duration
	MaxBackoff     time.Duration
	CooldownStreak int
	RequestTimeout time.Duration
	MaxRetries     int
	MaxPages       int

	// Session lifecycle.
	SessionPath   string
	SessionMaxAge time.Duration

	// Dedup policy: how many trailing snapshots a fingerprint match
	// still counts as the same listing.
	DedupWindow int

	// Failure threshold: fraction of failed pages above which a run
	// terminates PartiallyFailed.
	PageFailureThreshold float64

	// Snapshot storage. PostgresDSN empty means file-backed.
	SnapshotDir string
	PostgresDSN string

	// Scheduler cron expression for the daemon mode.
	CronSpec string
}

// Load reads the .env file and returns a populated Config.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("[config] no .env file found, using system env vars")
	}

	return &Config{
		Platforms: getEnvList("PLATFORMS", []string{"mercadolibre", "craigslist"}),

		RequestDelay:   getEnvDuration("REQUEST_DELAY", 2*time.Second),
		MaxBackoff:     getEnvDuration("MAX_BACKOFF", 5*time.Minute),
		CooldownStreak: getEnvInt("COOLDOWN_STREAK", 5),
		RequestTimeout: getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
		MaxRetries:     getEnvInt("MAX_RETRIES", 3),
		MaxPages:       getEnvInt("MAX_PAGES", 10),

		SessionPath:   getEnv("SESSION_PATH", "./data/sessions.json"),
		SessionMaxAge: getEnvDuration("SESSION_MAX_AGE", 45*24*time.Hour),

		DedupWindow: getEnvInt("DEDUP_WINDOW_SNAPSHOTS", 3),

		PageFailureThreshold: getEnvFloat("PAGE_FAILURE_THRESHOLD", 0.5),

		SnapshotDir: getEnv("SNAPSHOT_DIR", "./data/snapshots"),
		PostgresDSN: getEnv("POSTGRES_DSN", ""),

		CronSpec: getEnv("CRON_SPEC", "0 6 * * *"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Printf("[config] invalid int for %s, using %d", key, fallback)
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		log.Printf("[config] invalid float for %s, using %g", key, fallback)
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		log.Printf("[config] invalid duration for %s, using %s", key, fallback)
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
