package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	AppEnv                string
	LogLevel              string
	LogFormat             string
	DatabaseURL           string
	DatabaseAutoMigrate   bool
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	AuthSecret            string
	AccessTokenTTLMinutes int
	AccessCacheTTLSeconds int

	// LedgerWriteLock is one of none, local or redis.
	LedgerWriteLock       string
	LedgerLockTTLSeconds  int
	RollupScheduleEnabled bool

	// BlobBackend is one of local, gcs or memory.
	BlobBackend        string
	BlobLocalDir       string
	BlobPublicBaseURL  string
	GCSBucket          string
	GCSCredentialsJSON string
}

// Load reads configuration from the environment, after merging an optional
// .env file from the working directory.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		AppEnv:                getEnv("APP_ENV", "development"),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		LogFormat:             getEnv("LOG_FORMAT", "json"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		DatabaseAutoMigrate:   getBool("DATABASE_AUTO_MIGRATE", true),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               getInt("REDIS_DB", 0, 0),
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: getInt("ACCESS_TOKEN_TTL_MINUTES", 480, 1),
		AccessCacheTTLSeconds: getInt("ACCESS_CACHE_TTL_SECONDS", 30, 0),
		LedgerWriteLock:       strings.ToLower(getEnv("LEDGER_WRITE_LOCK", "none")),
		LedgerLockTTLSeconds:  getInt("LEDGER_LOCK_TTL_SECONDS", 10, 1),
		RollupScheduleEnabled: getBool("ROLLUP_SCHEDULE_ENABLED", true),
		BlobBackend:           strings.ToLower(getEnv("BLOB_BACKEND", "local")),
		BlobLocalDir:          getEnv("BLOB_LOCAL_DIR", "./data/blobs"),
		BlobPublicBaseURL:     strings.TrimRight(os.Getenv("BLOB_PUBLIC_BASE_URL"), "/"),
		GCSBucket:             os.Getenv("GCS_BUCKET"),
		GCSCredentialsJSON:    os.Getenv("GCS_CREDENTIALS_JSON"),
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

// Validate reports settings that cannot be served at all.
func (c Config) Validate() error {
	switch c.LedgerWriteLock {
	case "none", "local":
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("LEDGER_WRITE_LOCK=redis requires REDIS_ADDR")
		}
	default:
		return fmt.Errorf("LEDGER_WRITE_LOCK must be none, local or redis, got %q", c.LedgerWriteLock)
	}

	switch c.BlobBackend {
	case "local", "memory":
	case "gcs":
		if c.GCSBucket == "" {
			return fmt.Errorf("BLOB_BACKEND=gcs requires GCS_BUCKET")
		}
	default:
		return fmt.Errorf("BLOB_BACKEND must be local, gcs or memory, got %q", c.BlobBackend)
	}
	return nil
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getInt(key string, fallback int, min int) int {
	val, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || val < min {
		return fallback
	}
	return val
}

func getBool(key string, fallback bool) bool {
	val, err := strconv.ParseBool(getEnv(key, strconv.FormatBool(fallback)))
	if err != nil {
		return fallback
	}
	return val
}
