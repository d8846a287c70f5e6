package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend names accepted by the *_BACKEND settings.
const (
	BackendPostgres  = "postgres"
	BackendMemory    = "memory"
	BackendGCS       = "gcs"
	BackendFirestore = "firestore"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	LogLevel    string   `mapstructure:"LOG_LEVEL"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`
	BodyLimit   string   `mapstructure:"BODY_LIMIT"`

	StoreBackend     string `mapstructure:"STORE_BACKEND"`
	DatabaseURL      string `mapstructure:"DATABASE_URL"`
	DBMaxConns       int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns       int32  `mapstructure:"DB_MIN_CONNS"`
	MigrationsSchema string `mapstructure:"MIGRATIONS_SCHEMA"`
	AutoMigrate      bool   `mapstructure:"AUTO_MIGRATE"`

	OrthancURL            string        `mapstructure:"ORTHANC_URL"`
	OrthancUsername       string        `mapstructure:"ORTHANC_USERNAME"`
	OrthancPassword       string        `mapstructure:"ORTHANC_PASSWORD"`
	OrthancPasswordSecret string        `mapstructure:"ORTHANC_PASSWORD_SECRET"`
	OrthancTimeout        time.Duration `mapstructure:"ORTHANC_TIMEOUT"`
	OrthancArchiveTimeout time.Duration `mapstructure:"ORTHANC_ARCHIVE_TIMEOUT"`

	GCPProjectID     string `mapstructure:"GCP_PROJECT_ID"`
	StorageBackend   string `mapstructure:"STORAGE_BACKEND"`
	StorageBucket    string `mapstructure:"STORAGE_BUCKET"`
	StoragePublicURL string `mapstructure:"STORAGE_PUBLIC_URL"`
	StorageCDNDomain string `mapstructure:"STORAGE_CDN_DOMAIN"`

	ResultCacheBackend    string        `mapstructure:"RESULT_CACHE_BACKEND"`
	ResultCacheCollection string        `mapstructure:"RESULT_CACHE_COLLECTION"`
	ResultTTL             time.Duration `mapstructure:"RESULT_TTL"`

	IngestConcurrency      int           `mapstructure:"INGEST_CONCURRENCY"`
	IngestPollInterval     time.Duration `mapstructure:"INGEST_POLL_INTERVAL"`
	ArchiveConcurrency     int           `mapstructure:"ARCHIVE_CONCURRENCY"`
	ArchivePollInterval    time.Duration `mapstructure:"ARCHIVE_POLL_INTERVAL"`
	ArchiveExpiryDays      int           `mapstructure:"ARCHIVE_EXPIRY_DAYS"`
	ArchiveCleanupInterval time.Duration `mapstructure:"ARCHIVE_CLEANUP_INTERVAL"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "CORS_ORIGINS", "BODY_LIMIT",
	"STORE_BACKEND", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_SCHEMA", "AUTO_MIGRATE",
	"ORTHANC_URL", "ORTHANC_USERNAME", "ORTHANC_PASSWORD", "ORTHANC_PASSWORD_SECRET",
	"ORTHANC_TIMEOUT", "ORTHANC_ARCHIVE_TIMEOUT",
	"GCP_PROJECT_ID", "STORAGE_BACKEND", "STORAGE_BUCKET", "STORAGE_PUBLIC_URL", "STORAGE_CDN_DOMAIN",
	"RESULT_CACHE_BACKEND", "RESULT_CACHE_COLLECTION", "RESULT_TTL",
	"INGEST_CONCURRENCY", "INGEST_POLL_INTERVAL", "ARCHIVE_CONCURRENCY", "ARCHIVE_POLL_INTERVAL",
	"ARCHIVE_EXPIRY_DAYS", "ARCHIVE_CLEANUP_INTERVAL",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("BODY_LIMIT", "1MiB")
	v.SetDefault("STORE_BACKEND", BackendPostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("MIGRATIONS_SCHEMA", "public")
	v.SetDefault("AUTO_MIGRATE", false)
	v.SetDefault("ORTHANC_URL", "http://localhost:8042")
	v.SetDefault("ORTHANC_USERNAME", "orthanc")
	v.SetDefault("ORTHANC_PASSWORD", "orthanc")
	v.SetDefault("ORTHANC_TIMEOUT", "10s")
	v.SetDefault("ORTHANC_ARCHIVE_TIMEOUT", "10m")
	v.SetDefault("STORAGE_BACKEND", BackendGCS)
	v.SetDefault("STORAGE_BUCKET", "study-archives")
	v.SetDefault("RESULT_CACHE_BACKEND", BackendFirestore)
	v.SetDefault("RESULT_CACHE_COLLECTION", "job_results")
	v.SetDefault("RESULT_TTL", "1h")
	v.SetDefault("INGEST_CONCURRENCY", 10)
	v.SetDefault("INGEST_POLL_INTERVAL", "100ms")
	v.SetDefault("ARCHIVE_CONCURRENCY", 5)
	v.SetDefault("ARCHIVE_POLL_INTERVAL", "500ms")
	v.SetDefault("ARCHIVE_EXPIRY_DAYS", 90)
	v.SetDefault("ARCHIVE_CLEANUP_INTERVAL", "24h")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i, o := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(o)
	}

	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	cfg.StorageBackend = strings.ToLower(strings.TrimSpace(cfg.StorageBackend))
	cfg.ResultCacheBackend = strings.ToLower(strings.TrimSpace(cfg.ResultCacheBackend))

	if cfg.StoreBackend == BackendPostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when STORE_BACKEND=%s", BackendPostgres)
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ArchiveExpiry is the lifetime of a generated study archive.
func (c *Config) ArchiveExpiry() time.Duration {
	return time.Duration(c.ArchiveExpiryDays) * 24 * time.Hour
}

// NeedsGCP reports whether any configured backend talks to Google Cloud.
func (c *Config) NeedsGCP() bool {
	return c.StorageBackend == BackendGCS || c.ResultCacheBackend == BackendFirestore || c.OrthancPasswordSecret != ""
}

// Validate checks that the configuration is safe to run. In-memory backends
// lose data on restart and are refused in production.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendPostgres, BackendMemory:
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", BackendPostgres, BackendMemory, c.StoreBackend)
	}
	switch c.StorageBackend {
	case BackendGCS, BackendMemory:
	default:
		return fmt.Errorf("STORAGE_BACKEND must be %q or %q, got %q", BackendGCS, BackendMemory, c.StorageBackend)
	}
	switch c.ResultCacheBackend {
	case BackendFirestore, BackendMemory:
	default:
		return fmt.Errorf("RESULT_CACHE_BACKEND must be %q or %q, got %q", BackendFirestore, BackendMemory, c.ResultCacheBackend)
	}

	if c.IsProduction() {
		for name, b := range map[string]string{
			"STORE_BACKEND":        c.StoreBackend,
			"STORAGE_BACKEND":      c.StorageBackend,
			"RESULT_CACHE_BACKEND": c.ResultCacheBackend,
		} {
			if b == BackendMemory {
				return fmt.Errorf("%s=%s is not allowed in production", name, BackendMemory)
			}
		}
	}

	if c.NeedsGCP() && c.GCPProjectID == "" {
		return fmt.Errorf("GCP_PROJECT_ID is required for Google Cloud backends")
	}
	if c.StorageBucket == "" {
		return fmt.Errorf("STORAGE_BUCKET is required")
	}
	if c.OrthancURL == "" {
		return fmt.Errorf("ORTHANC_URL is required")
	}
	if c.IngestConcurrency < 1 || c.ArchiveConcurrency < 1 {
		return fmt.Errorf("INGEST_CONCURRENCY and ARCHIVE_CONCURRENCY must be at least 1")
	}
	if c.ArchiveExpiryDays < 1 {
		return fmt.Errorf("ARCHIVE_EXPIRY_DAYS must be at least 1, got %d", c.ArchiveExpiryDays)
	}
	if c.ResultTTL <= 0 {
		return fmt.Errorf("RESULT_TTL must be positive")
	}

	return nil
}
