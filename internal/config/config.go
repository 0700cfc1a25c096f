// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string
	AuditLog  string

	// TLS (optional; if both set, server uses HTTPS)
	TLSCertFile string
	TLSKeyFile  string

	// Auth
	JWTSecret string
	TokenTTL  time.Duration
	UsersFile string

	// Storage backend ("local" or "s3", default: "local")
	StorageBackend string
	LocalUploadDir string

	// S3 storage
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3UseSSL    bool
	S3Prefix    string

	// State: JSON tables live in DataDir; shares move to PostgreSQL when
	// DatabaseURL is set.
	DataDir     string
	DatabaseURL string

	// Limits
	MaxEditSize        int64
	PreviewMaxSize     int64
	MaxPartSize        int64
	ArchiveStoreCutoff int64
	UploadExpiry       time.Duration
	TrashRetention     time.Duration
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:     envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:    envOr("METRICS_ADDR", ":9090"),
		LogLevel:       envOr("LOG_LEVEL", "info"),
		LogFormat:      envOr("LOG_FORMAT", "json"),
		AuditLog:       envOr("AUDIT_LOG", ""),
		TLSCertFile:    envOr("TLS_CERT_FILE", ""),
		TLSKeyFile:     envOr("TLS_KEY_FILE", ""),
		JWTSecret:      envOr("JWT_SECRET", ""),
		UsersFile:      envOr("USERS_FILE", ""),
		StorageBackend: envOr("STORAGE_BACKEND", "local"),
		LocalUploadDir: envOr("LOCAL_UPLOAD_DIR", ""),
		S3Endpoint:     envOr("S3_ENDPOINT", "http://localhost:9000"),
		S3Bucket:       envOr("S3_BUCKET", "basket"),
		S3AccessKey:    envOr("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:    envOr("S3_SECRET_KEY", "minioadmin"),
		S3Region:       envOr("S3_REGION", "us-east-1"),
		S3UseSSL:       envBool("S3_USE_SSL", false),
		S3Prefix:       envOr("S3_PREFIX", ""),
		DataDir:        envOr("DATA_DIR", "/data/basket"),
		DatabaseURL:    envOr("DATABASE_URL", ""),
	}

	var err error
	if cfg.TokenTTL, err = envDuration("TOKEN_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.UploadExpiry, err = envDuration("UPLOAD_EXPIRY", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.TrashRetention, err = envDuration("TRASH_RETENTION", 0); err != nil { // 0 = keep forever
		return nil, err
	}
	if cfg.MaxEditSize, err = envSize("MAX_EDIT_SIZE", 2<<20); err != nil {
		return nil, err
	}
	if cfg.PreviewMaxSize, err = envSize("PREVIEW_MAX_SIZE", 10<<20); err != nil {
		return nil, err
	}
	if cfg.MaxPartSize, err = envSize("MAX_PART_SIZE", 64<<20); err != nil {
		return nil, err
	}
	if cfg.ArchiveStoreCutoff, err = envSize("ARCHIVE_STORE_CUTOFF", 512<<20); err != nil {
		return nil, err
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.UsersFile == "" {
		return nil, fmt.Errorf("USERS_FILE is required")
	}
	if cfg.StorageBackend != "local" && cfg.StorageBackend != "s3" {
		return nil, fmt.Errorf("STORAGE_BACKEND must be local or s3, got %q", cfg.StorageBackend)
	}
	if cfg.LocalUploadDir == "" {
		cfg.LocalUploadDir = cfg.DataDir + "/uploads"
	}

	return cfg, nil
}

// TLSEnabled reports whether both certificate and key are configured.
func (c *Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func envSize(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := parseSize(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

var sizeUnits = []struct {
	suffix string
	mult   int64
}{
	{"TB", 1 << 40},
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
	{"B", 1},
}

// parseSize parses a byte count such as "512", "64KB" or "5MB".
// Units are binary; "-1" is accepted for settings that use it to disable.
func parseSize(s string) (int64, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	mult := int64(1)
	for _, u := range sizeUnits {
		if strings.HasSuffix(v, u.suffix) {
			v, mult = strings.TrimSpace(strings.TrimSuffix(v, u.suffix)), u.mult
			break
		}
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if n > 0 && n > (1<<62)/mult {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return n * mult, nil
}
