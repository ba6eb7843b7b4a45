// Package config reads the service configuration from the environment.
// A .env file (or the file named by ENV_FILE) is loaded first when present.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"memoryvault/internal/enrich"
	"memoryvault/internal/orchestrator"
	"memoryvault/internal/reconcile"
	"memoryvault/internal/storage/backup"
	"memoryvault/internal/storage/objectstore"
)

var ErrInvalidConfig = errors.New("invalid configuration")

const (
	BackendMemory = "memory"
	BackendS3     = "s3"
	BackendNATS   = "nats"
)

type Config struct {
	AppEnv          string
	LogLevel        slog.Level
	HTTPAddr        string
	ShutdownTimeout time.Duration
	CORSOrigins     []string

	DatabaseURL string

	ObjectStore ObjectStoreConfig
	Backup      BackupConfig
	Session     SessionConfig

	Orchestrator orchestrator.Config
	Reconcile    ReconcileConfig
	Enrich       enrich.Config
	Auth         AuthConfig
}

type ObjectStoreConfig struct {
	Backend string
	S3      objectstore.S3Config
}

// BackupConfig is disabled when no Kubo API URL is configured.
type BackupConfig struct {
	Enabled bool
	Kubo    backup.Config
}

type SessionConfig struct {
	Backend    string
	MaxEntries int
	NATSURL    string
	NATSBucket string
}

type ReconcileConfig struct {
	Enabled bool
	reconcile.Config
}

// Load reads .env (ENV_FILE overrides the path) and then the process
// environment. Variables already set in the environment win.
func Load() (*Config, error) {
	envFile := getEnv("ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}
	return FromEnv()
}

// FromEnv builds the configuration from the process environment only.
func FromEnv() (*Config, error) {
	r := &envReader{}

	appEnv := strings.TrimSpace(os.Getenv("APP_ENV"))
	if appEnv == "" {
		appEnv = strings.TrimSpace(os.Getenv("ENV"))
	}
	if appEnv == "" {
		appEnv = "dev"
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(getEnv("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("%w: LOG_LEVEL: %v", ErrInvalidConfig, err)
	}

	keyPrefix := strings.Trim(getEnv("OBJECT_KEY_PREFIX", "memories"), "/")
	apiURL := strings.TrimSpace(os.Getenv("IPFS_API_URL"))

	cfg := &Config{
		AppEnv:          strings.ToLower(appEnv),
		LogLevel:        level,
		HTTPAddr:        ":" + strings.TrimPrefix(getEnv("PORT", "8080"), ":"),
		ShutdownTimeout: r.duration("SHUTDOWN_TIMEOUT", "30s"),
		CORSOrigins:     parseListEnv("CORS_ORIGINS"),

		DatabaseURL: getEnv("DATABASE_URL", "data/memoryvault.db"),

		ObjectStore: ObjectStoreConfig{
			Backend: strings.ToLower(getEnv("OBJECT_STORE_BACKEND", BackendMemory)),
			S3: objectstore.S3Config{
				Endpoint:        os.Getenv("S3_ENDPOINT"),
				Region:          getEnv("S3_REGION", "auto"),
				Bucket:          os.Getenv("S3_BUCKET"),
				AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
				SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
				UsePathStyle:    parseBoolEnv("S3_USE_PATH_STYLE", "false"),
			},
		},

		Backup: BackupConfig{
			Enabled: apiURL != "",
			Kubo: backup.Config{
				APIURL:         apiURL,
				GatewayURL:     getEnv("IPFS_GATEWAY_URL", "https://ipfs.io"),
				AttemptTimeout: r.duration("IPFS_TIMEOUT", "30s"),
				MaxAttempts:    r.int("IPFS_MAX_ATTEMPTS", 3),
				InitialBackoff: r.duration("IPFS_RETRY_BACKOFF", "500ms"),
				MaxBackoff:     r.duration("IPFS_RETRY_MAX_BACKOFF", "5s"),
				Pin:            parseBoolEnv("IPFS_PIN", "true"),
			},
		},

		Session: SessionConfig{
			Backend:    strings.ToLower(getEnv("SESSION_BACKEND", BackendMemory)),
			MaxEntries: r.int("SESSION_MAX_ENTRIES", 10000),
			NATSURL:    getEnv("NATS_URL", "nats://127.0.0.1:4222"),
			NATSBucket: getEnv("NATS_SESSION_BUCKET", "memoryvault_sessions"),
		},

		Orchestrator: orchestrator.Config{
			CriticalPathTimeout: r.duration("UPLOAD_TIMEOUT", "3s"),
			BackupBudget:        r.duration("BACKUP_BUDGET", "2m"),
			SessionTTL:          r.duration("SESSION_TTL", "15m"),
			KeyPrefix:           keyPrefix,
			MaxFileSize:         r.int64("MAX_FILE_SIZE", 25<<20),
			AllowedContentTypes: parseListEnv("ALLOWED_CONTENT_TYPES"),
		},

		Reconcile: ReconcileConfig{
			Enabled: parseBoolEnv("RECONCILE_ENABLED", "true"),
			Config: reconcile.Config{
				Interval:    r.duration("RECONCILE_INTERVAL", "15m"),
				OrphanGrace: r.duration("RECONCILE_ORPHAN_GRACE", "1h"),
				BackupGrace: r.duration("RECONCILE_BACKUP_GRACE", "30m"),
				PurgeAfter:  r.duration("RECONCILE_PURGE_AFTER", "0s"),
				BatchSize:   r.int("RECONCILE_BATCH_SIZE", 100),
				Concurrency: r.int("RECONCILE_CONCURRENCY", 4),
				KeyPrefix:   keyPrefix,
			},
		},

		Enrich: enrich.Config{
			BaseURL:      os.Getenv("DISCORD_API_URL"),
			BotToken:     os.Getenv("DISCORD_BOT_TOKEN"),
			Timeout:      r.duration("DISCORD_API_TIMEOUT", "2s"),
			CacheTTL:     r.duration("DISCORD_NAME_CACHE_TTL", "1h"),
			CacheSize:    r.int("DISCORD_NAME_CACHE_SIZE", 1024),
			FallbackName: getEnv("DISCORD_FALLBACK_NAME", enrich.DefaultFallbackName),
		},

		Auth: loadAuth(r),
	}
	if r.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, r.err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints. All errors match ErrInvalidConfig.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.DatabaseURL != "", "DATABASE_URL must not be empty")
	check(c.ShutdownTimeout > 0, "SHUTDOWN_TIMEOUT must be > 0")

	switch c.ObjectStore.Backend {
	case BackendMemory:
		check(!isProdLike(c.AppEnv), "in prod/release OBJECT_STORE_BACKEND must not be %q", BackendMemory)
	case BackendS3:
		check(c.ObjectStore.S3.Bucket != "", "S3_BUCKET is required for the s3 backend")
	default:
		check(false, "OBJECT_STORE_BACKEND must be one of: memory, s3")
	}

	switch c.Session.Backend {
	case BackendMemory:
		check(c.Session.MaxEntries > 0, "SESSION_MAX_ENTRIES must be > 0")
	case BackendNATS:
		check(c.Session.NATSURL != "", "NATS_URL is required for the nats session backend")
	default:
		check(false, "SESSION_BACKEND must be one of: memory, nats")
	}

	o := c.Orchestrator
	check(o.CriticalPathTimeout > 0, "UPLOAD_TIMEOUT must be > 0")
	check(o.BackupBudget > 0, "BACKUP_BUDGET must be > 0")
	check(o.SessionTTL > 0, "SESSION_TTL must be > 0")
	check(o.MaxFileSize >= 0, "MAX_FILE_SIZE must be >= 0")

	if c.Backup.Enabled {
		k := c.Backup.Kubo
		check(k.AttemptTimeout > 0, "IPFS_TIMEOUT must be > 0")
		check(k.MaxAttempts >= 1, "IPFS_MAX_ATTEMPTS must be >= 1")
		check(k.AttemptTimeout < o.BackupBudget, "IPFS_TIMEOUT must be shorter than BACKUP_BUDGET")
	}

	if c.Reconcile.Enabled {
		rc := c.Reconcile.Config
		check(rc.Interval > 0, "RECONCILE_INTERVAL must be > 0")
		check(rc.OrphanGrace > 2*o.CriticalPathTimeout, "RECONCILE_ORPHAN_GRACE must be well above UPLOAD_TIMEOUT")
		check(rc.BackupGrace > o.BackupBudget, "RECONCILE_BACKUP_GRACE must exceed BACKUP_BUDGET")
		check(rc.PurgeAfter >= 0, "RECONCILE_PURGE_AFTER must be >= 0")
		check(rc.BatchSize > 0, "RECONCILE_BATCH_SIZE must be > 0")
		check(rc.Concurrency > 0, "RECONCILE_CONCURRENCY must be > 0")
	}

	if err := c.Auth.validate(c.AppEnv); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return isProdLike(c.AppEnv)
}
