package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies PIVENGINE_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known PIVENGINE_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setInt(&cfg.Server.Port, "PIVENGINE_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "PIVENGINE_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "PIVENGINE_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "PIVENGINE_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateLimitWindow, "PIVENGINE_SERVER_RATE_LIMIT_WINDOW")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "PIVENGINE_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "PIVENGINE_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "PIVENGINE_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "PIVENGINE_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "PIVENGINE_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "PIVENGINE_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "PIVENGINE_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "PIVENGINE_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "PIVENGINE_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "PIVENGINE_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "PIVENGINE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PIVENGINE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PIVENGINE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PIVENGINE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "PIVENGINE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "PIVENGINE_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "PIVENGINE_REDIS_KEY_PREFIX")
	setStr(&cfg.Redis.Stream, "PIVENGINE_REDIS_STREAM")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "PIVENGINE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PIVENGINE_S3_REGION")
	setStr(&cfg.S3.Bucket, "PIVENGINE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PIVENGINE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PIVENGINE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "PIVENGINE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "PIVENGINE_S3_FORCE_PATH_STYLE")

	// ── Oracle / lending ──
	setDuration(&cfg.Oracle.Timeout, "PIVENGINE_ORACLE_TIMEOUT")
	setDuration(&cfg.Oracle.MaxAge, "PIVENGINE_ORACLE_MAX_AGE")
	setStr(&cfg.Lending.BaseURL, "PIVENGINE_LENDING_BASE_URL")
	setDuration(&cfg.Lending.Timeout, "PIVENGINE_LENDING_TIMEOUT")

	// ── Migration / matching ──
	setStr(&cfg.Migration.Discount, "PIVENGINE_MIGRATION_DISCOUNT")
	setStr(&cfg.Migration.DefaultDebtToken, "PIVENGINE_MIGRATION_DEFAULT_DEBT_TOKEN")
	setStr(&cfg.Migration.DefaultCollateralToken, "PIVENGINE_MIGRATION_DEFAULT_COLLATERAL_TOKEN")
	setDuration(&cfg.Migration.LockTTL, "PIVENGINE_MIGRATION_LOCK_TTL")
	setStr(&cfg.Matching.FeeMultiplier, "PIVENGINE_MATCHING_FEE_MULTIPLIER")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "PIVENGINE_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Schedule, "PIVENGINE_ARCHIVE_SCHEDULE")
	setDuration(&cfg.Archive.Retention, "PIVENGINE_ARCHIVE_RETENTION")
	setStr(&cfg.Archive.Prefix, "PIVENGINE_ARCHIVE_PREFIX")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "PIVENGINE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "PIVENGINE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "PIVENGINE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "PIVENGINE_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "PIVENGINE_MODE")
	setStr(&cfg.LogLevel, "PIVENGINE_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
