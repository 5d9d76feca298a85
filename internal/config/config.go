// Package config defines the top-level configuration for the engine and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/pivengine/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by PIVENGINE_* environment variables.
type Config struct {
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
	Server    ServerConfig    `toml:"server"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Oracle    OracleConfig    `toml:"oracle"`
	Lending   LendingConfig   `toml:"lending"`
	Migration MigrationConfig `toml:"migration"`
	Matching  MatchingConfig  `toml:"matching"`
	Archive   ArchiveConfig   `toml:"archive"`
	Notify    NotifyConfig    `toml:"notify"`
	Tokens    []TokenConfig   `toml:"tokens"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	APIKey          string   `toml:"api_key"`
	RateLimit       int      `toml:"rate_limit"`
	RateLimitWindow duration `toml:"rate_limit_window"`
}

// PostgresConfig holds PostgreSQL connection parameters for the order mirror
// and audit log.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
	// Stream mirrors published events for replay. Empty disables it.
	Stream string `toml:"stream"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// OracleConfig configures price lookups.
type OracleConfig struct {
	Timeout duration `toml:"timeout"`
	// MaxAge rejects cached prices older than this. Zero accepts any age.
	MaxAge duration `toml:"max_age"`
	// Prices are static USD prices used directly in standalone mode and as
	// the fallback behind the Redis price cache.
	Prices map[string]string `toml:"prices"`
}

// LendingConfig configures the lending protocol adapter.
type LendingConfig struct {
	// BaseURL of the positions API. Empty serves fixture positions.
	BaseURL string   `toml:"base_url"`
	Timeout duration `toml:"timeout"`
}

// MigrationConfig holds migration pricing parameters.
type MigrationConfig struct {
	Discount               string   `toml:"discount"`
	DefaultDebtToken       string   `toml:"default_debt_token"`
	DefaultCollateralToken string   `toml:"default_collateral_token"`
	LockTTL                duration `toml:"lock_ttl"`
}

// MatchingConfig holds swap parameters.
type MatchingConfig struct {
	// FeeMultiplier scales gross swap output. "1" charges no fee.
	FeeMultiplier string `toml:"fee_multiplier"`
}

// ArchiveConfig controls archiving of terminal orders to S3.
type ArchiveConfig struct {
	Enabled   bool     `toml:"enabled"`
	Schedule  string   `toml:"schedule"`
	Retention duration `toml:"retention"`
	Prefix    string   `toml:"prefix"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// TokenConfig describes one [[tokens]] entry.
type TokenConfig struct {
	Symbol    string `toml:"symbol"`
	Address   string `toml:"address"`
	Decimals  int32  `toml:"decimals"`
	Precision int32  `toml:"precision"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Mode:     "standalone",
		LogLevel: "info",
		Server: ServerConfig{
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:       120,
			RateLimitWindow: duration{time.Minute},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "pivengine",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "pivengine-archive",
			ForcePathStyle: true,
		},
		Oracle: OracleConfig{
			Timeout: duration{3 * time.Second},
			MaxAge:  duration{5 * time.Minute},
			Prices: map[string]string{
				"ETH":  "3000",
				"WBTC": "45000",
				"USDC": "1",
				"USDT": "1",
				"DAI":  "1",
				"LINK": "15",
				"AAVE": "100",
			},
		},
		Lending: LendingConfig{
			Timeout: duration{10 * time.Second},
		},
		Migration: MigrationConfig{
			Discount:               "0.02",
			DefaultDebtToken:       "USDC",
			DefaultCollateralToken: "ETH",
			LockTTL:                duration{30 * time.Second},
		},
		Matching: MatchingConfig{
			FeeMultiplier: "1",
		},
		Archive: ArchiveConfig{
			Enabled:   false,
			Schedule:  "0 3 * * *",
			Retention: duration{30 * 24 * time.Hour},
			Prefix:    "pivengine",
		},
		Notify: NotifyConfig{
			Events: []string{"integrity", "settlement", "archive"},
		},
		Tokens: []TokenConfig{
			{Symbol: "ETH", Address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", Decimals: 18, Precision: 6},
			{Symbol: "WBTC", Address: "0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599", Decimals: 8, Precision: 8},
			{Symbol: "USDC", Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Decimals: 6, Precision: 6},
			{Symbol: "USDT", Address: "0xdAC17F958D2ee523a2206206994597C13D831ec7", Decimals: 6, Precision: 6},
			{Symbol: "DAI", Address: "0x6B175474E89094C44Da98b954EedeAC495271d0F", Decimals: 18, Precision: 6},
			{Symbol: "LINK", Address: "0x514910771AF9Ca656af840dff83E8264EcF986CA", Decimals: 18, Precision: 6},
			{Symbol: "AAVE", Address: "0x7Fc66500c84A76Ad7e9c93437bFc5Ac33E2DDaE9", Decimals: 18, Precision: 6},
		},
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server":     true,
	"standalone": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validNotifyEvents = map[string]bool{
	"integrity":  true,
	"settlement": true,
	"archive":    true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, standalone)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Server
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, "server: rate_limit must be >= 0")
	}
	if c.Server.RateLimit > 0 && c.Server.RateLimitWindow.Duration <= 0 {
		errs = append(errs, "server: rate_limit_window must be positive when rate_limit is set")
	}

	// External services are only needed in server mode.
	if c.IsServerMode() {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.Retention.Duration <= 0 {
			errs = append(errs, "archive: retention must be positive")
		}
		if strings.TrimSpace(c.Archive.Schedule) == "" {
			errs = append(errs, "archive: schedule must not be empty")
		}
	}

	// Oracle
	if c.Oracle.Timeout.Duration <= 0 {
		errs = append(errs, "oracle: timeout must be positive")
	}
	if c.Oracle.MaxAge.Duration < 0 {
		errs = append(errs, "oracle: max_age must not be negative")
	}
	for sym, raw := range c.Oracle.Prices {
		p, err := decimal.NewFromString(raw)
		if err != nil || !p.IsPositive() {
			errs = append(errs, fmt.Sprintf("oracle: price for %s must be a positive decimal, got %q", sym, raw))
		}
	}

	if c.Lending.Timeout.Duration <= 0 {
		errs = append(errs, "lending: timeout must be positive")
	}

	// Migration
	if d, err := decimal.NewFromString(c.Migration.Discount); err != nil || d.IsNegative() || d.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		errs = append(errs, fmt.Sprintf("migration: discount must be in [0, 1), got %q", c.Migration.Discount))
	}
	if c.Migration.LockTTL.Duration <= 0 {
		errs = append(errs, "migration: lock_ttl must be positive")
	}

	// Matching
	if f, err := decimal.NewFromString(c.Matching.FeeMultiplier); err != nil || !f.IsPositive() || f.GreaterThan(decimal.NewFromInt(1)) {
		errs = append(errs, fmt.Sprintf("matching: fee_multiplier must be in (0, 1], got %q", c.Matching.FeeMultiplier))
	}

	for _, e := range c.Notify.Events {
		if !validNotifyEvents[e] {
			errs = append(errs, fmt.Sprintf("notify: unknown event %q", e))
		}
	}

	// Tokens
	if len(c.Tokens) == 0 {
		errs = append(errs, "tokens: at least one token must be configured")
	}
	known := make(map[string]bool, len(c.Tokens))
	for i, t := range c.Tokens {
		sym := domain.NormalizeSymbol(t.Symbol)
		if sym == "" {
			errs = append(errs, fmt.Sprintf("tokens[%d]: symbol must not be empty", i))
			continue
		}
		if known[sym] {
			errs = append(errs, fmt.Sprintf("tokens: duplicate symbol %s", sym))
		}
		known[sym] = true
		if t.Decimals < 0 || t.Precision < 0 || t.Precision > t.Decimals {
			errs = append(errs, fmt.Sprintf("tokens: %s precision must be between 0 and decimals", sym))
		}
		if t.Address != "" && !common.IsHexAddress(t.Address) {
			errs = append(errs, fmt.Sprintf("tokens: %s address %q is not a hex address", sym, t.Address))
		}
	}
	for _, def := range []struct{ name, sym string }{
		{"default_debt_token", c.Migration.DefaultDebtToken},
		{"default_collateral_token", c.Migration.DefaultCollateralToken},
	} {
		if sym := domain.NormalizeSymbol(def.sym); sym != "" && !known[sym] {
			errs = append(errs, fmt.Sprintf("migration: %s %s is not a configured token", def.name, sym))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// IsServerMode reports whether the engine runs against Postgres and Redis.
func (c *Config) IsServerMode() bool {
	return strings.EqualFold(c.Mode, "server")
}

// TokenList converts the [[tokens]] entries for domain.NewTokenRegistry.
func (c *Config) TokenList() []domain.Token {
	out := make([]domain.Token, 0, len(c.Tokens))
	for _, t := range c.Tokens {
		out = append(out, domain.Token{
			Symbol:    t.Symbol,
			Address:   t.Address,
			Decimals:  t.Decimals,
			Precision: t.Precision,
		})
	}
	return out
}

// StaticPrices parses Oracle.Prices. Call after Validate.
func (c *Config) StaticPrices() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(c.Oracle.Prices))
	for sym, raw := range c.Oracle.Prices {
		if p, err := decimal.NewFromString(raw); err == nil {
			out[domain.NormalizeSymbol(sym)] = p
		}
	}
	return out
}

// Decimal parses a validated decimal setting, falling back to def.
func Decimal(raw string, def decimal.Decimal) decimal.Decimal {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return def
	}
	return d
}
