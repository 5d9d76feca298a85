package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/pivengine/internal/blob/s3"
	"github.com/alanyoungcy/pivengine/internal/cache/redis"
	"github.com/alanyoungcy/pivengine/internal/config"
	"github.com/alanyoungcy/pivengine/internal/domain"
	"github.com/alanyoungcy/pivengine/internal/metrics"
	"github.com/alanyoungcy/pivengine/internal/notify"
	"github.com/alanyoungcy/pivengine/internal/oracle"
	"github.com/alanyoungcy/pivengine/internal/platform/lending"
	"github.com/alanyoungcy/pivengine/internal/server/handler"
	"github.com/alanyoungcy/pivengine/internal/store/memory"
	"github.com/alanyoungcy/pivengine/internal/store/postgres"
)

// Dependencies bundles the infrastructure the engine runs on. It is
// constructed by Wire and torn down by the returned cleanup function.
// Optional fields are nil when the mode or config does not provide them.
type Dependencies struct {
	Tokens *domain.TokenRegistry

	// Stores
	OrderStore  domain.OrderRecordStore
	AuditStore  domain.AuditStore
	LedgerStore domain.LedgerStore

	// Caches and coordination
	SignalBus   domain.SignalBus
	Prices      domain.PriceOracle
	LockManager domain.LockManager
	RateLimiter domain.RateLimiter

	// External systems
	Lending  domain.LendingAdapter
	Archiver *s3blob.Archiver

	Notifier *notify.Notifier
	Metrics  *metrics.Metrics

	// Health lists the dependencies probed by GET /api/health.
	Health map[string]handler.Pinger
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	tokens, err := domain.NewTokenRegistry(cfg.TokenList())
	if err != nil {
		return nil, nil, fmt.Errorf("wire: tokens: %w", err)
	}

	deps := &Dependencies{
		Tokens:  tokens,
		Metrics: metrics.New(),
		Health:  make(map[string]handler.Pinger),
	}
	static := oracle.NewStatic(cfg.StaticPrices())

	if cfg.IsServerMode() {
		// --- PostgreSQL ---
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}
		pool := pgClient.Pool()
		deps.OrderStore = postgres.NewOrderStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.LedgerStore = postgres.NewLedgerStore(pool)
		deps.Health["postgres"] = pgClient.Ping

		// --- Redis ---
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.SignalBus = redis.NewSignalBus(redisClient, cfg.Redis.Stream)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.Prices = oracle.Fallback{
			redis.NewPriceCache(redisClient, cfg.Oracle.MaxAge.Duration),
			static,
		}
		deps.Health["redis"] = redisClient.Ping
	} else {
		deps.OrderStore = memory.NewOrderStore()
		deps.AuditStore = memory.NewAuditStore()
		deps.LedgerStore = memory.NewLedgerStore()
		deps.SignalBus = memory.NewSignalBus()
		deps.Prices = static
	}

	// --- Lending protocol ---
	if cfg.Lending.BaseURL != "" {
		deps.Lending = lending.NewClient(cfg.Lending.BaseURL, cfg.Lending.Timeout.Duration, logger)
	} else {
		logger.InfoContext(ctx, "lending base_url not set, serving fixture positions")
		deps.Lending = lending.NewStatic(lending.DefaultFixtures())
	}

	// --- S3 order archive ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), deps.AuditStore, cfg.Archive.Prefix)
		deps.Health["s3"] = s3Client.Health
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
