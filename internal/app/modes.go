package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/pivengine/internal/config"
	"github.com/alanyoungcy/pivengine/internal/ledger"
	"github.com/alanyoungcy/pivengine/internal/matching"
	"github.com/alanyoungcy/pivengine/internal/migration"
	"github.com/alanyoungcy/pivengine/internal/oracle"
	"github.com/alanyoungcy/pivengine/internal/orderbook"
	"github.com/alanyoungcy/pivengine/internal/server"
	"github.com/alanyoungcy/pivengine/internal/server/handler"
	"github.com/alanyoungcy/pivengine/internal/server/ws"
	"github.com/alanyoungcy/pivengine/internal/service"
)

// shutdownTimeout bounds the HTTP drain on shutdown.
const shutdownTimeout = 5 * time.Second

// engine holds the stateful core and the services built over it.
type engine struct {
	book      *orderbook.Book
	ledger    *ledger.Ledger
	positions *service.PositionService
	orders    *service.OrderService
	swaps     *service.SwapService
	// archive is nil unless archiving is enabled.
	archive *service.ArchiveService
}

// ServerMode runs the API against Postgres and Redis. Resting orders are
// restored from the Postgres mirror before the server starts.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")
	eng, err := a.buildEngine(ctx, deps)
	if err != nil {
		return fmt.Errorf("server mode: %w", err)
	}
	return a.serve(ctx, deps, eng)
}

// StandaloneMode runs the API with in-memory stores, static prices and no
// external services. State is lost on exit.
func (a *App) StandaloneMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting standalone mode; state is kept in memory only")
	eng, err := a.buildEngine(ctx, deps)
	if err != nil {
		return fmt.Errorf("standalone mode: %w", err)
	}
	return a.serve(ctx, deps, eng)
}

// buildEngine creates the ledger, order book and engines, and restores the
// book from the order mirror and the ledger from the ledger store.
func (a *App) buildEngine(ctx context.Context, deps *Dependencies) (*engine, error) {
	cfg := a.cfg

	book := orderbook.New(deps.Tokens, deps.OrderStore, a.logger)
	restored, err := book.Restore(ctx)
	if err != nil {
		return nil, err
	}
	a.logger.InfoContext(ctx, "order book restored", slog.Int("orders", restored))

	led := ledger.New()
	if deps.LedgerStore != nil {
		snap, err := deps.LedgerStore.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("load ledger: %w", err)
		}
		if err := led.Restore(snap); err != nil {
			return nil, err
		}
		a.logger.InfoContext(ctx, "ledger restored",
			slog.Int("consumed", len(snap.Consumed)),
			slog.Int("vault", len(snap.Vault)),
		)
	}
	quotes := deps.Metrics.InstrumentOracle(oracle.NewGuard(deps.Prices, cfg.Oracle.Timeout.Duration, a.logger))

	var migOpts []migration.Option
	if deps.LockManager != nil {
		migOpts = append(migOpts, migration.WithLockManager(deps.LockManager))
	}
	migrator := migration.NewEngine(led, book, deps.Tokens, quotes, migration.Config{
		Discount:               config.Decimal(cfg.Migration.Discount, migration.DefaultDiscount),
		DefaultDebtToken:       cfg.Migration.DefaultDebtToken,
		DefaultCollateralToken: cfg.Migration.DefaultCollateralToken,
		LockTTL:                cfg.Migration.LockTTL.Duration,
	}, a.logger, migOpts...)

	fee, err := feeMultiplier(cfg.Matching.FeeMultiplier)
	if err != nil {
		return nil, err
	}
	matcher := matching.NewEngine(book, deps.Tokens, fee, a.logger)

	report := service.NewReporter(service.ReporterDeps{
		Bus:      deps.SignalBus,
		Audit:    deps.AuditStore,
		Settler:  service.NewBusSettler(deps.SignalBus),
		Notifier: deps.Notifier,
		Metrics:  deps.Metrics,
	}, a.logger)

	eng := &engine{
		book:      book,
		ledger:    led,
		positions: service.NewPositionService(deps.Lending, led, migrator, report, a.logger).
			WithLedgerStore(deps.LedgerStore),
		orders:    service.NewOrderService(book, report, a.logger),
		swaps:     service.NewSwapService(matcher, book, report),
	}
	if cfg.Archive.Enabled && deps.Archiver != nil {
		eng.archive = service.NewArchiveService(book, deps.Archiver, cfg.Archive.Retention.Duration, report, a.logger)
	}
	return eng, nil
}

// feeMultiplier parses matching.fee_multiplier. Only an empty value falls back
// to 1; anything outside (0, 1] is rejected.
func feeMultiplier(raw string) (decimal.Decimal, error) {
	one := decimal.NewFromInt(1)
	if raw == "" {
		return one, nil
	}
	fee, err := decimal.NewFromString(raw)
	if err != nil || !fee.IsPositive() || fee.GreaterThan(one) {
		return decimal.Decimal{}, fmt.Errorf("matching: fee_multiplier must be in (0, 1], got %q", raw)
	}
	return fee, nil
}

// serve runs the HTTP server, the WebSocket hub and the archive schedule
// until ctx is cancelled or one of them fails.
func (a *App) serve(ctx context.Context, deps *Dependencies, eng *engine) error {
	g, ctx := errgroup.WithContext(ctx)

	hub := ws.NewHub(deps.SignalBus, ws.Config{
		Channels: []string{
			service.ChannelOrders,
			service.ChannelMigrations,
			service.ChannelSwaps,
			service.ChannelPositions,
		},
		AllowedOrigins: a.cfg.Server.CORSOrigins,
	}, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	if eng.archive != nil {
		g.Go(func() error {
			return eng.archive.RunCron(ctx, a.cfg.Archive.Schedule)
		})
	}

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.APIKey,
		RateLimit:       a.cfg.Server.RateLimit,
		RateLimitWindow: a.cfg.Server.RateLimitWindow.Duration,
	}, server.Handlers{
		Health:     handler.NewHealthHandler(deps.Health, a.logger),
		Positions:  handler.NewPositionHandler(eng.positions, a.logger),
		Migrations: handler.NewMigrationHandler(eng.positions, a.logger),
		Orders:     handler.NewOrderHandler(eng.orders, a.logger),
		Swaps:      handler.NewSwapHandler(eng.swaps, a.logger),
		Metrics:    deps.Metrics.Handler(),
	}, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	return g.Wait()
}
