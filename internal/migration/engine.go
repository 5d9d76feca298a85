// Package migration moves lending-protocol positions into the vault and/or
// the order book. A migration either removes the source position and creates
// its destination artifacts, or leaves everything as it was.
package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/pivengine/internal/domain"
)

// PositionStore is the slice of the position ledger the engine needs.
type PositionStore interface {
	Get(owner, id string) (domain.Position, error)
	IsConsumed(owner, id string) bool
	Lock(owner, id string) (unlock func())
	AddVaultPosition(vp domain.VaultPosition) error
	RemoveVaultPosition(owner, id string) error
	RemovePosition(owner, id string) (domain.Position, error)
}

// OrderPlacer is the slice of the order book the engine needs.
type OrderPlacer interface {
	Place(ctx context.Context, spec domain.OrderSpec) (domain.Order, error)
	Discard(ctx context.Context, id string) error
}

// Config tunes pricing and token defaults.
type Config struct {
	// Discount is the migration incentive taken off the fair price.
	Discount               decimal.Decimal
	DefaultDebtToken       string
	DefaultCollateralToken string
	// LockTTL bounds the distributed migration lock, when one is configured.
	LockTTL time.Duration
}

// DefaultDiscount is the 2% migration incentive.
var DefaultDiscount = decimal.RequireFromString("0.02")

// Engine runs migrations.
type Engine struct {
	positions PositionStore
	orders    OrderPlacer
	tokens    *domain.TokenRegistry
	oracle    domain.PriceOracle
	locks     domain.LockManager
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLockManager adds a distributed lock taken alongside the in-process
// position lock, for deployments running several engine instances.
func WithLockManager(lm domain.LockManager) Option {
	return func(e *Engine) { e.locks = lm }
}

// NewEngine creates an Engine. The oracle is expected to be bounded already
// (see oracle.Guard).
func NewEngine(
	positions PositionStore,
	orders OrderPlacer,
	tokens *domain.TokenRegistry,
	oracle domain.PriceOracle,
	cfg Config,
	logger *slog.Logger,
	opts ...Option,
) *Engine {
	if cfg.Discount.IsZero() {
		cfg.Discount = DefaultDiscount
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	e := &Engine{
		positions: positions,
		orders:    orders,
		tokens:    tokens,
		oracle:    oracle,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "migration")),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CanMigrate applies the dust rules to p.
func CanMigrate(p domain.Position) domain.MigrationCheck {
	if p.RawAmount == nil || p.RawAmount.Sign() == 0 {
		return domain.MigrationCheck{Reason: "position amount is zero"}
	}
	amount, err := p.Display()
	if err != nil {
		return domain.MigrationCheck{Reason: domain.ReasonOf(err)}
	}
	if amount.LessThan(domain.MinMigratableAmount) {
		return domain.MigrationCheck{Reason: "amount too small"}
	}
	return domain.MigrationCheck{CanMigrate: true}
}

// Check reports whether the owner's position can currently be migrated.
func (e *Engine) Check(owner, positionID string) domain.MigrationCheck {
	p, err := e.lookup(owner, positionID)
	if err != nil {
		return domain.MigrationCheck{Reason: domain.ReasonOf(err)}
	}
	return CanMigrate(p)
}

func (e *Engine) lookup(owner, id string) (domain.Position, error) {
	p, err := e.positions.Get(owner, id)
	if err == nil {
		return p, nil
	}
	if e.positions.IsConsumed(owner, id) {
		return domain.Position{}, domain.Errorf(domain.KindAlreadyMigrated, "position %s already migrated", id)
	}
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Position{}, domain.Errorf(domain.KindValidation, "unknown position %s", id)
	}
	return domain.Position{}, err
}

// plan is everything computed before entering the critical section.
type plan struct {
	position   domain.Position
	collateral domain.Token
	debt       domain.Token
	price      decimal.Decimal
	amount     decimal.Decimal
	mode       domain.InterestRateMode
}

// Migrate executes req. On failure the result carries the error kind and
// reason and no store has changed, unless the error is an integrity error.
func (e *Engine) Migrate(ctx context.Context, req domain.MigrationRequest) (domain.MigrationResult, error) {
	res, err := e.migrate(ctx, req)
	if err != nil {
		level := slog.LevelWarn
		if domain.KindOf(err) == domain.KindIntegrity {
			level = slog.LevelError
		}
		e.logger.Log(ctx, level, "migration failed",
			slog.String("owner", req.UserAddress),
			slog.String("position_id", req.SourcePosition.ID),
			slog.String("destination", string(req.Destination)),
			slog.String("kind", string(domain.KindOf(err))),
			slog.String("error", err.Error()),
		)
		return domain.MigrationResult{Success: false, Error: domain.InfoOf(err)}, err
	}
	return res, nil
}

func (e *Engine) migrate(ctx context.Context, req domain.MigrationRequest) (domain.MigrationResult, error) {
	p, err := e.prepare(ctx, req)
	if err != nil {
		return domain.MigrationResult{}, err
	}

	owner := p.position.Owner
	unlock := e.positions.Lock(owner, p.position.ID)
	defer unlock()

	if e.locks != nil {
		release, err := e.locks.Acquire(ctx, "migration:"+owner+":"+p.position.ID, e.cfg.LockTTL)
		switch {
		case errors.Is(err, domain.ErrLockHeld):
			return domain.MigrationResult{}, domain.Errorf(domain.KindAlreadyMigrated, "position %s is being migrated", p.position.ID)
		case err != nil:
			return domain.MigrationResult{}, domain.WrapError(domain.KindDownstream, "migration lock unavailable", err)
		}
		defer release()
	}

	// Another request may have won while we were pricing.
	if _, err := e.lookup(owner, p.position.ID); err != nil {
		return domain.MigrationResult{}, err
	}

	order, err := e.orders.Place(ctx, domain.OrderSpec{
		Owner:            owner,
		CollateralToken:  p.collateral.Symbol,
		DebtToken:        p.debt.Symbol,
		CollateralAmount: p.amount,
		Price:            p.price,
		Quote:            domain.QuoteCollateralPerDebt,
		InterestRateMode: p.mode,
		Source:           domain.OrderSourceMigration,
	})
	if err != nil {
		return domain.MigrationResult{}, fmt.Errorf("migration: place order: %w", err)
	}

	var vault *domain.VaultPosition
	if req.Destination == domain.DestinationToVault && p.position.Kind == domain.PositionKindCollateral {
		vp := domain.VaultPosition{
			ID:            uuid.NewString(),
			Owner:         owner,
			Kind:          p.position.Kind,
			Token:         p.position.Token,
			RawAmount:     p.position.RawAmount,
			DisplayAmount: p.position.DisplayAmount,
			TokenAddress:  p.position.TokenAddress,
			OriginOrderID: order.ID,
			CreatedAt:     e.now(),
		}
		if err := e.positions.AddVaultPosition(vp); err != nil {
			return domain.MigrationResult{}, e.compensate(ctx, owner, order.ID, nil,
				domain.WrapError(domain.KindDownstream, "vault position write failed", err))
		}
		vault = &vp
	}

	if _, err := e.positions.RemovePosition(owner, p.position.ID); err != nil {
		cause := domain.WrapError(domain.KindDownstream, "position removal failed", err)
		if errors.Is(err, domain.ErrNotFound) {
			cause = domain.NewError(domain.KindAlreadyMigrated, "position already migrated")
		}
		return domain.MigrationResult{}, e.compensate(ctx, owner, order.ID, vault, cause)
	}

	e.logger.InfoContext(ctx, "position migrated",
		slog.String("owner", owner),
		slog.String("position_id", p.position.ID),
		slog.String("order_id", order.ID),
		slog.String("price", order.Price.String()),
		slog.Bool("vault", vault != nil),
	)
	return domain.MigrationResult{Success: true, Order: &order, VaultPosition: vault}, nil
}

// prepare validates the request and prices it. It takes no locks.
func (e *Engine) prepare(ctx context.Context, req domain.MigrationRequest) (plan, error) {
	if domain.NormalizeOwner(req.UserAddress) == "" {
		return plan{}, domain.NewError(domain.KindValidation, "missing user address")
	}
	if req.SourcePosition.ID == "" {
		return plan{}, domain.NewError(domain.KindValidation, "missing source position")
	}
	if !req.Destination.Valid() {
		return plan{}, domain.Errorf(domain.KindValidation, "unknown destination %q", req.Destination)
	}
	mode := req.InterestRateMode
	if mode == "" {
		mode = domain.InterestRateVariable
	}
	if !mode.Valid() {
		return plan{}, domain.Errorf(domain.KindValidation, "unknown interest rate mode %q", mode)
	}

	pos, err := e.lookup(req.UserAddress, req.SourcePosition.ID)
	if err != nil {
		return plan{}, err
	}
	if check := CanMigrate(pos); !check.CanMigrate {
		return plan{}, domain.NewError(domain.KindValidation, check.Reason)
	}

	collateral, debt, err := e.resolveTokens(pos, req)
	if err != nil {
		return plan{}, err
	}

	price, err := e.price(ctx, collateral.Symbol, debt.Symbol)
	if err != nil {
		return plan{}, err
	}

	display, err := pos.Display()
	if err != nil {
		return plan{}, err
	}
	var amount decimal.Decimal
	if pos.Kind == domain.PositionKindCollateral {
		if err := domain.CheckScale(display, collateral.Precision); err != nil {
			return plan{}, err
		}
		amount = display
	} else {
		// Debt is offered as the collateral it is worth at the order price.
		amount = display.Mul(price).RoundDown(collateral.Precision)
	}
	if !amount.IsPositive() {
		return plan{}, domain.NewError(domain.KindValidation, "amount too small")
	}

	return plan{
		position:   pos,
		collateral: collateral,
		debt:       debt,
		price:      price,
		amount:     amount,
		mode:       mode,
	}, nil
}

func (e *Engine) resolveTokens(pos domain.Position, req domain.MigrationRequest) (collateral, debt domain.Token, err error) {
	own, err := e.tokens.Lookup(pos.Token)
	if err != nil {
		return domain.Token{}, domain.Token{}, err
	}

	counter := req.TargetToken
	if counter == "" {
		if pos.Kind == domain.PositionKindCollateral {
			counter = e.cfg.DefaultDebtToken
		} else {
			counter = e.cfg.DefaultCollateralToken
		}
	}
	if counter == "" {
		return domain.Token{}, domain.Token{}, domain.NewError(domain.KindValidation, "missing target token")
	}
	other, err := e.tokens.Lookup(counter)
	if err != nil {
		return domain.Token{}, domain.Token{}, err
	}
	if other.Symbol == own.Symbol {
		return domain.Token{}, domain.Token{}, domain.NewError(domain.KindValidation, "target token must differ from position token")
	}

	if pos.Kind == domain.PositionKindCollateral {
		return own, other, nil
	}
	return other, own, nil
}

// price quotes both tokens in parallel and returns the discounted
// collateral-per-debt price.
func (e *Engine) price(ctx context.Context, collateral, debt string) (decimal.Decimal, error) {
	var collateralQuote, debtQuote decimal.Decimal

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		q, err := e.oracle.Quote(gctx, collateral)
		collateralQuote = q
		return err
	})
	g.Go(func() error {
		q, err := e.oracle.Quote(gctx, debt)
		debtQuote = q
		return err
	})
	if err := g.Wait(); err != nil {
		return decimal.Zero, err
	}
	if !collateralQuote.IsPositive() || !debtQuote.IsPositive() {
		return decimal.Zero, domain.NewError(domain.KindPriceUnavailable, "non-positive quote")
	}

	factor := decimal.NewFromInt(1).Sub(e.cfg.Discount)
	price := debtQuote.Mul(factor).DivRound(collateralQuote, 16).Round(domain.PriceDecimals)
	if !price.IsPositive() {
		return decimal.Zero, domain.Errorf(domain.KindPriceUnavailable,
			"price of %s in %s rounds to zero", debt, collateral)
	}
	return price, nil
}

// compensate undoes the artifacts of a failed migration. If any undo step
// fails the invariants may be broken and an integrity error replaces cause.
func (e *Engine) compensate(ctx context.Context, owner, orderID string, vault *domain.VaultPosition, cause error) error {
	var errs []error
	if vault != nil {
		if err := e.positions.RemoveVaultPosition(owner, vault.ID); err != nil {
			errs = append(errs, fmt.Errorf("remove vault position %s: %w", vault.ID, err))
		}
	}
	// Detached so a cancelled request still gets cleaned up.
	if err := e.orders.Discard(context.WithoutCancel(ctx), orderID); err != nil {
		errs = append(errs, fmt.Errorf("discard order %s: %w", orderID, err))
	}
	if len(errs) > 0 {
		return domain.WrapError(domain.KindIntegrity, "migration compensation failed", errors.Join(append(errs, cause)...))
	}
	return cause
}
