// Package orderbook owns the lifecycle of resting orders. Every order has its
// own mutex; update, cancel and fill on the same order are serialised while
// different orders proceed independently. Each committed mutation is mirrored
// to a domain.OrderRecordStore under the order's lock.
package orderbook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/pivengine/internal/domain"
)

type entry struct {
	mu    sync.Mutex
	order domain.Order
	// gone is set once the order has been discarded or purged. Holders of a
	// stale pointer must treat the order as absent.
	gone bool
}

// Book is the in-memory order book backed by a durable mirror.
type Book struct {
	mu      sync.RWMutex
	entries map[string]*entry

	tokens *domain.TokenRegistry
	store  domain.OrderRecordStore
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Book.
type Option func(*Book)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Book) { b.now = now }
}

// New creates an empty Book.
func New(tokens *domain.TokenRegistry, store domain.OrderRecordStore, logger *slog.Logger, opts ...Option) *Book {
	b := &Book{
		entries: make(map[string]*entry),
		tokens:  tokens,
		store:   store,
		logger:  logger.With(slog.String("component", "orderbook")),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Restore loads every order from the record store into memory. It is meant
// to run once at start-up, before the book is shared.
func (b *Book) Restore(ctx context.Context) (int, error) {
	orders, err := b.store.List(ctx, domain.OrderFilter{})
	if err != nil {
		return 0, fmt.Errorf("orderbook: restore: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, o := range orders {
		b.entries[o.ID] = &entry{order: o}
	}
	return len(orders), nil
}

// Place validates spec and creates a new open order.
func (b *Book) Place(ctx context.Context, spec domain.OrderSpec) (domain.Order, error) {
	o, err := b.newOrder(spec)
	if err != nil {
		return domain.Order{}, err
	}

	if err := b.store.Create(ctx, o); err != nil {
		return domain.Order{}, domain.WrapError(domain.KindDownstream, "order store create failed", err)
	}

	b.mu.Lock()
	b.entries[o.ID] = &entry{order: o}
	b.mu.Unlock()

	b.logger.InfoContext(ctx, "order placed",
		slog.String("order_id", o.ID),
		slog.String("owner", o.Owner),
		slog.String("pair", o.CollateralToken+"/"+o.DebtToken),
		slog.String("amount", o.CollateralAmount.String()),
		slog.String("price", o.Price.String()),
	)
	return o, nil
}

func (b *Book) newOrder(spec domain.OrderSpec) (domain.Order, error) {
	owner := domain.NormalizeOwner(spec.Owner)
	if owner == "" {
		return domain.Order{}, domain.NewError(domain.KindValidation, "missing owner")
	}
	collateral, err := b.tokens.Lookup(spec.CollateralToken)
	if err != nil {
		return domain.Order{}, err
	}
	debt, err := b.tokens.Lookup(spec.DebtToken)
	if err != nil {
		return domain.Order{}, err
	}
	if collateral.Symbol == debt.Symbol {
		return domain.Order{}, domain.NewError(domain.KindValidation, "collateral and debt token must differ")
	}
	if err := b.checkAmount(spec.CollateralAmount, collateral); err != nil {
		return domain.Order{}, err
	}
	if err := checkPrice(spec.Price); err != nil {
		return domain.Order{}, err
	}

	quote := spec.Quote
	if quote == "" {
		quote = domain.QuoteDebtPerCollateral
	}
	if !quote.Valid() {
		return domain.Order{}, domain.Errorf(domain.KindValidation, "unknown price quote %q", quote)
	}
	mode := spec.InterestRateMode
	if mode == "" {
		mode = domain.InterestRateVariable
	}
	if !mode.Valid() {
		return domain.Order{}, domain.Errorf(domain.KindValidation, "unknown interest rate mode %q", mode)
	}
	source := spec.Source
	if source == "" {
		source = domain.OrderSourceDirect
	}

	now := b.now()
	return domain.Order{
		ID:               uuid.NewString(),
		Owner:            owner,
		CollateralToken:  collateral.Symbol,
		DebtToken:        debt.Symbol,
		CollateralAmount: spec.CollateralAmount,
		Price:            spec.Price,
		Quote:            quote,
		InterestRateMode: mode,
		Source:           source,
		Status:           domain.OrderStatusOpen,
		FilledAmount:     decimal.Zero,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

func (b *Book) checkAmount(amount decimal.Decimal, token domain.Token) error {
	if !amount.IsPositive() {
		return domain.NewError(domain.KindValidation, "amount must be positive")
	}
	return domain.CheckScale(amount, token.Precision)
}

func checkPrice(price decimal.Decimal) error {
	if !price.IsPositive() {
		return domain.NewError(domain.KindValidation, "price must be positive")
	}
	return domain.CheckScale(price, domain.PriceDecimals)
}

// Get returns a copy of the order.
func (b *Book) Get(id string) (domain.Order, error) {
	e, err := b.lookup(id)
	if err != nil {
		return domain.Order{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return domain.Order{}, notFound(id)
	}
	return e.order, nil
}

// List returns the orders matching filter, oldest first.
func (b *Book) List(filter domain.OrderFilter) []domain.Order {
	if filter.Owner != "" {
		filter.Owner = domain.NormalizeOwner(filter.Owner)
	}
	filter.CollateralToken = domain.NormalizeSymbol(filter.CollateralToken)
	filter.DebtToken = domain.NormalizeSymbol(filter.DebtToken)

	var out []domain.Order
	for _, e := range b.snapshot() {
		e.mu.Lock()
		if !e.gone && filter.Match(e.order) {
			out = append(out, e.order)
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Update replaces the amount and price of a live order.
func (b *Book) Update(ctx context.Context, id string, amount, price decimal.Decimal) (domain.Order, error) {
	return b.mutate(ctx, id, func(o *domain.Order) error {
		if o.Status.Terminal() {
			return domain.Errorf(domain.KindInvalidState, "order %s is %s", o.ID, o.Status)
		}
		token, err := b.tokens.Lookup(o.CollateralToken)
		if err != nil {
			return err
		}
		if err := b.checkAmount(amount, token); err != nil {
			return err
		}
		if err := checkPrice(price); err != nil {
			return err
		}
		if amount.LessThan(o.FilledAmount) {
			return domain.Errorf(domain.KindInvalidArgument,
				"new amount %s is below filled amount %s", amount, o.FilledAmount)
		}
		o.CollateralAmount = amount
		o.Price = price
		if amount.Equal(o.FilledAmount) {
			o.Status = domain.OrderStatusFilled
		}
		return nil
	}, func(ctx context.Context, o domain.Order, expected int64) error {
		return b.store.UpdateTerms(ctx, o.ID, o.CollateralAmount, o.Price, o.Status, o.UpdatedAt, expected)
	})
}

// Cancel moves a live order to cancelled. Its filled amount is frozen.
func (b *Book) Cancel(ctx context.Context, id string) (domain.Order, error) {
	return b.mutate(ctx, id, func(o *domain.Order) error {
		if o.Status.Terminal() {
			return domain.Errorf(domain.KindInvalidState, "order %s is %s", o.ID, o.Status)
		}
		o.Status = domain.OrderStatusCancelled
		return nil
	}, b.mirrorStatus)
}

// ApplyFill fills up to qty of the order's remaining collateral and returns
// the amount actually applied. A non-positive result leaves the order as is.
func (b *Book) ApplyFill(ctx context.Context, id string, qty decimal.Decimal) (decimal.Decimal, error) {
	applied := decimal.Zero
	_, err := b.mutate(ctx, id, func(o *domain.Order) error {
		if err := b.checkFillScale(o, qty); err != nil {
			return err
		}
		var err error
		applied, err = applyFill(o, qty)
		if err == nil && !applied.IsPositive() {
			return errNoChange
		}
		return err
	}, b.mirrorStatus)
	if err != nil {
		return decimal.Zero, err
	}
	return applied, nil
}

func (b *Book) checkFillScale(o *domain.Order, qty decimal.Decimal) error {
	token, err := b.tokens.Lookup(o.CollateralToken)
	if err != nil {
		return err
	}
	return domain.CheckScale(qty, token.Precision)
}

// Discard deletes an order outright. It is the compensating action for a
// migration that could not complete.
func (b *Book) Discard(ctx context.Context, id string) error {
	e, err := b.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return notFound(id)
	}
	if err := b.store.Delete(ctx, id); err != nil {
		return domain.WrapError(domain.KindDownstream, "order store delete failed", err)
	}
	e.gone = true

	b.mu.Lock()
	delete(b.entries, id)
	b.mu.Unlock()

	b.logger.InfoContext(ctx, "order discarded", slog.String("order_id", id))
	return nil
}

// Purge removes terminal orders last updated before cutoff and returns them.
// Vault positions may keep referring to a purged order.
func (b *Book) Purge(ctx context.Context, before time.Time) ([]domain.Order, error) {
	var (
		purged []domain.Order
		errs   []error
	)
	for _, e := range b.snapshot() {
		e.mu.Lock()
		o := e.order
		if e.gone || !o.Status.Terminal() || !o.UpdatedAt.Before(before) {
			e.mu.Unlock()
			continue
		}
		if err := b.store.Delete(ctx, o.ID); err != nil {
			e.mu.Unlock()
			errs = append(errs, fmt.Errorf("order %s: %w", o.ID, err))
			continue
		}
		e.gone = true
		e.mu.Unlock()
		purged = append(purged, o)
	}

	b.mu.Lock()
	for _, o := range purged {
		delete(b.entries, o.ID)
	}
	b.mu.Unlock()

	if len(errs) > 0 {
		return purged, domain.WrapError(domain.KindDownstream, "order purge incomplete", errors.Join(errs...))
	}
	return purged, nil
}

var errNoChange = errors.New("no change")

// mutate runs change on a copy of the order under its lock, mirrors the
// result and only then publishes it. A rejected mirror write leaves the
// order untouched.
func (b *Book) mutate(
	ctx context.Context,
	id string,
	change func(*domain.Order) error,
	mirror func(context.Context, domain.Order, int64) error,
) (domain.Order, error) {
	e, err := b.lookup(id)
	if err != nil {
		return domain.Order{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return domain.Order{}, notFound(id)
	}

	next := e.order
	if err := change(&next); err != nil {
		if errors.Is(err, errNoChange) {
			return e.order, nil
		}
		return domain.Order{}, err
	}
	next.Version = e.order.Version + 1
	next.UpdatedAt = b.now()

	if err := mirror(ctx, next, e.order.Version); err != nil {
		b.logger.ErrorContext(ctx, "order mirror write rejected",
			slog.String("order_id", id),
			slog.Int64("version", e.order.Version),
			slog.String("error", err.Error()),
		)
		return domain.Order{}, domain.WrapError(domain.KindDownstream, "order store update failed", err)
	}
	e.order = next
	return next, nil
}

func (b *Book) mirrorStatus(ctx context.Context, o domain.Order, expected int64) error {
	return b.store.UpdateStatus(ctx, o.ID, o.Status, o.FilledAmount, o.UpdatedAt, expected)
}

func (b *Book) lookup(id string) (*entry, error) {
	b.mu.RLock()
	e, ok := b.entries[id]
	b.mu.RUnlock()
	if !ok {
		return nil, notFound(id)
	}
	return e, nil
}

func (b *Book) snapshot() []*entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*entry, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, e)
	}
	return out
}

func notFound(id string) error {
	return domain.Errorf(domain.KindNotFound, "order %s not found", id)
}

// applyFill is the fill transition. It assumes the caller holds the order's
// lock.
func applyFill(o *domain.Order, qty decimal.Decimal) (decimal.Decimal, error) {
	if o.Status.Terminal() {
		return decimal.Zero, domain.Errorf(domain.KindInvalidState, "order %s is %s", o.ID, o.Status)
	}
	applied := decimal.Min(qty, o.Remaining())
	if !applied.IsPositive() {
		return decimal.Zero, nil
	}
	o.FilledAmount = o.FilledAmount.Add(applied)
	if o.FilledAmount.Equal(o.CollateralAmount) {
		o.Status = domain.OrderStatusFilled
	} else {
		o.Status = domain.OrderStatusPartiallyFilled
	}
	return applied, nil
}
