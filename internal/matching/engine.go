// Package matching fills resting orders against swap requests.
//
// Candidates are walked in exactly the order the caller supplies them; the
// engine never re-sorts. For lock acquisition all candidates are locked up
// front in ascending id order and held until the swap is committed or rolled
// back, so two swaps over overlapping order sets cannot deadlock and no
// cancel or update can slip in between fills of the same swap.
package matching

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/pivengine/internal/domain"
	"github.com/alanyoungcy/pivengine/internal/orderbook"
)

// OrderLocker hands out locked batches of orders.
type OrderLocker interface {
	Acquire(ids []string) (*orderbook.Batch, error)
}

// quotientPrecision is the scale for dividing input by a unit price before
// truncating to the output token precision.
const quotientPrecision int32 = 24

// Engine executes swaps.
type Engine struct {
	orders OrderLocker
	tokens *domain.TokenRegistry
	fee    decimal.Decimal
	logger *slog.Logger
}

// NewEngine creates an Engine. feeMultiplier is applied to the gross output.
// The zero value means unset and charges no fee; configured values are
// checked before they reach here.
func NewEngine(orders OrderLocker, tokens *domain.TokenRegistry, feeMultiplier decimal.Decimal, logger *slog.Logger) *Engine {
	if feeMultiplier.IsZero() {
		feeMultiplier = decimal.NewFromInt(1)
	}
	return &Engine{
		orders: orders,
		tokens: tokens,
		fee:    feeMultiplier,
		logger: logger.With(slog.String("component", "matching")),
	}
}

// Swap fills the candidates and commits the fills. If the net output is
// below req.MinAmountOut nothing is changed and domain.ErrSlippageExceeded
// is returned.
func (e *Engine) Swap(ctx context.Context, req domain.SwapRequest) (domain.SwapResult, error) {
	return e.run(ctx, req, true)
}

// PreviewSwap computes what Swap would return without changing any order.
// The minimum output is not enforced.
func (e *Engine) PreviewSwap(ctx context.Context, req domain.SwapRequest) (domain.SwapResult, error) {
	return e.run(ctx, req, false)
}

func (e *Engine) run(ctx context.Context, req domain.SwapRequest, commit bool) (domain.SwapResult, error) {
	in, out, err := e.validate(req, commit)
	if err != nil {
		return domain.SwapResult{}, err
	}

	batch, err := e.orders.Acquire(req.CandidateOrderIDs)
	if err != nil {
		return domain.SwapResult{}, err
	}
	defer batch.Release()

	res, err := e.walk(batch, req, in, out)
	if err != nil {
		batch.Rollback()
		return domain.SwapResult{}, err
	}

	if !commit {
		batch.Rollback()
		return res, nil
	}

	if res.NetAmountOut.LessThan(req.MinAmountOut) {
		batch.Rollback()
		e.logger.InfoContext(ctx, "swap rejected",
			slog.String("pair", in.Symbol+"->"+out.Symbol),
			slog.String("net_amount_out", res.NetAmountOutText),
			slog.String("min_amount_out", req.MinAmountOut.String()),
		)
		return domain.SwapResult{}, domain.Errorf(domain.KindSlippageExceeded,
			"net amount out %s is below minimum %s", res.NetAmountOutText, req.MinAmountOut.String())
	}

	if err := batch.Commit(ctx); err != nil {
		return domain.SwapResult{}, err
	}

	e.logger.InfoContext(ctx, "swap executed",
		slog.String("pair", in.Symbol+"->"+out.Symbol),
		slog.String("amount_in", res.AmountInUsed.String()),
		slog.String("net_amount_out", res.NetAmountOutText),
		slog.Int("fills", len(res.Fills)),
	)
	return res, nil
}

func (e *Engine) validate(req domain.SwapRequest, checkMin bool) (in, out domain.Token, err error) {
	if in, err = e.tokens.Lookup(req.TokenIn); err != nil {
		return in, out, err
	}
	if out, err = e.tokens.Lookup(req.TokenOut); err != nil {
		return in, out, err
	}
	if in.Symbol == out.Symbol {
		return in, out, domain.NewError(domain.KindValidation, "tokenIn and tokenOut must differ")
	}
	if !req.AmountIn.IsPositive() {
		return in, out, domain.NewError(domain.KindValidation, "amountIn must be positive")
	}
	if err := domain.CheckScale(req.AmountIn, in.Precision); err != nil {
		return in, out, err
	}
	if checkMin {
		if req.MinAmountOut.IsNegative() {
			return in, out, domain.NewError(domain.KindValidation, "minAmountOut must not be negative")
		}
		if err := domain.CheckScale(req.MinAmountOut, out.Precision); err != nil {
			return in, out, err
		}
	}
	if len(req.CandidateOrderIDs) == 0 {
		return in, out, domain.NewError(domain.KindValidation, "no candidate orders")
	}
	return in, out, nil
}

// walk stages fills on the batch in caller order.
func (e *Engine) walk(batch *orderbook.Batch, req domain.SwapRequest, in, out domain.Token) (domain.SwapResult, error) {
	remainingIn := req.AmountIn
	amountOut := decimal.Zero
	var fills []domain.Fill

	seen := make(map[string]struct{}, len(req.CandidateOrderIDs))
	for _, id := range req.CandidateOrderIDs {
		if !remainingIn.IsPositive() {
			break
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		o, ok := batch.Order(id)
		if !ok || o.Status.Terminal() || o.CollateralToken != out.Symbol || o.DebtToken != in.Symbol {
			continue
		}
		unit := o.UnitPrice()
		if !unit.IsPositive() {
			continue
		}

		affordable := remainingIn.DivRound(unit, quotientPrecision).Truncate(out.Precision)
		qty := decimal.Min(o.Remaining(), affordable)
		if !qty.IsPositive() {
			continue
		}

		applied, err := batch.ApplyFill(id, qty)
		if err != nil {
			return domain.SwapResult{}, err
		}
		if !applied.IsPositive() {
			continue
		}

		cost := decimal.Min(applied.Mul(unit).Round(in.Precision), remainingIn)
		remainingIn = remainingIn.Sub(cost)
		amountOut = amountOut.Add(applied)
		fills = append(fills, domain.Fill{OrderID: id, Quantity: applied, Cost: cost})
	}

	net := amountOut.Mul(e.fee).Round(out.Precision)
	return domain.SwapResult{
		TokenIn:          in.Symbol,
		TokenOut:         out.Symbol,
		AmountInUsed:     req.AmountIn.Sub(remainingIn),
		AmountOut:        amountOut,
		NetAmountOut:     net,
		NetAmountOutText: net.StringFixed(out.Precision),
		Fills:            fills,
	}, nil
}
