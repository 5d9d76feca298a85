package oracle

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/pivengine/internal/domain"
)

// Static serves fixed prices, typically from configuration.
type Static struct {
	prices map[string]decimal.Decimal
}

// NewStatic copies prices keyed by token symbol.
func NewStatic(prices map[string]decimal.Decimal) *Static {
	s := &Static{prices: make(map[string]decimal.Decimal, len(prices))}
	for sym, p := range prices {
		s.prices[domain.NormalizeSymbol(sym)] = p
	}
	return s
}

// Quote implements domain.PriceOracle.
func (s *Static) Quote(_ context.Context, token string) (decimal.Decimal, error) {
	p, ok := s.prices[domain.NormalizeSymbol(token)]
	if !ok {
		return decimal.Zero, domain.Errorf(domain.KindPriceUnavailable, "no static price for %s", token)
	}
	return p, nil
}

// Fallback tries each source in turn and returns the first price found.
type Fallback []domain.PriceOracle

// Quote implements domain.PriceOracle.
func (f Fallback) Quote(ctx context.Context, token string) (decimal.Decimal, error) {
	var lastErr error
	for _, src := range f {
		p, err := src.Quote(ctx, token)
		if err == nil {
			return p, nil
		}
		if ctx.Err() != nil {
			return decimal.Zero, ctx.Err()
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = domain.Errorf(domain.KindPriceUnavailable, "no price source for %s", token)
	}
	return decimal.Zero, lastErr
}
