// Package oracle bounds price lookups. A Guard wraps any domain.PriceOracle
// with a per-attempt timeout and at most one retry, and maps failures onto
// the engine's error kinds.
package oracle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/pivengine/internal/domain"
)

// DefaultTimeout is the per-attempt quote timeout.
const DefaultTimeout = 3 * time.Second

// Guard implements domain.PriceOracle.
type Guard struct {
	source  domain.PriceOracle
	timeout time.Duration
	retries int
	logger  *slog.Logger
}

// NewGuard wraps source. A non-positive timeout selects DefaultTimeout.
func NewGuard(source domain.PriceOracle, timeout time.Duration, logger *slog.Logger) *Guard {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Guard{
		source:  source,
		timeout: timeout,
		retries: 1,
		logger:  logger.With(slog.String("component", "oracle")),
	}
}

// Quote returns a positive price for token. Timeouts surface as
// domain.ErrOracleTimeout, everything else as domain.ErrPriceUnavailable.
func (g *Guard) Quote(ctx context.Context, token string) (decimal.Decimal, error) {
	token = domain.NormalizeSymbol(token)

	var lastErr error
	for attempt := 0; attempt <= g.retries; attempt++ {
		if ctx.Err() != nil {
			break
		}
		price, err := g.attempt(ctx, token)
		if err == nil {
			return price, nil
		}
		lastErr = err
		g.logger.WarnContext(ctx, "quote attempt failed",
			slog.String("token", token),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}
	if lastErr == nil {
		lastErr = ctx.Err()
	}
	return decimal.Zero, classify(token, lastErr)
}

func (g *Guard) attempt(ctx context.Context, token string) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	type result struct {
		price decimal.Decimal
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		p, err := g.source.Quote(ctx, token)
		ch <- result{p, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return decimal.Zero, r.err
		}
		if !r.price.IsPositive() {
			return decimal.Zero, domain.Errorf(domain.KindPriceUnavailable, "non-positive price %s for %s", r.price, token)
		}
		return r.price, nil
	case <-ctx.Done():
		return decimal.Zero, ctx.Err()
	}
}

func classify(token string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, domain.ErrOracleTimeout):
		return domain.WrapError(domain.KindOracleTimeout, "price quote for "+token+" timed out", err)
	case errors.Is(err, domain.ErrPriceUnavailable):
		return err
	default:
		return domain.WrapError(domain.KindPriceUnavailable, "no price for "+token, err)
	}
}

var _ domain.PriceOracle = (*Guard)(nil)
