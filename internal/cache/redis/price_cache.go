package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/pivengine/internal/domain"
)

// PriceCache serves token prices from Redis hashes. Each token is stored at
// "price:{SYMBOL}" with fields "price" (decimal string) and "ts" (Unix
// nanoseconds). An external feed writes them; the engine only reads.
type PriceCache struct {
	c      *Client
	maxAge time.Duration
	now    func() time.Time
}

// NewPriceCache creates a PriceCache. Prices older than maxAge are treated as
// missing; zero disables the check.
func NewPriceCache(c *Client, maxAge time.Duration) *PriceCache {
	return &PriceCache{c: c, maxAge: maxAge, now: time.Now}
}

func (pc *PriceCache) priceKey(token string) string {
	return pc.c.key("price", domain.NormalizeSymbol(token))
}

// SetPrice stores the latest price for token.
func (pc *PriceCache) SetPrice(ctx context.Context, token string, price decimal.Decimal, ts time.Time) error {
	fields := map[string]any{
		"price": price.String(),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	}
	if err := pc.c.rdb.HSet(ctx, pc.priceKey(token), fields).Err(); err != nil {
		return fmt.Errorf("redis: set price %s: %w", token, err)
	}
	return nil
}

// Quote implements domain.PriceOracle.
func (pc *PriceCache) Quote(ctx context.Context, token string) (decimal.Decimal, error) {
	vals, err := pc.c.rdb.HGetAll(ctx, pc.priceKey(token)).Result()
	if err != nil && err != redis.Nil {
		return decimal.Zero, fmt.Errorf("redis: get price %s: %w", token, err)
	}

	priceStr, ok := vals["price"]
	if !ok {
		return decimal.Zero, domain.Errorf(domain.KindPriceUnavailable, "no cached price for %s", token)
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("redis: parse price %s: %w", token, err)
	}

	if pc.maxAge > 0 {
		tsNano, err := strconv.ParseInt(vals["ts"], 10, 64)
		if err != nil {
			return decimal.Zero, fmt.Errorf("redis: parse ts %s: %w", token, err)
		}
		if age := pc.now().Sub(time.Unix(0, tsNano)); age > pc.maxAge {
			return decimal.Zero, domain.Errorf(domain.KindPriceUnavailable, "cached price for %s is %s old", token, age.Round(time.Second))
		}
	}
	return price, nil
}

var _ domain.PriceOracle = (*PriceCache)(nil)
