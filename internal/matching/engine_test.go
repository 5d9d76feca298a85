package matching

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pivengine/internal/domain"
	"github.com/alanyoungcy/pivengine/internal/orderbook"
	"github.com/alanyoungcy/pivengine/internal/store/memory"
)

const maker = "0x2222222222222222222222222222222222222222"

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fixture struct {
	book   *orderbook.Book
	store  *memory.OrderStore
	engine *Engine
}

func newFixture(t *testing.T, fee string) *fixture {
	t.Helper()
	reg, err := domain.NewTokenRegistry([]domain.Token{
		{Symbol: "ETH", Decimals: 18, Precision: 6},
		{Symbol: "USDC", Decimals: 6, Precision: 6},
		{Symbol: "DAI", Decimals: 18, Precision: 6},
	})
	require.NoError(t, err)
	store := memory.NewOrderStore()
	book := orderbook.New(reg, store, discard())
	feeMul := decimal.Zero
	if fee != "" {
		feeMul = d(fee)
	}
	return &fixture{book: book, store: store, engine: NewEngine(book, reg, feeMul, discard())}
}

func (f *fixture) place(t *testing.T, collateral, debt, amount, price string, quote domain.PriceQuote) domain.Order {
	t.Helper()
	o, err := f.book.Place(context.Background(), domain.OrderSpec{
		Owner:            maker,
		CollateralToken:  collateral,
		DebtToken:        debt,
		CollateralAmount: d(amount),
		Price:            d(price),
		Quote:            quote,
	})
	require.NoError(t, err)
	return o
}

func swapReq(amountIn, minOut string, ids ...string) domain.SwapRequest {
	return domain.SwapRequest{
		TokenIn:           "USDC",
		TokenOut:          "ETH",
		AmountIn:          d(amountIn),
		MinAmountOut:      d(minOut),
		CandidateOrderIDs: ids,
	}
}

func TestSwapFillsSingleOrder(t *testing.T) {
	f := newFixture(t, "")
	x := f.place(t, "ETH", "USDC", "1.0", "3000", "")

	res, err := f.engine.Swap(context.Background(), swapReq("3000", "0.95", x.ID))
	require.NoError(t, err)
	assert.Equal(t, "1.000000", res.NetAmountOutText)
	assert.True(t, res.AmountOut.Equal(d("1")))
	assert.True(t, res.AmountInUsed.Equal(d("3000")))
	require.Len(t, res.Fills, 1)
	assert.True(t, res.Fills[0].Cost.Equal(d("3000")))

	got, err := f.book.Get(x.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, got.Status)
	mirrored, _ := f.store.Get(x.ID)
	assert.Equal(t, domain.OrderStatusFilled, mirrored.Status)
}

func TestSwapSlippageRollsBackEveryFill(t *testing.T) {
	f := newFixture(t, "")
	x := f.place(t, "ETH", "USDC", "0.5", "3000", "")
	y := f.place(t, "ETH", "USDC", "0.3", "3000", "")

	res, err := f.engine.Swap(context.Background(), swapReq("3000", "0.95", x.ID, y.ID))
	assert.ErrorIs(t, err, domain.ErrSlippageExceeded)
	assert.Equal(t, domain.KindSlippageExceeded, domain.KindOf(err))
	assert.Empty(t, res.Fills)

	for _, o := range []domain.Order{x, y} {
		got, err := f.book.Get(o.ID)
		require.NoError(t, err)
		assert.Equal(t, o, got)
		assert.True(t, got.FilledAmount.IsZero())

		mirrored, _ := f.store.Get(o.ID)
		assert.True(t, mirrored.FilledAmount.IsZero())
		assert.Equal(t, int64(1), mirrored.Version)
	}

	preview, err := f.engine.PreviewSwap(context.Background(), swapReq("3000", "0", x.ID, y.ID))
	require.NoError(t, err)
	assert.True(t, preview.AmountOut.Equal(d("0.8")))
	require.Len(t, preview.Fills, 2)
	assert.Equal(t, x.ID, preview.Fills[0].OrderID)
	assert.Equal(t, y.ID, preview.Fills[1].OrderID)
}

func TestSwapPartialFill(t *testing.T) {
	f := newFixture(t, "")
	x := f.place(t, "ETH", "USDC", "1", "3000", "")

	res, err := f.engine.Swap(context.Background(), swapReq("1500", "0.5", x.ID))
	require.NoError(t, err)
	assert.Equal(t, "0.500000", res.NetAmountOutText)

	got, _ := f.book.Get(x.ID)
	assert.Equal(t, domain.OrderStatusPartiallyFilled, got.Status)
	assert.True(t, got.FilledAmount.Equal(d("0.5")))
}

func TestSwapFollowsCallerOrder(t *testing.T) {
	f := newFixture(t, "")
	cheap := f.place(t, "ETH", "USDC", "1", "2000", "")
	dear := f.place(t, "ETH", "USDC", "1", "4000", "")

	res, err := f.engine.Swap(context.Background(), swapReq("4000", "0", dear.ID, cheap.ID))
	require.NoError(t, err)
	require.Len(t, res.Fills, 1)
	assert.Equal(t, dear.ID, res.Fills[0].OrderID)

	untouched, _ := f.book.Get(cheap.ID)
	assert.True(t, untouched.FilledAmount.IsZero())
}

func TestSwapSkipsIneligibleOrders(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")
	cancelled := f.place(t, "ETH", "USDC", "1", "3000", "")
	_, err := f.book.Cancel(ctx, cancelled.ID)
	require.NoError(t, err)
	wrongPair := f.place(t, "ETH", "DAI", "1", "3000", "")
	reversed := f.place(t, "USDC", "ETH", "3000", "0.000333", "")
	good := f.place(t, "ETH", "USDC", "1", "3000", "")

	res, err := f.engine.Swap(ctx, swapReq("3000", "1", cancelled.ID, wrongPair.ID, reversed.ID, good.ID, good.ID))
	require.NoError(t, err)
	require.Len(t, res.Fills, 1)
	assert.Equal(t, good.ID, res.Fills[0].OrderID)

	for _, o := range []domain.Order{wrongPair, reversed} {
		got, _ := f.book.Get(o.ID)
		assert.True(t, got.FilledAmount.IsZero())
	}
}

func TestSwapUnknownCandidate(t *testing.T) {
	f := newFixture(t, "")
	x := f.place(t, "ETH", "USDC", "1", "3000", "")

	_, err := f.engine.Swap(context.Background(), swapReq("3000", "0", x.ID, "nope"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
	got, _ := f.book.Get(x.ID)
	assert.True(t, got.FilledAmount.IsZero())
}

func TestSwapValidation(t *testing.T) {
	f := newFixture(t, "")
	x := f.place(t, "ETH", "USDC", "1", "3000", "")

	tests := []struct {
		name string
		req  domain.SwapRequest
	}{
		{"zero amount", swapReq("0", "0", x.ID)},
		{"amount too precise", swapReq("1.0000001", "0", x.ID)},
		{"negative minimum", swapReq("1", "-1", x.ID)},
		{"no candidates", swapReq("1", "0")},
		{"same token", domain.SwapRequest{TokenIn: "ETH", TokenOut: "eth", AmountIn: d("1"), CandidateOrderIDs: []string{x.ID}}},
		{"unknown token", domain.SwapRequest{TokenIn: "FOO", TokenOut: "ETH", AmountIn: d("1"), CandidateOrderIDs: []string{x.ID}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Swap(context.Background(), tt.req)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestSwapCollateralPerDebtOrder(t *testing.T) {
	f := newFixture(t, "")
	// A migration-style order: 0.0005 ETH per USDC, i.e. 2000 USDC per ETH.
	o := f.place(t, "ETH", "USDC", "2", "0.0005", domain.QuoteCollateralPerDebt)

	res, err := f.engine.Swap(context.Background(), swapReq("1000", "0.5", o.ID))
	require.NoError(t, err)
	assert.Equal(t, "0.500000", res.NetAmountOutText)
	assert.True(t, res.AmountInUsed.Equal(d("1000")))
}

func TestSwapFeeMultiplier(t *testing.T) {
	f := newFixture(t, "0.997")
	x := f.place(t, "ETH", "USDC", "1", "3000", "")

	_, err := f.engine.Swap(context.Background(), swapReq("3000", "0.998", x.ID))
	assert.ErrorIs(t, err, domain.ErrSlippageExceeded)

	res, err := f.engine.Swap(context.Background(), swapReq("3000", "0.997", x.ID))
	require.NoError(t, err)
	assert.True(t, res.AmountOut.Equal(d("1")))
	assert.Equal(t, "0.997000", res.NetAmountOutText)
}

func TestPreviewChangesNothing(t *testing.T) {
	f := newFixture(t, "")
	x := f.place(t, "ETH", "USDC", "1", "3000", "")

	res, err := f.engine.PreviewSwap(context.Background(), swapReq("6000", "5", x.ID))
	require.NoError(t, err)
	assert.Equal(t, "1.000000", res.NetAmountOutText)
	assert.True(t, res.AmountInUsed.Equal(d("3000")))

	got, _ := f.book.Get(x.ID)
	assert.Equal(t, x, got)
}

func TestConcurrentSwapsNeverOverfill(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")
	x := f.place(t, "ETH", "USDC", "1", "3000", "")
	y := f.place(t, "ETH", "USDC", "1", "3000", "")

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		filled = decimal.Zero
	)
	for i := 0; i < 40; i++ {
		ids := []string{x.ID, y.ID}
		if i%2 == 1 {
			ids = []string{y.ID, x.ID}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.engine.Swap(ctx, swapReq("300", "0", ids...))
			if err == nil {
				mu.Lock()
				filled = filled.Add(res.AmountOut)
				mu.Unlock()
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = f.book.Cancel(ctx, y.ID)
	}()
	wg.Wait()

	total := decimal.Zero
	for _, id := range []string{x.ID, y.ID} {
		o, err := f.book.Get(id)
		require.NoError(t, err)
		assert.True(t, o.FilledAmount.LessThanOrEqual(o.CollateralAmount))
		total = total.Add(o.FilledAmount)
	}
	assert.True(t, total.Equal(filled), "book %s vs swaps %s", total, filled)
}
