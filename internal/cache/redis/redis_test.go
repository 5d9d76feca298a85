package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pivengine/internal/domain"
)

// newTestClient connects to PIVENGINE_TEST_REDIS_ADDR or skips.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("PIVENGINE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PIVENGINE_TEST_REDIS_ADDR not set")
	}
	c, err := New(context.Background(), ClientConfig{Addr: addr, KeyPrefix: "test-" + uuid.NewString()[:8]})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestKey(t *testing.T) {
	assert.Equal(t, "price:ETH", (&Client{}).key("price", "ETH"))
	assert.Equal(t, "piv:price:ETH", (&Client{prefix: "piv"}).key("price", "ETH"))
}

func TestPriceCache(t *testing.T) {
	ctx := context.Background()
	pc := NewPriceCache(newTestClient(t), time.Minute)

	_, err := pc.Quote(ctx, "ETH")
	assert.ErrorIs(t, err, domain.ErrPriceUnavailable)

	require.NoError(t, pc.SetPrice(ctx, "eth", decimal.RequireFromString("3000.25"), time.Now()))
	p, err := pc.Quote(ctx, "ETH")
	require.NoError(t, err)
	assert.Equal(t, "3000.25", p.String())

	require.NoError(t, pc.SetPrice(ctx, "ETH", decimal.NewFromInt(1), time.Now().Add(-time.Hour)))
	_, err = pc.Quote(ctx, "ETH")
	assert.ErrorIs(t, err, domain.ErrPriceUnavailable)
}

func TestLockManager(t *testing.T) {
	ctx := context.Background()
	lm := NewLockManager(newTestClient(t))

	release, err := lm.Acquire(ctx, "migration:p1", time.Minute)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, "migration:p1", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	release()
	release()
	again, err := lm.Acquire(ctx, "migration:p1", time.Minute)
	require.NoError(t, err)
	again()
}

func TestRateLimiter(t *testing.T) {
	ctx := context.Background()
	rl := NewRateLimiter(newTestClient(t))

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "client", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := rl.Allow(ctx, "client", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSignalBus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sb := NewSignalBus(newTestClient(t), "events")

	ch, err := sb.Subscribe(ctx, "events:*")
	require.NoError(t, err)
	require.NoError(t, sb.Publish(ctx, "events:order_placed", []byte(`{"id":"1"}`)))

	select {
	case msg := <-ch:
		assert.JSONEq(t, `{"id":"1"}`, string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}
