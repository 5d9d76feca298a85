package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pivengine/internal/domain"
	"github.com/alanyoungcy/pivengine/internal/ledger"
	"github.com/alanyoungcy/pivengine/internal/matching"
	"github.com/alanyoungcy/pivengine/internal/metrics"
	"github.com/alanyoungcy/pivengine/internal/migration"
	"github.com/alanyoungcy/pivengine/internal/oracle"
	"github.com/alanyoungcy/pivengine/internal/orderbook"
	"github.com/alanyoungcy/pivengine/internal/platform/lending"
	"github.com/alanyoungcy/pivengine/internal/server/handler"
	"github.com/alanyoungcy/pivengine/internal/server/ws"
	"github.com/alanyoungcy/pivengine/internal/service"
	"github.com/alanyoungcy/pivengine/internal/store/memory"
)

const (
	maker  = "0x2222222222222222222222222222222222222222"
	holder = "0x9999999999999999999999999999999999999999"
	apiKey = "secret"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type denyAll struct{}

func (denyAll) Allow(context.Context, string, int, time.Duration) (bool, error) { return false, nil }

type apiClient struct {
	t   *testing.T
	url string
}

func newAPI(t *testing.T, cfg Config, limiter domain.RateLimiter) (*apiClient, *ws.Hub) {
	t.Helper()
	reg, err := domain.NewTokenRegistry([]domain.Token{
		{Symbol: "ETH", Decimals: 18, Precision: 6},
		{Symbol: "USDC", Decimals: 6, Precision: 6},
		{Symbol: "DAI", Decimals: 18, Precision: 6},
	})
	require.NoError(t, err)

	led := ledger.New()
	book := orderbook.New(reg, memory.NewOrderStore(), discard())
	prices := oracle.NewStatic(map[string]decimal.Decimal{
		"ETH": decimal.NewFromInt(3000), "USDC": decimal.NewFromInt(1), "DAI": decimal.NewFromInt(1),
	})
	mig := migration.NewEngine(led, book, reg, oracle.NewGuard(prices, time.Second, discard()), migration.Config{}, discard())
	match := matching.NewEngine(book, reg, decimal.Zero, discard())

	bus := memory.NewSignalBus()
	m := metrics.New()
	report := service.NewReporter(service.ReporterDeps{Bus: bus, Audit: memory.NewAuditStore(), Metrics: m}, discard())
	positions := service.NewPositionService(lending.NewStatic(lending.DefaultFixtures()), led, mig, report, discard())
	orders := service.NewOrderService(book, report, discard())
	swaps := service.NewSwapService(match, book, report)

	hub := ws.NewHub(bus, ws.Config{Channels: []string{service.ChannelOrders, service.ChannelSwaps}}, discard())
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = hub.Run(ctx) }()

	h := Handlers{
		Health:     handler.NewHealthHandler(nil, discard()),
		Positions:  handler.NewPositionHandler(positions, discard()),
		Migrations: handler.NewMigrationHandler(positions, discard()),
		Orders:     handler.NewOrderHandler(orders, discard()),
		Swaps:      handler.NewSwapHandler(swaps, discard()),
		Metrics:    m.Handler(),
	}
	srv := httptest.NewServer(Routes(cfg, h, hub, limiter, discard()))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return &apiClient{t: t, url: srv.URL}, hub
}

func (c *apiClient) do(method, path string, body any, out any) int {
	c.t.Helper()
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(c.t, err)
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.url+path, rdr)
	require.NoError(c.t, err)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(c.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

type errorBody struct {
	Error domain.ErrorInfo `json:"error"`
}

func (c *apiClient) place(amount, price string) domain.Order {
	c.t.Helper()
	var o domain.Order
	status := c.do(http.MethodPost, "/api/orders", map[string]string{
		"owner":            maker,
		"collateralToken":  "ETH",
		"debtToken":        "USDC",
		"collateralAmount": amount,
		"price":            price,
	}, &o)
	require.Equal(c.t, http.StatusCreated, status)
	return o
}

func TestSwapFillsOrderOverHTTP(t *testing.T) {
	api, _ := newAPI(t, Config{APIKey: apiKey}, nil)
	x := api.place("1.0", "3000")

	var res domain.SwapResult
	status := api.do(http.MethodPost, "/api/swap", map[string]any{
		"tokenIn": "USDC", "tokenOut": "ETH",
		"amountIn": "3000", "minAmountOut": "0.95",
		"candidateOrderIds": []string{x.ID},
	}, &res)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "1.000000", res.NetAmountOutText)

	var got domain.Order
	require.Equal(t, http.StatusOK, api.do(http.MethodGet, "/api/orders/"+x.ID, nil, &got))
	assert.Equal(t, domain.OrderStatusFilled, got.Status)

	// A filled order cannot be cancelled.
	var eb errorBody
	assert.Equal(t, http.StatusConflict, api.do(http.MethodDelete, "/api/orders/"+x.ID, nil, &eb))
	assert.Equal(t, domain.KindInvalidState, eb.Error.Kind)
}

func TestSlippageOverHTTP(t *testing.T) {
	api, _ := newAPI(t, Config{APIKey: apiKey}, nil)
	x := api.place("0.5", "3000")
	y := api.place("0.3", "3000")
	req := map[string]any{
		"tokenIn": "USDC", "tokenOut": "ETH",
		"amountIn": "3000", "minAmountOut": "0.95",
		"candidateOrderIds": []string{x.ID, y.ID},
	}

	var eb errorBody
	assert.Equal(t, http.StatusUnprocessableEntity, api.do(http.MethodPost, "/api/swap", req, &eb))
	assert.Equal(t, domain.KindSlippageExceeded, eb.Error.Kind)

	var preview domain.SwapResult
	require.Equal(t, http.StatusOK, api.do(http.MethodPost, "/api/swap/preview", req, &preview))
	assert.Equal(t, "0.800000", preview.NetAmountOutText)

	var list struct {
		Orders []domain.Order `json:"orders"`
	}
	require.Equal(t, http.StatusOK, api.do(http.MethodGet, "/api/orders?owner="+maker+"&status=open", nil, &list))
	assert.Len(t, list.Orders, 2)
}

func TestOrderUpdateAndValidation(t *testing.T) {
	api, _ := newAPI(t, Config{APIKey: apiKey}, nil)
	x := api.place("1", "3000")

	var o domain.Order
	require.Equal(t, http.StatusOK, api.do(http.MethodPut, "/api/orders/"+x.ID,
		map[string]string{"collateralAmount": "2", "price": "3100"}, &o))
	assert.True(t, o.CollateralAmount.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, int64(2), o.Version)

	var eb errorBody
	assert.Equal(t, http.StatusBadRequest, api.do(http.MethodPost, "/api/orders", map[string]string{
		"owner": maker, "collateralToken": "ETH", "debtToken": "USDC",
		"collateralAmount": "1.0000001", "price": "3000",
	}, &eb))
	assert.Equal(t, domain.KindValidation, eb.Error.Kind)

	assert.Equal(t, http.StatusBadRequest, api.do(http.MethodPost, "/api/orders", map[string]string{"bogus": "1"}, &eb))
	assert.Equal(t, http.StatusNotFound, api.do(http.MethodGet, "/api/orders/missing", nil, &eb))
	assert.Equal(t, http.StatusBadRequest, api.do(http.MethodGet, "/api/orders?status=done", nil, &eb))
}

func TestMigrationOverHTTP(t *testing.T) {
	api, _ := newAPI(t, Config{APIKey: apiKey}, nil)

	var refreshed struct {
		Positions []lending.APIPosition `json:"positions"`
	}
	require.Equal(t, http.StatusOK, api.do(http.MethodPost, "/api/positions/refresh?owner="+holder, nil, &refreshed))
	require.Len(t, refreshed.Positions, 4)
	var eth lending.APIPosition
	for _, p := range refreshed.Positions {
		if p.Token == "ETH" {
			eth = p
		}
	}

	var check domain.MigrationCheck
	require.Equal(t, http.StatusOK, api.do(http.MethodPost, "/api/migrations/check",
		map[string]string{"userAddress": holder, "positionId": eth.ID}, &check))
	assert.True(t, check.CanMigrate)

	body := map[string]any{
		"userAddress":    holder,
		"sourcePosition": eth,
		"destination":    "to_vault",
		"targetToken":    "USDC",
	}
	var res struct {
		Success       bool          `json:"success"`
		Order         *domain.Order `json:"order"`
		VaultPosition *struct {
			Amount          string `json:"amount"`
			FormattedAmount string `json:"formattedAmount"`
			OrderID         string `json:"orderId"`
		} `json:"vaultPosition"`
	}
	require.Equal(t, http.StatusCreated, api.do(http.MethodPost, "/api/migrations", body, &res))
	require.True(t, res.Success)
	assert.Equal(t, "0.000327", res.Order.Price.StringFixed(domain.PriceDecimals))
	require.NotNil(t, res.VaultPosition)
	assert.Equal(t, "2000000000000000000", res.VaultPosition.Amount)
	assert.Equal(t, res.Order.ID, res.VaultPosition.OrderID)

	var eb errorBody
	assert.Equal(t, http.StatusConflict, api.do(http.MethodPost, "/api/migrations", body, &eb))
	assert.Equal(t, domain.KindAlreadyMigrated, eb.Error.Kind)

	var vault struct {
		Positions []json.RawMessage `json:"positions"`
	}
	require.Equal(t, http.StatusOK, api.do(http.MethodGet, "/api/vault/positions?owner="+holder, nil, &vault))
	assert.Len(t, vault.Positions, 1)

	var migrated struct {
		Orders []domain.Order `json:"orders"`
	}
	require.Equal(t, http.StatusOK, api.do(http.MethodGet, "/api/orders?owner="+holder+"&source=migration", nil, &migrated))
	assert.Len(t, migrated.Orders, 1)

	assert.Equal(t, http.StatusBadRequest, api.do(http.MethodGet, "/api/positions", nil, &eb))
}

func TestAuthAndPublicRoutes(t *testing.T) {
	api, _ := newAPI(t, Config{APIKey: apiKey}, nil)

	resp, err := http.Get(api.url + "/api/orders")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	for _, path := range []string{"/api/health", "/metrics"} {
		resp, err := http.Get(api.url + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	}
}

func TestRateLimited(t *testing.T) {
	api, _ := newAPI(t, Config{RateLimit: 10, RateLimitWindow: time.Second}, denyAll{})
	var eb struct {
		Error map[string]string `json:"error"`
	}
	assert.Equal(t, http.StatusTooManyRequests, api.do(http.MethodGet, "/api/orders", nil, &eb))
	assert.Equal(t, "rate_limited", eb.Error["kind"])
}

func TestWebSocketStreamsOrderEvents(t *testing.T) {
	api, _ := newAPI(t, Config{}, nil)

	wsURL := "ws" + strings.TrimPrefix(api.url, "http") + "/ws?owner=" + maker
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The hub registers the client before the upgrade response is written,
	// but the bus subscription may still be starting; retry the trigger.
	var frame struct {
		Channel string        `json:"channel"`
		Data    service.Event `json:"data"`
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		api.place("1", "3000")
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
		if err := conn.ReadJSON(&frame); err == nil {
			break
		}
		require.True(t, time.Now().Before(deadline), "no event received")
	}
	assert.Equal(t, service.ChannelOrders, frame.Channel)
	assert.Equal(t, service.EventOrderPlaced, frame.Data.Type)
}
