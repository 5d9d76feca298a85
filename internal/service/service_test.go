package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pivengine/internal/domain"
	"github.com/alanyoungcy/pivengine/internal/ledger"
	"github.com/alanyoungcy/pivengine/internal/matching"
	"github.com/alanyoungcy/pivengine/internal/metrics"
	"github.com/alanyoungcy/pivengine/internal/migration"
	"github.com/alanyoungcy/pivengine/internal/notify"
	"github.com/alanyoungcy/pivengine/internal/oracle"
	"github.com/alanyoungcy/pivengine/internal/orderbook"
	"github.com/alanyoungcy/pivengine/internal/platform/lending"
	"github.com/alanyoungcy/pivengine/internal/store/memory"
)

const owner = "0x9999999999999999999999999999999999999999"

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type recordingSettler struct {
	mu     sync.Mutex
	events []domain.SettlementEvent
	err    error
}

func (s *recordingSettler) Settle(_ context.Context, evt domain.SettlementEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return s.err
}

type recordingSender struct {
	mu     sync.Mutex
	titles []string
}

func (s *recordingSender) Send(_ context.Context, title, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titles = append(s.titles, title)
	return nil
}

func (s *recordingSender) Name() string { return "recording" }

type stack struct {
	ledger    *ledger.Ledger
	book      *orderbook.Book
	audit     *memory.AuditStore
	bus       *memory.SignalBus
	settler   *recordingSettler
	sender    *recordingSender
	report    *Reporter
	orders    *OrderService
	positions *PositionService
	swaps     *SwapService
	events    <-chan []byte
}

func newStack(t *testing.T, bookOpts ...orderbook.Option) *stack {
	t.Helper()
	reg, err := domain.NewTokenRegistry([]domain.Token{
		{Symbol: "ETH", Decimals: 18, Precision: 6},
		{Symbol: "USDC", Decimals: 6, Precision: 6},
		{Symbol: "DAI", Decimals: 18, Precision: 6},
	})
	require.NoError(t, err)

	s := &stack{
		ledger:  ledger.New(),
		audit:   memory.NewAuditStore(),
		bus:     memory.NewSignalBus(),
		settler: &recordingSettler{},
		sender:  &recordingSender{},
	}
	s.book = orderbook.New(reg, memory.NewOrderStore(), discard(), bookOpts...)
	prices := oracle.NewStatic(map[string]decimal.Decimal{"ETH": d("3000"), "USDC": d("1"), "DAI": d("1")})
	mig := migration.NewEngine(s.ledger, s.book, reg, oracle.NewGuard(prices, time.Second, discard()), migration.Config{}, discard())
	match := matching.NewEngine(s.book, reg, decimal.Zero, discard())

	s.report = NewReporter(ReporterDeps{
		Bus:      s.bus,
		Audit:    s.audit,
		Settler:  s.settler,
		Notifier: notify.NewNotifier([]notify.Sender{s.sender}, nil, discard()),
		Metrics:  metrics.New(),
	}, discard())
	s.orders = NewOrderService(s.book, s.report, discard())
	s.positions = NewPositionService(lending.NewStatic(lending.DefaultFixtures()), s.ledger, mig, s.report, discard())
	s.swaps = NewSwapService(match, s.book, s.report)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s.events, err = s.bus.Subscribe(ctx, EventPattern)
	require.NoError(t, err)
	return s
}

// drain returns the event types published so far.
func (s *stack) drain(t *testing.T) []string {
	t.Helper()
	var types []string
	for {
		select {
		case payload := <-s.events:
			var evt Event
			require.NoError(t, json.Unmarshal(payload, &evt))
			types = append(types, evt.Type)
		default:
			return types
		}
	}
}

func (s *stack) auditEvents(t *testing.T) []string {
	t.Helper()
	entries, err := s.audit.List(context.Background(), 100)
	require.NoError(t, err)
	var out []string
	for i := len(entries) - 1; i >= 0; i-- {
		out = append(out, entries[i].Event)
	}
	return out
}

func TestRefreshAndMigrate(t *testing.T) {
	ctx := context.Background()
	s := newStack(t)

	positions, err := s.positions.RefreshPositions(ctx, owner)
	require.NoError(t, err)
	require.Len(t, positions, 4)
	assert.Equal(t, []string{EventPositionsRefreshed}, s.drain(t))

	var eth domain.Position
	for _, p := range positions {
		if p.Token == "ETH" {
			eth = p
		}
	}
	require.NotEmpty(t, eth.ID)
	assert.True(t, s.positions.CheckMigration(owner, eth.ID).CanMigrate)

	res, err := s.positions.Migrate(ctx, domain.MigrationRequest{
		UserAddress:    owner,
		SourcePosition: eth,
		Destination:    domain.DestinationToVault,
		TargetToken:    "USDC",
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "0.000327", res.Order.Price.StringFixed(domain.PriceDecimals))

	assert.Equal(t, []string{EventOrderPlaced, EventPositionMigrated}, s.drain(t))
	assert.Equal(t, []string{EventOrderPlaced, EventPositionMigrated}, s.auditEvents(t))
	require.Len(t, s.settler.events, 1)
	assert.Equal(t, domain.SettlementMigration, s.settler.events[0].Kind)
	assert.Equal(t, []string{res.Order.ID}, s.settler.events[0].OrderIDs)

	assert.Len(t, s.positions.ListPositions(owner), 3)
	assert.Len(t, s.positions.ListVaultPositions(owner), 1)

	// A refresh must not resurrect the migrated position.
	positions, err = s.positions.RefreshPositions(ctx, owner)
	require.NoError(t, err)
	assert.Len(t, positions, 3)

	_, err = s.positions.Migrate(ctx, domain.MigrationRequest{
		UserAddress:    owner,
		SourcePosition: eth,
		Destination:    domain.DestinationToVault,
	})
	assert.ErrorIs(t, err, domain.ErrAlreadyMigrated)
	assert.Empty(t, s.sender.titles)
}

type failingAdapter struct{}

func (failingAdapter) ListPositions(context.Context, string) ([]domain.Position, error) {
	return nil, domain.NewError(domain.KindAdapterUnavailable, "lending api down")
}

func TestRefreshFailureLeavesLedger(t *testing.T) {
	ctx := context.Background()
	s := newStack(t)
	_, err := s.positions.RefreshPositions(ctx, owner)
	require.NoError(t, err)

	broken := NewPositionService(failingAdapter{}, s.ledger, nil, s.report, discard())
	_, err = broken.RefreshPositions(ctx, owner)
	assert.ErrorIs(t, err, domain.ErrAdapterUnavailable)
	assert.Len(t, s.ledger.ListPositions(owner), 4)

	_, err = broken.RefreshPositions(ctx, "  ")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

type brokenMigrator struct{}

func (brokenMigrator) Migrate(context.Context, domain.MigrationRequest) (domain.MigrationResult, error) {
	err := domain.NewError(domain.KindIntegrity, "compensation failed")
	return domain.MigrationResult{Error: domain.InfoOf(err)}, err
}

func (brokenMigrator) Check(string, string) domain.MigrationCheck { return domain.MigrationCheck{} }

func TestIntegrityErrorsAreEscalated(t *testing.T) {
	s := newStack(t)
	svc := NewPositionService(nil, s.ledger, brokenMigrator{}, s.report, discard())

	res, err := svc.Migrate(context.Background(), domain.MigrationRequest{UserAddress: owner})
	assert.ErrorIs(t, err, domain.ErrIntegrity)
	assert.False(t, res.Success)
	assert.Equal(t, []string{"integrity_violation"}, s.auditEvents(t))
	assert.Equal(t, []string{"Engine integrity violation"}, s.sender.titles)
	assert.Empty(t, s.drain(t))
}

type downLedgerStore struct{}

func (downLedgerStore) RecordMigration(context.Context, domain.ConsumedPosition, *domain.VaultPosition) error {
	return errors.New("connection refused")
}

func (downLedgerStore) Load(context.Context) (domain.LedgerSnapshot, error) {
	return domain.LedgerSnapshot{}, nil
}

func migrateETH(t *testing.T, s *stack) domain.MigrationResult {
	t.Helper()
	ctx := context.Background()
	positions, err := s.positions.RefreshPositions(ctx, owner)
	require.NoError(t, err)
	for _, p := range positions {
		if p.Token == "ETH" {
			res, err := s.positions.Migrate(ctx, domain.MigrationRequest{
				UserAddress:    owner,
				SourcePosition: p,
				Destination:    domain.DestinationToVault,
				TargetToken:    "USDC",
			})
			require.NoError(t, err)
			return res
		}
	}
	t.Fatal("no ETH position")
	return domain.MigrationResult{}
}

func TestMigrationIsPersisted(t *testing.T) {
	s := newStack(t)
	store := memory.NewLedgerStore()
	s.positions.WithLedgerStore(store)

	res := migrateETH(t, s)

	snap, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Consumed, 1)
	assert.Equal(t, res.Order.ID, snap.Consumed[0].OrderID)
	require.Len(t, snap.Vault, 1)
	assert.Equal(t, res.VaultPosition.ID, snap.Vault[0].ID)
	assert.Empty(t, s.sender.titles)
}

func TestLedgerPersistFailureAlerts(t *testing.T) {
	s := newStack(t)
	s.positions.WithLedgerStore(downLedgerStore{})

	res := migrateETH(t, s)
	assert.True(t, res.Success)
	assert.Contains(t, s.auditEvents(t), "ledger_persist_failed")
	assert.Equal(t, []string{"Ledger persistence failed"}, s.sender.titles)
}

func TestOrderLifecycleEvents(t *testing.T) {
	ctx := context.Background()
	s := newStack(t)

	o, err := s.orders.PlaceOrder(ctx, domain.OrderSpec{
		Owner:            owner,
		CollateralToken:  "ETH",
		DebtToken:        "USDC",
		CollateralAmount: d("1"),
		Price:            d("3000"),
		Source:           domain.OrderSourceMigration,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderSourceDirect, o.Source)

	_, err = s.orders.UpdateOrder(ctx, o.ID, d("2"), d("3100"))
	require.NoError(t, err)
	_, err = s.orders.CancelOrder(ctx, o.ID)
	require.NoError(t, err)
	_, err = s.orders.CancelOrder(ctx, o.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	assert.Equal(t, []string{EventOrderPlaced, EventOrderUpdated, EventOrderCancelled}, s.drain(t))
	got, err := s.orders.GetOrder(o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, got.Status)
	assert.Len(t, s.orders.ListOrders(domain.OrderFilter{Owner: owner}), 1)
}

func TestSwapReportsFillsAndSettles(t *testing.T) {
	ctx := context.Background()
	s := newStack(t)
	o, err := s.orders.PlaceOrder(ctx, domain.OrderSpec{
		Owner: owner, CollateralToken: "ETH", DebtToken: "USDC",
		CollateralAmount: d("1"), Price: d("3000"),
	})
	require.NoError(t, err)
	s.drain(t)

	req := domain.SwapRequest{
		TokenIn: "USDC", TokenOut: "ETH",
		AmountIn: d("3000"), MinAmountOut: d("0.95"),
		CandidateOrderIDs: []string{o.ID},
	}
	preview, err := s.swaps.PreviewSwap(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "1.000000", preview.NetAmountOutText)
	assert.Empty(t, s.drain(t))

	res, err := s.swaps.Swap(ctx, "0x1111111111111111111111111111111111111111", req)
	require.NoError(t, err)
	assert.Equal(t, "1.000000", res.NetAmountOutText)
	assert.Equal(t, []string{EventOrderFilled, EventSwapExecuted}, s.drain(t))

	require.Len(t, s.settler.events, 1)
	evt := s.settler.events[0]
	assert.Equal(t, domain.SettlementSwap, evt.Kind)
	assert.Equal(t, []string{o.ID}, evt.OrderIDs)
	assert.Equal(t, "0x1111111111111111111111111111111111111111", evt.Owner)

	_, err = s.swaps.Swap(ctx, owner, req)
	assert.Error(t, err)
	assert.Len(t, s.settler.events, 1)
}

func TestSettlementFailureKeepsResult(t *testing.T) {
	ctx := context.Background()
	s := newStack(t)
	s.settler.err = errors.New("settlement layer down")
	o, err := s.orders.PlaceOrder(ctx, domain.OrderSpec{
		Owner: owner, CollateralToken: "ETH", DebtToken: "USDC",
		CollateralAmount: d("1"), Price: d("3000"),
	})
	require.NoError(t, err)

	_, err = s.swaps.Swap(ctx, owner, domain.SwapRequest{
		TokenIn: "USDC", TokenOut: "ETH", AmountIn: d("3000"),
		CandidateOrderIDs: []string{o.ID},
	})
	require.NoError(t, err)

	got, _ := s.orders.GetOrder(o.ID)
	assert.Equal(t, domain.OrderStatusFilled, got.Status)
	assert.Contains(t, s.auditEvents(t), "settlement_failed")
	assert.Equal(t, []string{"Settlement failed"}, s.sender.titles)
}
