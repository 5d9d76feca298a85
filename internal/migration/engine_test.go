package migration

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pivengine/internal/domain"
	"github.com/alanyoungcy/pivengine/internal/ledger"
	"github.com/alanyoungcy/pivengine/internal/oracle"
	"github.com/alanyoungcy/pivengine/internal/orderbook"
	"github.com/alanyoungcy/pivengine/internal/store/memory"
)

const user = "0x9999999999999999999999999999999999999999"

type fixture struct {
	ledger *ledger.Ledger
	book   *orderbook.Book
	store  *memory.OrderStore
	engine *Engine
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func tokens(t *testing.T) *domain.TokenRegistry {
	t.Helper()
	reg, err := domain.NewTokenRegistry([]domain.Token{
		{Symbol: "ETH", Decimals: 18, Precision: 6},
		{Symbol: "USDC", Decimals: 6, Precision: 6},
		{Symbol: "DAI", Decimals: 18, Precision: 6},
	})
	require.NoError(t, err)
	return reg
}

func prices() *oracle.Static {
	return oracle.NewStatic(map[string]decimal.Decimal{
		"ETH":  decimal.NewFromInt(3000),
		"USDC": decimal.NewFromInt(1),
		"DAI":  decimal.NewFromInt(1),
	})
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	reg := tokens(t)
	store := memory.NewOrderStore()
	f := &fixture{
		ledger: ledger.New(),
		store:  store,
		book:   orderbook.New(reg, store, discard()),
	}
	f.engine = NewEngine(f.ledger, f.book, reg, oracle.NewGuard(prices(), time.Second, discard()), cfg, discard(), opts...)
	return f
}

func (f *fixture) seed(t *testing.T, positions ...domain.Position) {
	t.Helper()
	_, err := f.ledger.Sync(user, positions)
	require.NoError(t, err)
}

func collateralETH(id, display string, raw int64) domain.Position {
	return domain.Position{
		ID:            id,
		Kind:          domain.PositionKindCollateral,
		Token:         "ETH",
		RawAmount:     big.NewInt(raw),
		DisplayAmount: display,
		TokenAddress:  "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2",
	}
}

func debtUSDC(id, display string) domain.Position {
	return domain.Position{
		ID:            id,
		Kind:          domain.PositionKindDebt,
		Token:         "USDC",
		RawAmount:     big.NewInt(1_000_000_000),
		DisplayAmount: display,
	}
}

func request(p domain.Position, dest domain.MigrationDestination, target string) domain.MigrationRequest {
	return domain.MigrationRequest{
		UserAddress:    user,
		SourcePosition: p,
		Destination:    dest,
		TargetToken:    target,
	}
}

func TestMigrateCollateralToVault(t *testing.T) {
	f := newFixture(t, Config{})
	pos := collateralETH("eth-1", "2.0000", 2_000_000_000_000_000_000)
	f.seed(t, pos)

	res, err := f.engine.Migrate(context.Background(), request(pos, domain.DestinationToVault, "USDC"))
	require.NoError(t, err)
	require.True(t, res.Success)
	require.NotNil(t, res.Order)
	require.NotNil(t, res.VaultPosition)

	assert.Equal(t, "0.000327", res.Order.Price.StringFixed(domain.PriceDecimals))
	assert.Equal(t, domain.QuoteCollateralPerDebt, res.Order.Quote)
	assert.Equal(t, domain.OrderSourceMigration, res.Order.Source)
	assert.Equal(t, domain.InterestRateVariable, res.Order.InterestRateMode)
	assert.True(t, res.Order.CollateralAmount.Equal(decimal.RequireFromString("2")))
	assert.Equal(t, "ETH", res.Order.CollateralToken)
	assert.Equal(t, "USDC", res.Order.DebtToken)

	assert.Equal(t, "2.0000", res.VaultPosition.DisplayAmount)
	assert.Equal(t, res.Order.ID, res.VaultPosition.OriginOrderID)

	_, err = f.ledger.Get(user, pos.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Len(t, f.ledger.ListVaultPositions(user), 1)

	stored, err := f.book.Get(res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusOpen, stored.Status)
	_, mirrored := f.store.Get(res.Order.ID)
	assert.True(t, mirrored)
}

func TestMigrateToOrderCreatesNoVaultPosition(t *testing.T) {
	f := newFixture(t, Config{})
	pos := collateralETH("eth-1", "1.5", 1_500_000_000_000_000_000)
	f.seed(t, pos)

	req := request(pos, domain.DestinationToOrder, "DAI")
	req.InterestRateMode = domain.InterestRateStable
	res, err := f.engine.Migrate(context.Background(), req)
	require.NoError(t, err)
	assert.Nil(t, res.VaultPosition)
	assert.Equal(t, "DAI", res.Order.DebtToken)
	assert.Equal(t, domain.InterestRateStable, res.Order.InterestRateMode)
	assert.Empty(t, f.ledger.ListVaultPositions(user))
}

func TestMigrateDebtPosition(t *testing.T) {
	f := newFixture(t, Config{})
	pos := debtUSDC("usdc-debt", "1000")
	f.seed(t, pos)

	res, err := f.engine.Migrate(context.Background(), request(pos, domain.DestinationToVault, "ETH"))
	require.NoError(t, err)
	assert.Nil(t, res.VaultPosition)
	assert.Equal(t, "ETH", res.Order.CollateralToken)
	assert.Equal(t, "USDC", res.Order.DebtToken)
	// 1000 USDC at 0.000327 ETH per USDC.
	assert.Equal(t, "0.327", res.Order.CollateralAmount.String())
}

func TestMigrateConfiguredDefaults(t *testing.T) {
	f := newFixture(t, Config{DefaultDebtToken: "USDC", DefaultCollateralToken: "ETH"})
	pos := collateralETH("eth-1", "2", 2)
	f.seed(t, pos)

	res, err := f.engine.Migrate(context.Background(), request(pos, domain.DestinationToVault, ""))
	require.NoError(t, err)
	assert.Equal(t, "USDC", res.Order.DebtToken)
}

func TestMigrateValidation(t *testing.T) {
	tests := []struct {
		name   string
		seed   []domain.Position
		req    domain.MigrationRequest
		reason string
	}{
		{
			name:   "zero raw amount",
			seed:   []domain.Position{collateralETH("p", "0", 0)},
			req:    request(collateralETH("p", "0", 0), domain.DestinationToVault, "USDC"),
			reason: "position amount is zero",
		},
		{
			name:   "dust",
			seed:   []domain.Position{collateralETH("p", "0.00009", 90_000_000_000_000)},
			req:    request(collateralETH("p", "0.00009", 1), domain.DestinationToVault, "USDC"),
			reason: "amount too small",
		},
		{
			name: "unknown position",
			req:  request(collateralETH("ghost", "1", 1), domain.DestinationToVault, "USDC"),
		},
		{
			name: "missing target without default",
			seed: []domain.Position{collateralETH("p", "1", 1)},
			req:  request(collateralETH("p", "1", 1), domain.DestinationToOrder, ""),
		},
		{
			name: "unknown target",
			seed: []domain.Position{collateralETH("p", "1", 1)},
			req:  request(collateralETH("p", "1", 1), domain.DestinationToOrder, "XYZ"),
		},
		{
			name: "unknown destination",
			seed: []domain.Position{collateralETH("p", "1", 1)},
			req:  request(collateralETH("p", "1", 1), "to_moon", "USDC"),
		},
		{
			name: "too many decimals",
			seed: []domain.Position{collateralETH("p", "1.1234567", 1)},
			req:  request(collateralETH("p", "1.1234567", 1), domain.DestinationToVault, "USDC"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			if tt.seed != nil {
				f.seed(t, tt.seed...)
			}
			res, err := f.engine.Migrate(context.Background(), tt.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrValidation)
			assert.False(t, res.Success)
			require.NotNil(t, res.Error)
			assert.Equal(t, domain.KindValidation, res.Error.Kind)
			if tt.reason != "" {
				assert.Equal(t, tt.reason, res.Error.Reason)
			}
			assert.Empty(t, f.book.List(domain.OrderFilter{}))
			assert.Len(t, f.ledger.ListPositions(user), len(tt.seed))
		})
	}
}

func TestMigrateTwiceIsAlreadyMigrated(t *testing.T) {
	f := newFixture(t, Config{})
	pos := collateralETH("eth-1", "2", 2)
	f.seed(t, pos)

	_, err := f.engine.Migrate(context.Background(), request(pos, domain.DestinationToVault, "USDC"))
	require.NoError(t, err)

	res, err := f.engine.Migrate(context.Background(), request(pos, domain.DestinationToVault, "USDC"))
	assert.ErrorIs(t, err, domain.ErrAlreadyMigrated)
	assert.False(t, domain.Retryable(err))
	assert.Equal(t, domain.KindAlreadyMigrated, res.Error.Kind)
	assert.Len(t, f.book.List(domain.OrderFilter{}), 1)
}

func TestConcurrentMigrationsExactlyOneWins(t *testing.T) {
	f := newFixture(t, Config{})
	pos := collateralETH("eth-1", "2", 2)
	f.seed(t, pos)

	const n = 25
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		kinds     []domain.ErrorKind
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := f.engine.Migrate(context.Background(), request(pos, domain.DestinationToVault, "USDC"))
			mu.Lock()
			defer mu.Unlock()
			if err == nil && res.Success {
				successes++
				return
			}
			kinds = append(kinds, domain.KindOf(err))
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, successes)
	require.Len(t, kinds, n-1)
	for _, k := range kinds {
		assert.Equal(t, domain.KindAlreadyMigrated, k)
	}
	_, err := f.ledger.Get(user, pos.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Len(t, f.book.List(domain.OrderFilter{}), 1)
	assert.Len(t, f.ledger.ListVaultPositions(user), 1)
}

// faultyLedger injects failures into the position ledger.
type faultyLedger struct {
	*ledger.Ledger
	removeErr      error
	removeVaultErr error
}

func (l *faultyLedger) RemovePosition(owner, id string) (domain.Position, error) {
	if l.removeErr != nil {
		return domain.Position{}, l.removeErr
	}
	return l.Ledger.RemovePosition(owner, id)
}

func (l *faultyLedger) RemoveVaultPosition(owner, id string) error {
	if l.removeVaultErr != nil {
		return l.removeVaultErr
	}
	return l.Ledger.RemoveVaultPosition(owner, id)
}

func TestMigrationFaultBeforeRemovalLeavesNoTrace(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind domain.ErrorKind
	}{
		{"store fault", errors.New("disk on fire"), domain.KindDownstream},
		{"lost race", domain.Errorf(domain.KindNotFound, "gone"), domain.KindAlreadyMigrated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := tokens(t)
			store := memory.NewOrderStore()
			book := orderbook.New(reg, store, discard())
			led := &faultyLedger{Ledger: ledger.New(), removeErr: tt.err}
			pos := collateralETH("eth-1", "2", 2)
			_, err := led.Sync(user, []domain.Position{pos})
			require.NoError(t, err)

			engine := NewEngine(led, book, reg, prices(), Config{}, discard())
			res, err := engine.Migrate(context.Background(), request(pos, domain.DestinationToVault, "USDC"))
			require.Error(t, err)
			assert.Equal(t, tt.kind, domain.KindOf(err))
			assert.False(t, res.Success)
			assert.Nil(t, res.Order)

			assert.Empty(t, book.List(domain.OrderFilter{}))
			all, err := store.List(context.Background(), domain.OrderFilter{})
			require.NoError(t, err)
			assert.Empty(t, all)
			assert.Empty(t, led.ListVaultPositions(user))
			_, err = led.Get(user, pos.ID)
			assert.NoError(t, err)
		})
	}
}

func TestFailedCompensationIsIntegrityError(t *testing.T) {
	reg := tokens(t)
	book := orderbook.New(reg, memory.NewOrderStore(), discard())
	led := &faultyLedger{
		Ledger:         ledger.New(),
		removeErr:      errors.New("disk on fire"),
		removeVaultErr: errors.New("still on fire"),
	}
	pos := collateralETH("eth-1", "2", 2)
	_, err := led.Sync(user, []domain.Position{pos})
	require.NoError(t, err)

	engine := NewEngine(led, book, reg, prices(), Config{}, discard())
	res, err := engine.Migrate(context.Background(), request(pos, domain.DestinationToVault, "USDC"))
	assert.ErrorIs(t, err, domain.ErrIntegrity)
	assert.Equal(t, domain.KindIntegrity, res.Error.Kind)
}

type slowOracle struct{}

func (slowOracle) Quote(ctx context.Context, _ string) (decimal.Decimal, error) {
	<-ctx.Done()
	return decimal.Zero, ctx.Err()
}

func TestOracleTimeoutMutatesNothing(t *testing.T) {
	reg := tokens(t)
	book := orderbook.New(reg, memory.NewOrderStore(), discard())
	led := ledger.New()
	pos := collateralETH("eth-1", "2", 2)
	_, err := led.Sync(user, []domain.Position{pos})
	require.NoError(t, err)

	guard := oracle.NewGuard(slowOracle{}, 10*time.Millisecond, discard())
	engine := NewEngine(led, book, reg, guard, Config{}, discard())

	res, err := engine.Migrate(context.Background(), request(pos, domain.DestinationToVault, "USDC"))
	assert.ErrorIs(t, err, domain.ErrOracleTimeout)
	assert.True(t, domain.Retryable(err))
	assert.Equal(t, domain.KindOracleTimeout, res.Error.Kind)
	assert.Empty(t, book.List(domain.OrderFilter{}))
	_, err = led.Get(user, pos.ID)
	assert.NoError(t, err)
}

type heldLock struct{}

func (heldLock) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, domain.ErrLockHeld
}

func TestDistributedLockHeldIsAlreadyMigrated(t *testing.T) {
	f := newFixture(t, Config{}, WithLockManager(heldLock{}))
	pos := collateralETH("eth-1", "2", 2)
	f.seed(t, pos)

	_, err := f.engine.Migrate(context.Background(), request(pos, domain.DestinationToVault, "USDC"))
	assert.ErrorIs(t, err, domain.ErrAlreadyMigrated)
	_, err = f.ledger.Get(user, pos.ID)
	assert.NoError(t, err)
}

func TestCheck(t *testing.T) {
	f := newFixture(t, Config{})
	f.seed(t, collateralETH("ok", "1", 1), collateralETH("dust", "0.00001", 1))

	assert.True(t, f.engine.Check(user, "ok").CanMigrate)

	dust := f.engine.Check(user, "dust")
	assert.False(t, dust.CanMigrate)
	assert.Equal(t, "amount too small", dust.Reason)

	assert.False(t, f.engine.Check(user, "missing").CanMigrate)
}
