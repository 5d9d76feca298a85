package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/pivengine/internal/domain"
	"github.com/alanyoungcy/pivengine/internal/notify"
)

// PositionLedger is the ledger as seen by the position service.
type PositionLedger interface {
	Sync(owner string, positions []domain.Position) (int, error)
	ListPositions(owner string) []domain.Position
	ListVaultPositions(owner string) []domain.VaultPosition
}

// Migrator runs position migrations.
type Migrator interface {
	Migrate(ctx context.Context, req domain.MigrationRequest) (domain.MigrationResult, error)
	Check(owner, positionID string) domain.MigrationCheck
}

// PositionService reads lending positions and migrates them.
type PositionService struct {
	adapter  domain.LendingAdapter
	ledger   PositionLedger
	migrator Migrator
	report   *Reporter
	logger   *slog.Logger
	store    domain.LedgerStore
}

// NewPositionService creates a PositionService.
func NewPositionService(
	adapter domain.LendingAdapter,
	ledger PositionLedger,
	migrator Migrator,
	report *Reporter,
	logger *slog.Logger,
) *PositionService {
	return &PositionService{
		adapter:  adapter,
		ledger:   ledger,
		migrator: migrator,
		report:   report,
		logger:   logger.With(slog.String("component", "position_service")),
	}
}

// WithLedgerStore persists migration outcomes so the ledger can be restored
// after a restart.
func (s *PositionService) WithLedgerStore(store domain.LedgerStore) *PositionService {
	s.store = store
	return s
}

// RefreshPositions reloads the owner's positions from the lending adapter.
// The ledger is left untouched when the adapter fails.
func (s *PositionService) RefreshPositions(ctx context.Context, owner string) ([]domain.Position, error) {
	owner = domain.NormalizeOwner(owner)
	if owner == "" {
		return nil, domain.NewError(domain.KindValidation, "missing owner")
	}

	start := time.Now()
	positions, err := s.adapter.ListPositions(ctx, owner)
	if err != nil {
		s.report.metrics.Observe("refresh_positions", start, err)
		return nil, fmt.Errorf("position_service: refresh %s: %w", owner, err)
	}
	n, err := s.ledger.Sync(owner, positions)
	s.report.metrics.Observe("refresh_positions", start, err)
	if err != nil {
		return nil, fmt.Errorf("position_service: sync %s: %w", owner, err)
	}

	s.logger.InfoContext(ctx, "positions refreshed",
		slog.String("owner", owner),
		slog.Int("count", n),
	)
	s.report.publish(ctx, Event{Type: EventPositionsRefreshed, Owner: owner, Count: n})
	return s.ledger.ListPositions(owner), nil
}

// ListPositions returns the owner's unmigrated lending positions.
func (s *PositionService) ListPositions(owner string) []domain.Position {
	return s.ledger.ListPositions(owner)
}

// ListVaultPositions returns the owner's vault positions.
func (s *PositionService) ListVaultPositions(owner string) []domain.VaultPosition {
	return s.ledger.ListVaultPositions(owner)
}

// CheckMigration reports whether a position can be migrated.
func (s *PositionService) CheckMigration(owner, positionID string) domain.MigrationCheck {
	return s.migrator.Check(owner, positionID)
}

// Migrate moves a position into the vault or into a new order.
func (s *PositionService) Migrate(ctx context.Context, req domain.MigrationRequest) (domain.MigrationResult, error) {
	start := time.Now()
	res, err := s.migrator.Migrate(ctx, req)
	s.report.metrics.Observe("migrate", start, err)
	s.report.metrics.Migration(req.Destination, err == nil)
	if err != nil {
		s.report.failed(ctx, "migrate", err, map[string]string{
			"owner":       req.UserAddress,
			"position_id": req.SourcePosition.ID,
		})
		return res, err
	}

	owner := domain.NormalizeOwner(req.UserAddress)
	s.persist(ctx, owner, req.SourcePosition.ID, res)

	evt := domain.SettlementEvent{Kind: domain.SettlementMigration, Owner: owner, Migration: &res}
	detail := map[string]any{
		"owner":       owner,
		"position_id": req.SourcePosition.ID,
		"destination": string(req.Destination),
	}
	if res.Order != nil {
		s.report.order(ctx, EventOrderPlaced, *res.Order)
		evt.OrderIDs = []string{res.Order.ID}
		detail["order_id"] = res.Order.ID
	}
	if res.VaultPosition != nil {
		detail["vault_position_id"] = res.VaultPosition.ID
	}
	s.report.publish(ctx, Event{Type: EventPositionMigrated, Owner: owner, Migration: &res})
	s.report.record(ctx, EventPositionMigrated, detail)
	s.report.settle(ctx, evt)
	return res, nil
}

// persist writes the migration outcome to the ledger store. The in-memory
// ledger is already committed, so a failure leaves the two out of step until
// an operator reconciles them.
func (s *PositionService) persist(ctx context.Context, owner, positionID string, res domain.MigrationResult) {
	if s.store == nil {
		return
	}
	rec := domain.ConsumedPosition{Owner: owner, PositionID: positionID, MigratedAt: time.Now().UTC()}
	if res.Order != nil {
		rec.OrderID = res.Order.ID
	}
	err := s.store.RecordMigration(ctx, rec, res.VaultPosition)
	if err == nil {
		return
	}
	s.logger.ErrorContext(ctx, "ledger persistence failed",
		slog.String("owner", owner),
		slog.String("position_id", positionID),
		slog.String("error", err.Error()),
	)
	s.report.record(ctx, "ledger_persist_failed", map[string]any{
		"owner":       owner,
		"position_id": positionID,
		"error":       err.Error(),
	})
	s.report.alert(ctx, notify.EventIntegrity, "Ledger persistence failed", map[string]string{
		"owner":       owner,
		"position_id": positionID,
		"error":       err.Error(),
	})
}
