package domain

import (
	"context"
	"io"
	"time"

	"github.com/shopspring/decimal"
)

// OrderRecordStore is the durable mirror of the order book. Every mutating
// call carries the version the caller last saw and bumps the stored version
// by one; a mismatch fails with ErrVersionConflict so the mirror never
// silently diverges. updatedAt is the book's timestamp for the change.
type OrderRecordStore interface {
	Create(ctx context.Context, order Order) error
	List(ctx context.Context, filter OrderFilter) ([]Order, error)
	UpdateStatus(ctx context.Context, id string, status OrderStatus, filled decimal.Decimal, updatedAt time.Time, expectedVersion int64) error
	UpdateTerms(ctx context.Context, id string, amount, price decimal.Decimal, status OrderStatus, updatedAt time.Time, expectedVersion int64) error
	Delete(ctx context.Context, id string) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, limit int) ([]AuditEntry, error)
}

// ConsumedPosition records a lending position removed by a migration.
type ConsumedPosition struct {
	Owner      string
	PositionID string
	OrderID    string
	MigratedAt time.Time
}

// LedgerSnapshot is the durable part of the position ledger.
type LedgerSnapshot struct {
	Consumed []ConsumedPosition
	Vault    []VaultPosition
}

// LedgerStore persists migration outcomes so the ledger survives restarts.
// Lending positions themselves are not stored; they are re-read from the
// lending protocol.
type LedgerStore interface {
	// RecordMigration stores the consumed position and, when vault is not
	// nil, the vault position created for it, atomically.
	RecordMigration(ctx context.Context, consumed ConsumedPosition, vault *VaultPosition) error
	Load(ctx context.Context) (LedgerSnapshot, error)
}

// LendingAdapter reads a user's positions from the external lending protocol.
type LendingAdapter interface {
	ListPositions(ctx context.Context, owner string) ([]Position, error)
}

// PriceOracle returns the price of token in a common unit (USD).
type PriceOracle interface {
	Quote(ctx context.Context, token string) (decimal.Decimal, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// SignalBus provides pub/sub for engine events.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// SettlementKind names what is being settled.
type SettlementKind string

const (
	SettlementMigration SettlementKind = "migration"
	SettlementSwap      SettlementKind = "swap"
)

// SettlementEvent is handed to the settlement layer once the engine has
// committed a migration or a swap.
type SettlementEvent struct {
	Kind      SettlementKind
	Owner     string
	OrderIDs  []string
	Migration *MigrationResult
	Swap      *SwapResult
	At        time.Time
}

// Settler is the commit/confirm callback into the settlement layer.
type Settler interface {
	Settle(ctx context.Context, evt SettlementEvent) error
}
