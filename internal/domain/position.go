package domain

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// PositionKind distinguishes collateral balances from debt balances.
type PositionKind string

const (
	PositionKindCollateral PositionKind = "collateral"
	PositionKindDebt       PositionKind = "debt"
)

// Valid reports whether k is a known kind.
func (k PositionKind) Valid() bool {
	return k == PositionKindCollateral || k == PositionKindDebt
}

// MinMigratableAmount is the dust threshold below which a position cannot be
// migrated.
var MinMigratableAmount = decimal.RequireFromString("0.0001")

// Position is a collateral or debt balance reported by the external lending
// protocol. It is immutable; the ledger only ever removes it.
type Position struct {
	ID            string       `json:"id"`
	Owner         string       `json:"owner"`
	Kind          PositionKind `json:"type"`
	Token         string       `json:"token"`
	RawAmount     *big.Int     `json:"amount"`
	DisplayAmount string       `json:"formattedAmount"`
	TokenAddress  string       `json:"tokenAddress"`
}

// Display parses the formatted amount.
func (p Position) Display() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(p.DisplayAmount)
	if err != nil {
		return decimal.Zero, Errorf(KindValidation, "invalid position amount %q", p.DisplayAmount)
	}
	return d, nil
}

// VaultPosition is a balance held in the custodial vault after a migration.
// OriginOrderID is a lookup key only; it never owns the order.
type VaultPosition struct {
	ID            string       `json:"id"`
	Owner         string       `json:"owner"`
	Kind          PositionKind `json:"type"`
	Token         string       `json:"token"`
	RawAmount     *big.Int     `json:"amount"`
	DisplayAmount string       `json:"formattedAmount"`
	TokenAddress  string       `json:"tokenAddress"`
	OriginOrderID string       `json:"orderId,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
}
