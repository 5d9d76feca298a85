package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
)

// Terminal reports whether no further transition is permitted from s.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled
}

// Valid reports whether s is a known status.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusOpen, OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusCancelled:
		return true
	}
	return false
}

// PriceQuote states the direction an order's price is expressed in.
type PriceQuote string

const (
	// QuoteDebtPerCollateral prices one unit of collateral in debt token
	// (an ETH/USDC order at 3000).
	QuoteDebtPerCollateral PriceQuote = "debt_per_collateral"
	// QuoteCollateralPerDebt prices one unit of debt in collateral token
	// (an ETH/USDC order at 0.000327). Migration orders use this form.
	QuoteCollateralPerDebt PriceQuote = "collateral_per_debt"
)

// Valid reports whether q is a known direction.
func (q PriceQuote) Valid() bool {
	return q == QuoteDebtPerCollateral || q == QuoteCollateralPerDebt
}

// InterestRateMode is the borrow rate mode carried over from the lending
// protocol.
type InterestRateMode string

const (
	InterestRateStable   InterestRateMode = "stable"
	InterestRateVariable InterestRateMode = "variable"
)

// Valid reports whether m is a known mode.
func (m InterestRateMode) Valid() bool {
	return m == InterestRateStable || m == InterestRateVariable
}

// OrderSource records what created an order.
type OrderSource string

const (
	OrderSourceDirect    OrderSource = "direct"
	OrderSourceMigration OrderSource = "migration"
)

// unitPricePrecision is the scale used when inverting collateral-per-debt
// prices. It is well beyond any token precision so the final rounding step
// decides the result.
const unitPricePrecision int32 = 24

// Order is a resting offer to give CollateralToken for DebtToken at Price.
// Status and FilledAmount change only through the order book.
type Order struct {
	ID               string           `json:"id"`
	Owner            string           `json:"owner"`
	CollateralToken  string           `json:"collateralToken"`
	DebtToken        string           `json:"debtToken"`
	CollateralAmount decimal.Decimal  `json:"collateralAmount"`
	Price            decimal.Decimal  `json:"price"`
	Quote            PriceQuote       `json:"quote"`
	InterestRateMode InterestRateMode `json:"interestRateMode"`
	Source           OrderSource      `json:"source"`
	Status           OrderStatus      `json:"status"`
	FilledAmount     decimal.Decimal  `json:"filledAmount"`
	Version          int64            `json:"version"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// Remaining returns the unfilled collateral.
func (o Order) Remaining() decimal.Decimal {
	return o.CollateralAmount.Sub(o.FilledAmount)
}

// UnitPrice returns the price of one unit of collateral in debt token,
// inverting collateral-per-debt quotes.
func (o Order) UnitPrice() decimal.Decimal {
	if o.Quote == QuoteCollateralPerDebt {
		if o.Price.IsZero() {
			return decimal.Zero
		}
		return decimal.NewFromInt(1).DivRound(o.Price, unitPricePrecision)
	}
	return o.Price
}

// OrderSpec is the caller input for placing an order.
type OrderSpec struct {
	Owner            string
	CollateralToken  string
	DebtToken        string
	CollateralAmount decimal.Decimal
	Price            decimal.Decimal
	Quote            PriceQuote
	InterestRateMode InterestRateMode
	Source           OrderSource
}

// OrderFilter narrows order listings. Zero fields match everything.
type OrderFilter struct {
	Owner           string
	Status          []OrderStatus
	CollateralToken string
	DebtToken       string
	Source          OrderSource
}

// Match reports whether o passes the filter.
func (f OrderFilter) Match(o Order) bool {
	if f.Owner != "" && f.Owner != o.Owner {
		return false
	}
	if f.CollateralToken != "" && f.CollateralToken != o.CollateralToken {
		return false
	}
	if f.DebtToken != "" && f.DebtToken != o.DebtToken {
		return false
	}
	if f.Source != "" && f.Source != o.Source {
		return false
	}
	if len(f.Status) > 0 {
		for _, s := range f.Status {
			if s == o.Status {
				return true
			}
		}
		return false
	}
	return true
}
