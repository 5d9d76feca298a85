package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/pivengine/internal/domain"
)

// OrderStore implements domain.OrderRecordStore using PostgreSQL. Amounts
// travel as text and are stored as NUMERIC so no precision is lost.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// Create inserts a new order.
func (s *OrderStore) Create(ctx context.Context, o domain.Order) error {
	const query = `
		INSERT INTO orders (
			id, owner, collateral_token, debt_token,
			collateral_amount, price, quote, interest_rate_mode, source,
			status, filled_amount, version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5::numeric, $6::numeric, $7, $8, $9,
			$10, $11::numeric, $12, $13, $14
		)`

	_, err := s.pool.Exec(ctx, query,
		o.ID, o.Owner, o.CollateralToken, o.DebtToken,
		o.CollateralAmount.String(), o.Price.String(), string(o.Quote), string(o.InterestRateMode), string(o.Source),
		string(o.Status), o.FilledAmount.String(), o.Version, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create order %s: %w", o.ID, err)
	}
	return nil
}

// UpdateStatus records a status change and filled amount if the stored
// version still equals expectedVersion.
func (s *OrderStore) UpdateStatus(ctx context.Context, id string, status domain.OrderStatus, filled decimal.Decimal, updatedAt time.Time, expectedVersion int64) error {
	const query = `
		UPDATE orders
		SET status = $1, filled_amount = $2::numeric, version = version + 1, updated_at = $3
		WHERE id = $4 AND version = $5`

	tag, err := s.pool.Exec(ctx, query, string(status), filled.String(), updatedAt, id, expectedVersion)
	if err != nil {
		return fmt.Errorf("postgres: update order status %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missedUpdate(ctx, id, expectedVersion)
	}
	return nil
}

// UpdateTerms records a new amount, price and status if the stored version
// still equals expectedVersion.
func (s *OrderStore) UpdateTerms(ctx context.Context, id string, amount, price decimal.Decimal, status domain.OrderStatus, updatedAt time.Time, expectedVersion int64) error {
	const query = `
		UPDATE orders
		SET collateral_amount = $1::numeric, price = $2::numeric, status = $3,
		    version = version + 1, updated_at = $4
		WHERE id = $5 AND version = $6`

	tag, err := s.pool.Exec(ctx, query, amount.String(), price.String(), string(status), updatedAt, id, expectedVersion)
	if err != nil {
		return fmt.Errorf("postgres: update order terms %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missedUpdate(ctx, id, expectedVersion)
	}
	return nil
}

// missedUpdate explains why a versioned update touched no row.
func (s *OrderStore) missedUpdate(ctx context.Context, id string, expectedVersion int64) error {
	var stored int64
	err := s.pool.QueryRow(ctx, `SELECT version FROM orders WHERE id = $1`, id).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("postgres: order %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("postgres: read order version %s: %w", id, err)
	}
	return fmt.Errorf("postgres: order %s at version %d (stored %d): %w",
		id, expectedVersion, stored, domain.ErrVersionConflict)
}

// Delete removes an order.
func (s *OrderStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM orders WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete order %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: delete order %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

const orderSelectCols = `id, owner, collateral_token, debt_token,
	collateral_amount::text, price::text, quote, interest_rate_mode, source,
	status, filled_amount::text, version, created_at, updated_at`

// List returns the orders matching filter, oldest first.
func (s *OrderStore) List(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.Owner != "" {
		add("owner = $%d", filter.Owner)
	}
	if filter.CollateralToken != "" {
		add("collateral_token = $%d", filter.CollateralToken)
	}
	if filter.DebtToken != "" {
		add("debt_token = $%d", filter.DebtToken)
	}
	if filter.Source != "" {
		add("source = $%d", string(filter.Source))
	}
	if len(filter.Status) > 0 {
		statuses := make([]string, len(filter.Status))
		for i, st := range filter.Status {
			statuses[i] = string(st)
		}
		add("status = ANY($%d)", statuses)
	}

	query := `SELECT ` + orderSelectCols + ` FROM orders`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders: %w", err)
	}
	defer rows.Close()

	orders, err := scanOrderRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan orders: %w", err)
	}
	return orders, nil
}

func scanOrderRows(rows pgx.Rows) ([]domain.Order, error) {
	var orders []domain.Order
	for rows.Next() {
		var (
			o                      domain.Order
			amount, price, filled  string
			quote, mode, src, stat string
		)
		err := rows.Scan(
			&o.ID, &o.Owner, &o.CollateralToken, &o.DebtToken,
			&amount, &price, &quote, &mode, &src,
			&stat, &filled, &o.Version, &o.CreatedAt, &o.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		if o.CollateralAmount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("order %s amount: %w", o.ID, err)
		}
		if o.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("order %s price: %w", o.ID, err)
		}
		if o.FilledAmount, err = decimal.NewFromString(filled); err != nil {
			return nil, fmt.Errorf("order %s filled: %w", o.ID, err)
		}
		o.Quote = domain.PriceQuote(quote)
		o.InterestRateMode = domain.InterestRateMode(mode)
		o.Source = domain.OrderSource(src)
		o.Status = domain.OrderStatus(stat)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

var _ domain.OrderRecordStore = (*OrderStore)(nil)
