package postgres

import (
	"context"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/pivengine/internal/domain"
)

// LedgerStore implements domain.LedgerStore using PostgreSQL.
type LedgerStore struct {
	pool *pgxpool.Pool
}

// NewLedgerStore creates a new LedgerStore backed by the given connection pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

const vaultSelectCols = `id, owner, kind, token, raw_amount::text, display_amount,
	token_address, COALESCE(origin_order_id, ''), created_at`

func scanVaultRows(rows pgx.Rows) ([]domain.VaultPosition, error) {
	var out []domain.VaultPosition
	for rows.Next() {
		var vp domain.VaultPosition
		var kind, raw string
		if err := rows.Scan(
			&vp.ID, &vp.Owner, &kind, &vp.Token, &raw, &vp.DisplayAmount,
			&vp.TokenAddress, &vp.OriginOrderID, &vp.CreatedAt,
		); err != nil {
			return nil, err
		}
		amount, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			return nil, fmt.Errorf("vault position %s: bad amount %q", vp.ID, raw)
		}
		vp.Kind = domain.PositionKind(kind)
		vp.RawAmount = amount
		out = append(out, vp)
	}
	return out, rows.Err()
}

// RecordMigration inserts the consumed position and the optional vault
// position in one transaction.
func (s *LedgerStore) RecordMigration(ctx context.Context, consumed domain.ConsumedPosition, vault *domain.VaultPosition) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO consumed_positions (owner, position_id, order_id, migrated_at)
			VALUES ($1, $2, NULLIF($3, ''), $4)
			ON CONFLICT (owner, position_id) DO NOTHING`,
			consumed.Owner, consumed.PositionID, consumed.OrderID, consumed.MigratedAt,
		); err != nil {
			return err
		}
		if vault == nil {
			return nil
		}
		raw := "0"
		if vault.RawAmount != nil {
			raw = vault.RawAmount.String()
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO vault_positions (
				id, owner, kind, token, raw_amount, display_amount,
				token_address, origin_order_id, created_at
			) VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, NULLIF($8, ''), $9)`,
			vault.ID, vault.Owner, string(vault.Kind), vault.Token, raw, vault.DisplayAmount,
			vault.TokenAddress, vault.OriginOrderID, vault.CreatedAt,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("postgres: record migration of %s: %w", consumed.PositionID, err)
	}
	return nil
}

// Load reads every consumed position and vault position.
func (s *LedgerStore) Load(ctx context.Context) (domain.LedgerSnapshot, error) {
	var snap domain.LedgerSnapshot

	rows, err := s.pool.Query(ctx,
		`SELECT owner, position_id, COALESCE(order_id, ''), migrated_at
		 FROM consumed_positions ORDER BY migrated_at`)
	if err != nil {
		return snap, fmt.Errorf("postgres: load consumed positions: %w", err)
	}
	for rows.Next() {
		var c domain.ConsumedPosition
		if err := rows.Scan(&c.Owner, &c.PositionID, &c.OrderID, &c.MigratedAt); err != nil {
			rows.Close()
			return snap, fmt.Errorf("postgres: scan consumed position: %w", err)
		}
		snap.Consumed = append(snap.Consumed, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return snap, fmt.Errorf("postgres: load consumed positions: %w", err)
	}

	vrows, err := s.pool.Query(ctx,
		`SELECT `+vaultSelectCols+` FROM vault_positions ORDER BY created_at, id`)
	if err != nil {
		return snap, fmt.Errorf("postgres: load vault positions: %w", err)
	}
	defer vrows.Close()

	snap.Vault, err = scanVaultRows(vrows)
	if err != nil {
		return snap, fmt.Errorf("postgres: scan vault positions: %w", err)
	}
	return snap, nil
}
