package balance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresStore persists balances in PostgreSQL. The balances table carries
// CHECK (amount >= 0), so an overdraft aborts the transaction.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed balance store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Apply(ctx context.Context, adj *Adjustment) (decimal.Decimal, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var after decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		INSERT INTO balances (user_id, asset, amount, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id, asset)
		DO UPDATE SET amount = balances.amount + EXCLUDED.amount, updated_at = NOW()
		RETURNING amount`,
		adj.UserID, adj.Asset, adj.Delta,
	).Scan(&after)
	if isCheckViolation(err) {
		return decimal.Zero, ErrInsufficientBalance
	}
	if isNumericOverflow(err) {
		return decimal.Zero, ErrBalanceTooLarge
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("upsert balance: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO balance_adjustments (id, user_id, asset, delta, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		adj.ID, adj.UserID, adj.Asset, adj.Delta, adj.Reference, adj.CreatedAt,
	)
	if err != nil {
		return decimal.Zero, fmt.Errorf("record adjustment: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return decimal.Zero, fmt.Errorf("commit: %w", err)
	}
	return after, nil
}

func (p *PostgresStore) Balances(ctx context.Context, userID string) (map[string]decimal.Decimal, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT asset, amount FROM balances WHERE user_id = $1 AND amount <> 0`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]decimal.Decimal)
	for rows.Next() {
		var asset string
		var amount decimal.Decimal
		if err := rows.Scan(&asset, &amount); err != nil {
			return nil, err
		}
		out[asset] = amount
	}
	return out, rows.Err()
}

func (p *PostgresStore) History(ctx context.Context, userID string, limit int) ([]*Adjustment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, asset, delta, reference, created_at
		FROM balance_adjustments WHERE user_id = $1
		ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Adjustment
	for rows.Next() {
		a := &Adjustment{}
		if err := rows.Scan(&a.ID, &a.UserID, &a.Asset, &a.Delta, &a.Reference, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func isCheckViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23514"
}

func isNumericOverflow(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "22003"
}

var _ Store = (*PostgresStore)(nil)
