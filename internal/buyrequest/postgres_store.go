package buyrequest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Constraints mapped to domain errors on insert. uniqueActiveIndex is the
// partial unique index allowing one active request per user.
const (
	uniqueActiveIndex = "buy_requests_one_active_per_user"
	primaryKey        = "buy_requests_pkey"
)

// PostgresStore persists buy requests in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed buy request store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const requestColumns = `id, user_id, crypto_type, fiat_amount, fiat_currency, payment_method,
	wallet_address, network, status, operator_id, payment_details, receipt_image,
	transaction_hash, created_at, updated_at, deleted, deleted_at`

func (p *PostgresStore) Create(ctx context.Context, r *BuyRequest) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO buy_requests (
			id, user_id, crypto_type, fiat_amount, fiat_currency, payment_method,
			wallet_address, network, status, operator_id, payment_details, receipt_image,
			transaction_hash, created_at, updated_at, deleted, deleted_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		r.ID, r.UserID, r.CryptoType, r.FiatAmount, r.FiatCurrency, r.PaymentMethod,
		r.WalletAddress, nullString(r.Network), string(r.Status), nullString(r.OperatorID),
		nullString(r.PaymentDetails), nullString(r.ReceiptImage), nullString(r.TransactionHash),
		r.CreatedAt, r.UpdatedAt, r.Deleted, nullTime(r.DeletedAt),
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		switch pqErr.Constraint {
		case uniqueActiveIndex:
			return ErrActiveRequestExists
		case primaryKey:
			return ErrDuplicateID
		}
	}
	if err != nil {
		return fmt.Errorf("insert buy request: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*BuyRequest, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM buy_requests WHERE id = $1`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	return r, err
}

func (p *PostgresStore) UpdateIf(ctx context.Context, r *BuyRequest, expectStatus Status, expectOperator string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE buy_requests SET
			status = $2, operator_id = $3, payment_details = $4, receipt_image = $5,
			transaction_hash = $6, updated_at = $7, deleted = $8, deleted_at = $9
		WHERE id = $1 AND status = $10 AND COALESCE(operator_id, '') = $11 AND NOT deleted`,
		r.ID, string(r.Status), nullString(r.OperatorID), nullString(r.PaymentDetails),
		nullString(r.ReceiptImage), nullString(r.TransactionHash), r.UpdatedAt,
		r.Deleted, nullTime(r.DeletedAt), string(expectStatus), expectOperator,
	)
	if err != nil {
		return fmt.Errorf("update buy request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	if _, err := p.Get(ctx, r.ID); err != nil {
		return err
	}
	return ErrStaleWrite
}

func (p *PostgresStore) MarkDisputed(ctx context.Context, id string) (*BuyRequest, error) {
	return markDisputed(ctx, p.db, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// MarkDisputedTx forces a request to disputed inside the caller's
// transaction, so a dispute and its status change commit together.
func MarkDisputedTx(ctx context.Context, tx *sql.Tx, id string) (*BuyRequest, error) {
	return markDisputed(ctx, tx, id)
}

func markDisputed(ctx context.Context, q queryer, id string) (*BuyRequest, error) {
	row := q.QueryRowContext(ctx, `
		UPDATE buy_requests SET status = 'disputed', updated_at = NOW()
		WHERE id = $1 AND NOT deleted
		RETURNING `+requestColumns, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	return r, err
}

func (p *PostgresStore) ActiveForUser(ctx context.Context, userID string) (*BuyRequest, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+requestColumns+` FROM buy_requests
		WHERE user_id = $1 AND status IN ('pending', 'processing', 'paid') AND NOT deleted
		LIMIT 1`, userID)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	return r, err
}

func (p *PostgresStore) List(ctx context.Context, filter ListFilter) ([]*BuyRequest, error) {
	where := []string{"TRUE"}
	if !filter.IncludeDeleted {
		where[0] = "NOT deleted"
	}
	var args []interface{}
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	query := `SELECT ` + requestColumns + ` FROM buy_requests WHERE ` +
		strings.Join(where, " AND ") +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*BuyRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(s scanner) (*BuyRequest, error) {
	r := &BuyRequest{}
	var (
		status                                        string
		network, operatorID, details, receipt, txHash sql.NullString
		deletedAt                                     sql.NullTime
	)
	err := s.Scan(
		&r.ID, &r.UserID, &r.CryptoType, &r.FiatAmount, &r.FiatCurrency, &r.PaymentMethod,
		&r.WalletAddress, &network, &status, &operatorID, &details, &receipt,
		&txHash, &r.CreatedAt, &r.UpdatedAt, &r.Deleted, &deletedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Status = Status(status)
	r.Network = network.String
	r.OperatorID = operatorID.String
	r.PaymentDetails = details.String
	r.ReceiptImage = receipt.String
	r.TransactionHash = txHash.String
	if deletedAt.Valid {
		t := deletedAt.Time
		r.DeletedAt = &t
	}
	return r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
