package dispute

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/swapdesk/internal/buyrequest"
)

// PostgresStore persists disputes in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `id, request_id, user_id, reason, status, resolution, created_at, resolved_at`

// Open marks the request disputed and inserts the dispute in one
// transaction.
func (p *PostgresStore) Open(ctx context.Context, d *Dispute) (_ *buyrequest.BuyRequest, err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	r, err := buyrequest.MarkDisputedTx(ctx, tx, d.RequestID)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO disputes (id, request_id, user_id, reason, status, resolution, created_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.ID, d.RequestID, d.UserID, d.Reason, string(d.Status),
		nullString(d.Resolution), d.CreatedAt, d.ResolvedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert dispute: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return r, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) Resolve(ctx context.Context, id, resolution string, at time.Time) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE disputes SET status = 'resolved', resolution = $2, resolved_at = $3
		WHERE id = $1 AND status = 'open'
		RETURNING `+disputeColumns,
		id, nullString(resolution), at,
	)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := p.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrAlreadyResolved
	}
	return d, err
}

func (p *PostgresStore) List(ctx context.Context, userID string, limit int) ([]*Dispute, error) {
	if limit <= 0 {
		limit = 100
	}

	var (
		rows *sql.Rows
		err  error
	)
	if userID == "" {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+disputeColumns+` FROM disputes
			ORDER BY created_at DESC LIMIT $1`, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+disputeColumns+` FROM disputes
			WHERE user_id = $1
			ORDER BY created_at DESC LIMIT $2`, userID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		status     string
		resolution sql.NullString
		resolvedAt sql.NullTime
	)
	err := s.Scan(&d.ID, &d.RequestID, &d.UserID, &d.Reason, &status, &resolution, &d.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	d.Status = Status(status)
	d.Resolution = resolution.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		d.ResolvedAt = &t
	}
	return d, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PostgresStore)(nil)
