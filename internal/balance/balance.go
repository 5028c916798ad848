// Package balance keeps per-user, per-asset custodial balances.
//
// It is flat: a balance is a single number per (user, asset)
// moved by signed adjustments, each recorded in an append-only log. There
// is no double-entry ledger behind it.
package balance

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/swapdesk/internal/apperr"
	"github.com/mbd888/swapdesk/internal/idgen"
	"github.com/mbd888/swapdesk/internal/logging"
	"github.com/mbd888/swapdesk/internal/traces"
	"github.com/mbd888/swapdesk/internal/validation"
)

var (
	ErrInsufficientBalance = apperr.New(apperr.KindValidation, "insufficient_balance", "insufficient balance")
	ErrZeroAdjustment      = apperr.Validation("delta", "delta must not be zero")
	ErrBalanceTooLarge     = apperr.New(apperr.KindValidation, "balance_too_large", "resulting balance is too large")
)

// Adjustment is one signed movement of a balance.
type Adjustment struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId"`
	Asset     string          `json:"asset"`
	Delta     decimal.Decimal `json:"delta"`
	Reference string          `json:"reference,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Store applies adjustments atomically. Apply must fail with
// ErrInsufficientBalance, leaving nothing recorded, when the result would
// be negative, and with ErrBalanceTooLarge when it would not fit in
// validation.MaxAmountDigits integer digits.
type Store interface {
	Apply(ctx context.Context, adj *Adjustment) (decimal.Decimal, error)
	Balances(ctx context.Context, userID string) (map[string]decimal.Decimal, error)
	History(ctx context.Context, userID string, limit int) ([]*Adjustment, error)
}

// Service is the balance adjustment entry point.
type Service struct {
	store Store
}

// NewService creates a balance service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Adjust moves userID's asset balance by delta. Negative deltas that would
// overdraw the balance fail with ErrInsufficientBalance.
func (s *Service) Adjust(ctx context.Context, userID, asset string, delta decimal.Decimal, reference string) (err error) {
	ctx, span := traces.StartSpan(ctx, "balance.Adjust", traces.UserID(userID), traces.Asset(asset))
	defer func() { traces.End(span, err) }()

	asset = strings.ToUpper(strings.TrimSpace(asset))
	if err := validation.Validate(
		validation.Required("asset", asset),
		validation.MaxLength("asset", asset, 16),
		validation.MaxLength("reference", reference, validation.MaxTextLength),
		validation.MaxScale("delta", delta, 18),
		validation.MaxIntegerDigits("delta", delta, validation.MaxAmountDigits),
	).Err(); err != nil {
		return err
	}
	if delta.IsZero() {
		return ErrZeroAdjustment
	}

	adj := &Adjustment{
		ID:        idgen.WithPrefix("adj_"),
		UserID:    userID,
		Asset:     asset,
		Delta:     delta,
		Reference: reference,
		CreatedAt: time.Now().UTC(),
	}
	after, err := s.store.Apply(ctx, adj)
	if err != nil {
		return err
	}

	logging.L(ctx).Info("balance adjusted",
		"user_id", userID,
		"asset", asset,
		"delta", delta.String(),
		"balance", after.String(),
		"reference", reference,
	)
	return nil
}

// Balances returns every non-zero balance of userID.
func (s *Service) Balances(ctx context.Context, userID string) (map[string]decimal.Decimal, error) {
	return s.store.Balances(ctx, userID)
}

// History returns the most recent adjustments of userID.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]*Adjustment, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.History(ctx, userID, limit)
}
